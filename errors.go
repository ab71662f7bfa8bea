package paygate

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrPaymentRequired        = errors.New("paygate: payment required")
	ErrInvalidPayment         = errors.New("paygate: invalid payment")
	ErrMalformedHeader        = errors.New("paygate: malformed payment header")
	ErrMalformedPayload       = errors.New("paygate: malformed payment payload")
	ErrUnsupportedVersion     = errors.New("paygate: unsupported protocol version")
	ErrUnsupportedScheme      = errors.New("paygate: unsupported payment scheme")
	ErrUnsupportedNetwork     = errors.New("paygate: unsupported network")
	ErrInvalidAmount          = errors.New("paygate: invalid amount")
	ErrInsufficientFunds      = errors.New("paygate: insufficient funds")
	ErrNoValidSigner          = errors.New("paygate: no signer can satisfy payment requirements")
	ErrAmountExceeded         = errors.New("paygate: payment amount exceeds signer limit")
	ErrSigningFailed          = errors.New("paygate: payment signing failed")
	ErrInvalidKey             = errors.New("paygate: invalid private key")
	ErrFacilitatorUnavailable = errors.New("paygate: facilitator service unavailable")
	ErrVerificationFailed     = errors.New("paygate: payment verification failed")
	ErrSettlementFailed       = errors.New("paygate: payment settlement failed")
)

// Kind is the coarse failure class every error maps to.
type Kind string

const (
	KindAuthentication Kind = "AuthenticationFailure"
	KindPolicy         Kind = "PolicyDenied"
	KindPayment        Kind = "PaymentRequired"
	KindSettlement     Kind = "SettlementFailure"
	KindUpstream       Kind = "UpstreamFailure"
	KindInvalid        Kind = "InvalidRequest"
	KindInternal       Kind = "Internal"
)

// Code is a stable machine-readable error code returned to callers.
type Code string

const (
	CodeUnauthorized             Code = "UNAUTHORIZED"
	CodeSignatureInvalid         Code = "SIGNATURE_INVALID"
	CodeSignatureExpired         Code = "SIGNATURE_EXPIRED"
	CodeNonceReplayed            Code = "NONCE_REPLAYED"
	CodeTagInvalid               Code = "TAG_INVALID"
	CodeKeyNotFound              Code = "KEY_NOT_FOUND"
	CodeAgentInvalid             Code = "AGENT_INVALID"
	CodeBadRequest               Code = "BAD_REQUEST"
	CodeResourceNotFound         Code = "RESOURCE_NOT_FOUND"
	CodeModeNotAllowed           Code = "MODE_NOT_ALLOWED"
	CodeProviderPolicyDeny       Code = "PROVIDER_POLICY_DENY"
	CodeMaxCostExceeded          Code = "MAX_COST_EXCEEDED"
	CodeWeeklyCapExceeded        Code = "WEEKLY_CAP_EXCEEDED"
	CodeDailyResourceCapExceeded Code = "DAILY_RESOURCE_CAP_EXCEEDED"
	CodeModeCapExceeded          Code = "MODE_CAP_EXCEEDED"
	CodeWalletFrozen             Code = "WALLET_FROZEN"
	CodePaymentRequired          Code = "PAYMENT_REQUIRED"
	CodePaymentInvalid           Code = "PAYMENT_INVALID"
	CodeMalformedPayment         Code = "MALFORMED_X_PAYMENT"
	CodeSettlementFailed         Code = "SETTLEMENT_FAILED"
	CodeNoConnector              Code = "NO_CONNECTOR"
	CodeUpstreamFailed           Code = "UPSTREAM_FAILED"
	CodeProviderNotFound         Code = "PROVIDER_NOT_FOUND"
	CodeInternal                 Code = "INTERNAL"
)

type codeInfo struct {
	kind   Kind
	status int
}

var codes = map[Code]codeInfo{
	CodeUnauthorized:             {KindAuthentication, http.StatusUnauthorized},
	CodeSignatureInvalid:         {KindAuthentication, http.StatusUnauthorized},
	CodeSignatureExpired:         {KindAuthentication, http.StatusUnauthorized},
	CodeNonceReplayed:            {KindAuthentication, http.StatusUnauthorized},
	CodeTagInvalid:               {KindAuthentication, http.StatusUnauthorized},
	CodeKeyNotFound:              {KindAuthentication, http.StatusUnauthorized},
	CodeAgentInvalid:             {KindAuthentication, http.StatusUnauthorized},
	CodeBadRequest:               {KindInvalid, http.StatusBadRequest},
	CodeResourceNotFound:         {KindInvalid, http.StatusNotFound},
	CodeModeNotAllowed:           {KindPolicy, http.StatusForbidden},
	CodeProviderPolicyDeny:       {KindPolicy, http.StatusForbidden},
	CodeMaxCostExceeded:          {KindPolicy, http.StatusPaymentRequired},
	CodeWeeklyCapExceeded:        {KindPolicy, http.StatusPaymentRequired},
	CodeDailyResourceCapExceeded: {KindPolicy, http.StatusPaymentRequired},
	CodeModeCapExceeded:          {KindPolicy, http.StatusPaymentRequired},
	CodeWalletFrozen:             {KindPolicy, http.StatusForbidden},
	CodePaymentRequired:          {KindPayment, http.StatusPaymentRequired},
	CodePaymentInvalid:           {KindPayment, http.StatusPaymentRequired},
	CodeMalformedPayment:         {KindPayment, http.StatusPaymentRequired},
	CodeSettlementFailed:         {KindSettlement, http.StatusBadGateway},
	CodeNoConnector:              {KindUpstream, http.StatusNotImplemented},
	CodeUpstreamFailed:           {KindUpstream, http.StatusBadGateway},
	CodeProviderNotFound:         {KindInternal, http.StatusInternalServerError},
	CodeInternal:                 {KindInternal, http.StatusInternalServerError},
}

// Kind returns the failure class of the code.
func (c Code) Kind() Kind {
	if info, ok := codes[c]; ok {
		return info.kind
	}
	return KindInternal
}

// Status returns the HTTP status the code is reported with.
func (c Code) Status() int {
	if info, ok := codes[c]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// CapUsage reports the limit and current usage of a spending cap.
type CapUsage struct {
	Limit   Amount `json:"limit"`
	Current Amount `json:"current"`
}

// Error is the structured failure returned by gateway operations. Payment
// and cap failures carry enough data for a calling agent to decide whether
// to retry with payment.
type Error struct {
	Code    Code
	Message string
	Quote   *Amount
	Cap     *CapUsage
	Accepts []PaymentRequirement
	Err     error
}

// NewError creates an Error with the given code, message and optional cause.
func NewError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

// Errorf creates an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Kind returns the failure class.
func (e *Error) Kind() Kind { return e.Code.Kind() }

// Status returns the HTTP status for the error.
func (e *Error) Status() int { return e.Code.Status() }

// WithQuote attaches the rejected price.
func (e *Error) WithQuote(a Amount) *Error {
	e.Quote = &a
	return e
}

// WithCap attaches cap usage.
func (e *Error) WithCap(limit, current Amount) *Error {
	e.Cap = &CapUsage{Limit: limit, Current: current}
	return e
}

// WithAccepts attaches the payment requirements a caller may satisfy.
func (e *Error) WithAccepts(reqs ...PaymentRequirement) *Error {
	e.Accepts = reqs
	return e
}

// AsError maps any error onto the taxonomy. Errors that are not an *Error
// are reported as CodeInternal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return NewError(CodePaymentRequired, "insufficient funds", err)
	case errors.Is(err, ErrMalformedHeader), errors.Is(err, ErrMalformedPayload):
		return NewError(CodeMalformedPayment, "malformed payment", err)
	case errors.Is(err, ErrSettlementFailed), errors.Is(err, ErrFacilitatorUnavailable):
		return NewError(CodeSettlementFailed, "settlement failed", err)
	}
	return NewError(CodeInternal, "internal error", err)
}

// IsCode reports whether err maps to the given code.
func IsCode(err error, code Code) bool {
	e := AsError(err)
	return e != nil && e.Code == code
}
