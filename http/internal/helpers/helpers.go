// Package helpers provides the response writers and header codecs shared by
// the chi router and the gin and PocketBase adapters, so every surface
// reports errors and payment data the same way.
package helpers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/polycrawl/paygate"
	"github.com/polycrawl/paygate/encoding"
)

const (
	HeaderPayment          = "X-PAYMENT"
	HeaderPaymentResponse  = "X-PAYMENT-RESPONSE"
	HeaderPaymentCustodial = "X-PAYMENT-CUSTODIAL"
)

// ErrorBody is the JSON body of every failed request. The payment fields
// are set for 402 responses so that an agent can decide to pay and retry.
type ErrorBody struct {
	Error       string                       `json:"error"`
	Message     string                       `json:"message"`
	X402Version int                          `json:"x402Version,omitempty"`
	Accepts     []paygate.PaymentRequirement `json:"accepts,omitempty"`
	Quote       *paygate.Amount              `json:"quote,omitempty"`
	Cap         *paygate.CapUsage            `json:"cap,omitempty"`
}

// Body maps err onto the response body and status it is reported with.
// Internal causes are never exposed.
func Body(err error) (int, ErrorBody) {
	e := paygate.AsError(err)
	body := ErrorBody{
		Error:   string(e.Code),
		Message: e.Message,
		Quote:   e.Quote,
		Cap:     e.Cap,
		Accepts: e.Accepts,
	}
	if e.Status() == http.StatusPaymentRequired {
		body.X402Version = paygate.X402Version
	}
	return e.Status(), body
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already sent; an encoding failure only truncates the body.
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes err as a structured error response.
func WriteError(w http.ResponseWriter, err error) {
	status, body := Body(err)
	WriteJSON(w, status, body)
}

// ParsePaymentHeader decodes the X-PAYMENT header of r. It returns nil
// when the header is absent.
//
// Returns a MALFORMED_X_PAYMENT error if the header is not base64 JSON and
// PAYMENT_INVALID if it carries an unsupported protocol version.
func ParsePaymentHeader(r *http.Request) (*paygate.PaymentPayload, error) {
	value := r.Header.Get(HeaderPayment)
	if value == "" {
		return nil, nil
	}
	payment, err := encoding.DecodePayment(value)
	if err != nil {
		return nil, paygate.NewError(paygate.CodeMalformedPayment, "X-PAYMENT is not a base64 JSON payment payload", err)
	}
	if payment.X402Version != paygate.X402Version {
		return nil, paygate.NewError(paygate.CodePaymentInvalid,
			fmt.Sprintf("unsupported x402Version %d", payment.X402Version), paygate.ErrUnsupportedVersion)
	}
	return &payment, nil
}

// Custodial reports whether the caller asked the gateway to sign the
// payment with its delegated key.
func Custodial(r *http.Request) bool {
	return r.Header.Get(HeaderPaymentCustodial) == "true"
}

// AddPaymentResponseHeader adds the X-PAYMENT-RESPONSE header with base64-encoded settlement information.
func AddPaymentResponseHeader(w http.ResponseWriter, settlement *paygate.SettlementResponse) error {
	encoded, err := encoding.EncodeSettlement(*settlement)
	if err != nil {
		return err
	}
	w.Header().Set(HeaderPaymentResponse, encoded)
	return nil
}

// AbsoluteURL rebuilds the URL the client addressed. With trustForwarded,
// X-Forwarded-Proto and X-Forwarded-Host take precedence.
func AbsoluteURL(r *http.Request, trustForwarded bool) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if trustForwarded {
		if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
			scheme = p
		}
		if h := r.Header.Get("X-Forwarded-Host"); h != "" {
			host = h
		}
	}
	return scheme + "://" + host + r.URL.RequestURI()
}
