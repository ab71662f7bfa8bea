package httpsig

import (
	"errors"

	"github.com/polycrawl/paygate"
)

var (
	ErrMissingSignature     = errors.New("httpsig: missing signature headers")
	ErrMalformedSignature   = errors.New("httpsig: malformed signature headers")
	ErrInvalidTag           = errors.New("httpsig: missing or unknown tag")
	ErrMissingTimestamps    = errors.New("httpsig: missing created or expires")
	ErrCreatedInFuture      = errors.New("httpsig: created is in the future")
	ErrExpired              = errors.New("httpsig: signature has expired")
	ErrWindowTooLong        = errors.New("httpsig: validity window too long")
	ErrTooOld               = errors.New("httpsig: created is too old")
	ErrReplayed             = errors.New("httpsig: nonce already used")
	ErrMissingKeyID         = errors.New("httpsig: missing keyid")
	ErrKeyNotFound          = errors.New("httpsig: key not found")
	ErrMissingComponent     = errors.New("httpsig: required component not covered")
	ErrUnsupportedAlgorithm = errors.New("httpsig: unsupported algorithm")
	ErrAlgorithmMismatch    = errors.New("httpsig: algorithm does not match key")
	ErrBadSignature         = errors.New("httpsig: signature verification failed")
)

// codeFor maps a verification failure onto the gateway error codes.
func codeFor(err error) paygate.Code {
	switch {
	case errors.Is(err, ErrInvalidTag):
		return paygate.CodeTagInvalid
	case errors.Is(err, ErrMissingTimestamps), errors.Is(err, ErrCreatedInFuture),
		errors.Is(err, ErrExpired), errors.Is(err, ErrWindowTooLong), errors.Is(err, ErrTooOld):
		return paygate.CodeSignatureExpired
	case errors.Is(err, ErrReplayed):
		return paygate.CodeNonceReplayed
	case errors.Is(err, ErrKeyNotFound), errors.Is(err, ErrMissingKeyID):
		return paygate.CodeKeyNotFound
	case errors.Is(err, ErrMissingSignature), errors.Is(err, ErrMalformedSignature):
		return paygate.CodeUnauthorized
	case errors.Is(err, ErrBadSignature), errors.Is(err, ErrMissingComponent),
		errors.Is(err, ErrUnsupportedAlgorithm), errors.Is(err, ErrAlgorithmMismatch):
		return paygate.CodeSignatureInvalid
	}
	return paygate.CodeInternal
}

func reject(err error) error {
	return paygate.NewError(codeFor(err), "signature verification failed", err)
}
