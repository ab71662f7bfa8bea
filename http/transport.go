package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/polycrawl/paygate"
	"github.com/polycrawl/paygate/encoding"
	"github.com/polycrawl/paygate/http/internal/helpers"
	"github.com/polycrawl/paygate/httpsig"
)

// Transport is an http.RoundTripper that signs every outbound attempt with
// a fresh nonce and answers a 402 Payment Required response by paying once
// and resubmitting.
type Transport struct {
	// Base is the underlying RoundTripper (typically http.DefaultTransport).
	Base http.RoundTripper

	// Signer signs requests. The purpose tag is inferred from the path
	// unless Tag is set.
	Signer *httpsig.Signer
	Tag    string

	// Payers build payments for 402 responses. With no payers a 402 is
	// returned to the caller unchanged.
	Payers []paygate.Signer

	// Owner is passed to the payers; agent-side signers ignore it.
	Owner string

	Logger *slog.Logger
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}

	first, err := t.signed(req, body, "")
	if err != nil {
		return nil, err
	}
	resp, err := base.RoundTrip(first)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired || len(t.Payers) == 0 {
		return resp, nil
	}

	requirements, err := parsePaymentRequirements(resp)
	resp.Body.Close()
	if err != nil {
		return nil, paygate.NewError(paygate.CodePaymentRequired, "failed to parse payment requirements", err)
	}

	payment, err := t.pay(req, requirements)
	if err != nil {
		return nil, err
	}
	header, err := encoding.EncodePayment(*payment)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", paygate.ErrSigningFailed, err)
	}

	t.logger().InfoContext(req.Context(), "retrying with payment", "url", req.URL.String(), "network", payment.Network)
	retry, err := t.signed(req, body, header)
	if err != nil {
		return nil, err
	}
	return base.RoundTrip(retry)
}

// signed clones req with a fresh body and signature, and the payment
// header when one is given.
func (t *Transport) signed(req *http.Request, body []byte, payment string) (*http.Request, error) {
	out := RequestWithBody(req, body)
	if payment != "" {
		out.Header.Set(helpers.HeaderPayment, payment)
	}
	if t.Signer == nil {
		return out, nil
	}
	if err := t.Signer.SignRequest(out, t.Tag); err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	return out, nil
}

// pay signs the first requirement some payer can satisfy.
func (t *Transport) pay(req *http.Request, requirements []paygate.PaymentRequirement) (*paygate.PaymentPayload, error) {
	var lastErr error
	for i := range requirements {
		payment, err := paygate.SelectAndSign(req.Context(), t.Owner, &requirements[i], t.Payers)
		if err == nil {
			return payment, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = paygate.ErrNoValidSigner
	}
	return nil, lastErr
}

func (t *Transport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// parsePaymentRequirements extracts payment requirements from a 402 response.
func parsePaymentRequirements(resp *http.Response) ([]paygate.PaymentRequirement, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	var body paygate.PaymentRequirementsResponse
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements JSON: %w", err)
	}
	if len(body.Accepts) == 0 {
		return nil, fmt.Errorf("no payment requirements in response")
	}
	return body.Accepts, nil
}

// ParseSettlement extracts settlement information from an X-PAYMENT-RESPONSE header.
func ParseSettlement(resp *http.Response) (*paygate.SettlementResponse, error) {
	settlement, err := encoding.DecodeSettlement(resp.Header.Get(helpers.HeaderPaymentResponse))
	if err != nil {
		return nil, err
	}
	return &settlement, nil
}

// RequestWithBody clones an HTTP request with a new body.
// This is needed because request bodies can only be read once.
func RequestWithBody(req *http.Request, body []byte) *http.Request {
	clone := req.Clone(req.Context())
	if body == nil {
		clone.Body = http.NoBody
		clone.ContentLength = 0
		return clone
	}
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))
	clone.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return clone
}
