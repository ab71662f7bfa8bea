// Package encoding converts x402 payment data to and from the base64 JSON
// header form used by X-PAYMENT and X-PAYMENT-RESPONSE.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/polycrawl/paygate"
)

// maxHeaderBytes bounds the decoded size of a payment header.
const maxHeaderBytes = 64 << 10

func encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func decode(encoded string, v any) error {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return fmt.Errorf("empty header")
	}
	if base64.StdEncoding.DecodedLen(len(encoded)) > maxHeaderBytes {
		return fmt.Errorf("header exceeds %d bytes", maxHeaderBytes)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		// Some clients send unpadded or URL-safe base64.
		data, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
		if err != nil {
			return fmt.Errorf("failed to decode base64: %w", err)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal: %w", err)
	}
	return nil
}

// EncodePayment converts a PaymentPayload to its X-PAYMENT header value.
func EncodePayment(payment paygate.PaymentPayload) (string, error) {
	s, err := encode(payment)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment: %w", err)
	}
	return s, nil
}

// DecodePayment parses an X-PAYMENT header value. Every failure wraps
// paygate.ErrMalformedHeader.
func DecodePayment(encoded string) (paygate.PaymentPayload, error) {
	var payment paygate.PaymentPayload
	if err := decode(encoded, &payment); err != nil {
		return paygate.PaymentPayload{}, fmt.Errorf("%w: %v", paygate.ErrMalformedHeader, err)
	}
	return payment, nil
}

// EncodeSettlement converts a SettlementResponse to its X-PAYMENT-RESPONSE value.
func EncodeSettlement(settlement paygate.SettlementResponse) (string, error) {
	s, err := encode(settlement)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settlement: %w", err)
	}
	return s, nil
}

// DecodeSettlement parses an X-PAYMENT-RESPONSE header value.
func DecodeSettlement(encoded string) (paygate.SettlementResponse, error) {
	var settlement paygate.SettlementResponse
	if err := decode(encoded, &settlement); err != nil {
		return paygate.SettlementResponse{}, fmt.Errorf("%w: %v", paygate.ErrMalformedHeader, err)
	}
	return settlement, nil
}
