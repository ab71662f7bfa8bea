// Package facilitator talks to an x402 facilitator: the third party that
// verifies payment authorizations and broadcasts them on chain.
package facilitator

import (
	"context"
	"time"

	"github.com/polycrawl/paygate"
)

// Interface is the facilitator contract used by the settlement adapter.
type Interface interface {
	// Verify checks a payment authorization without moving funds.
	Verify(ctx context.Context, payment paygate.PaymentPayload, requirement paygate.PaymentRequirement) (*VerifyResponse, error)

	// Settle broadcasts a verified payment.
	Settle(ctx context.Context, payment paygate.PaymentPayload, requirement paygate.PaymentRequirement) (*paygate.SettlementResponse, error)

	// Supported lists the payment kinds the facilitator accepts.
	Supported(ctx context.Context) (*SupportedResponse, error)
}

// VerifyResponse contains the payment verification result from the facilitator.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer"`
}

// SupportedKind describes a supported payment type with its configuration.
type SupportedKind struct {
	X402Version int            `json:"x402Version"`
	Scheme      string         `json:"scheme"`
	Network     string         `json:"network"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// SupportedResponse lists all payment types supported by the facilitator.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// Request is the body POSTed to /verify and /settle.
type Request struct {
	X402Version         int                        `json:"x402Version"`
	PaymentPayload      paygate.PaymentPayload     `json:"paymentPayload"`
	PaymentRequirements paygate.PaymentRequirement `json:"paymentRequirements"`
}

// TimeoutConfig bounds facilitator round trips that arrive without a
// deadline of their own.
type TimeoutConfig struct {
	VerifyTimeout time.Duration
	SettleTimeout time.Duration
}

// DefaultTimeouts gives settle more room than verify since it waits for a
// transaction to land.
var DefaultTimeouts = TimeoutConfig{
	VerifyTimeout: 5 * time.Second,
	SettleTimeout: 60 * time.Second,
}
