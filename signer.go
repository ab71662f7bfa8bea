package paygate

import (
	"context"
	"math/big"
)

// Signer builds payment payloads for one network. Custodial signers hold
// delegated keys for many owners and select the key by owner; agent-side
// signers hold a single key and ignore it.
type Signer interface {
	// Network returns the network identifier (e.g., "base", "solana").
	Network() string

	// Scheme returns the payment scheme identifier (currently "exact").
	Scheme() string

	// CanSign reports whether the signer supports the requirement's network,
	// scheme and asset.
	CanSign(req *PaymentRequirement) bool

	// Sign creates a signed payment payload that pays req on behalf of owner.
	Sign(ctx context.Context, owner string, req *PaymentRequirement) (*PaymentPayload, error)

	// Priority orders signers; lower numbers are tried first.
	Priority() int

	// MaxAmount is the per-payment limit in atomic units, or nil for none.
	MaxAmount() *big.Int
}
