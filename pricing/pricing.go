// Package pricing computes request cost estimates and final charges, and
// enforces per-user spending caps before funds are reserved.
package pricing

import (
	"github.com/polycrawl/paygate"
	"github.com/shopspring/decimal"
)

const (
	// DefaultEstimateBytes is assumed when neither the resource nor the
	// caller states a size.
	DefaultEstimateBytes int64 = 256 * 1024
	// MaxEstimateBytes caps caller-provided maxBytes when estimating.
	MaxEstimateBytes int64 = 10 * 1024 * 1024
)

// Pricing is the price list of a resource. Flat wins when positive.
type Pricing struct {
	Flat      paygate.Amount `json:"flat,omitempty"`
	PerKB     paygate.Amount `json:"perKb,omitempty"`
	SizeBytes *int64         `json:"sizeBytes,omitempty"`
}

// IsFlat reports whether the resource is sold at a fixed price.
func (p Pricing) IsFlat() bool { return p.Flat > 0 }

// Basis names how a quote was computed.
type Basis string

const (
	BasisFlat   Basis = "flat"
	BasisPerKB  Basis = "per_kb"
	BasisWaived Basis = "waived"
	BasisFree   Basis = "free"
)

// Quote is a priced request.
type Quote struct {
	Cost      paygate.Amount `json:"cost"`
	Bytes     int64          `json:"bytes"`
	Basis     Basis          `json:"basis"`
	UnitPrice paygate.Amount `json:"unitPrice,omitempty"`
}

// EstimateBytes returns the byte count a request is priced at before the
// content has been fetched.
func EstimateBytes(p Pricing, maxBytes int64) int64 {
	if p.SizeBytes != nil {
		return *p.SizeBytes
	}
	n := DefaultEstimateBytes
	if maxBytes > 0 {
		n = maxBytes
	}
	return min(n, MaxEstimateBytes)
}

// Estimate prices a request before fetch.
func Estimate(p Pricing, sameOwner bool, maxBytes int64) Quote {
	return quote(p, sameOwner, EstimateBytes(p, maxBytes))
}

// Final prices a request for the bytes actually delivered.
func Final(p Pricing, sameOwner bool, bytes int64) Quote {
	return quote(p, sameOwner, bytes)
}

func quote(p Pricing, sameOwner bool, bytes int64) Quote {
	q := Quote{Bytes: bytes}
	switch {
	case sameOwner:
		q.Basis = BasisWaived
	case p.IsFlat():
		q.Basis, q.Cost = BasisFlat, p.Flat
	case p.PerKB > 0:
		q.Basis, q.UnitPrice = BasisPerKB, p.PerKB
		q.Cost = PerKBCost(p.PerKB, bytes)
	default:
		q.Basis = BasisFree
	}
	return q
}

// PerKBCost is round6(perKB * bytes / 1024).
func PerKBCost(perKB paygate.Amount, bytes int64) paygate.Amount {
	kb := decimal.NewFromInt(bytes).Div(decimal.NewFromInt(1024))
	return paygate.AmountFromDecimal(perKB.Decimal().Mul(kb))
}

// Fee returns the platform fee on cost at bps basis points.
func Fee(cost paygate.Amount, bps int) paygate.Amount {
	if bps <= 0 || cost <= 0 {
		return 0
	}
	return cost.MulBps(bps)
}

// Split destinations written on receipts.
const (
	SplitProviderPayout = "wallet:provider_payout"
	SplitPlatformFee    = "wallet:platform_fee"
)

// Split is one line of a receipt's revenue split.
type Split struct {
	To     string         `json:"to"`
	Amount paygate.Amount `json:"amount"`
}

// Splits divides cost between the provider and the platform fee.
func Splits(cost, fee paygate.Amount) []Split {
	if cost <= 0 {
		return []Split{}
	}
	if fee <= 0 {
		return []Split{{To: SplitProviderPayout, Amount: cost}}
	}
	return []Split{
		{To: SplitProviderPayout, Amount: cost - fee},
		{To: SplitPlatformFee, Amount: fee},
	}
}
