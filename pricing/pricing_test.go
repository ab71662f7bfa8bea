package pricing

import (
	"testing"

	"github.com/polycrawl/paygate"
)

var amt = paygate.MustAmount

func size(n int64) *int64 { return &n }

func TestEstimate(t *testing.T) {
	tests := []struct {
		name      string
		pricing   Pricing
		sameOwner bool
		maxBytes  int64
		wantCost  paygate.Amount
		wantBytes int64
		wantBasis Basis
	}{
		{"flat", Pricing{Flat: amt("2.50"), PerKB: amt("1")}, false, 0, amt("2.50"), DefaultEstimateBytes, BasisFlat},
		{"per kb with size", Pricing{PerKB: amt("0.001"), SizeBytes: size(51200)}, false, 0, amt("0.05"), 51200, BasisPerKB},
		{"per kb default size", Pricing{PerKB: amt("0.001")}, false, 0, amt("0.256"), DefaultEstimateBytes, BasisPerKB},
		{"per kb caller max", Pricing{PerKB: amt("0.001")}, false, 2048, amt("0.002"), 2048, BasisPerKB},
		{"per kb capped max", Pricing{PerKB: amt("0.001")}, false, 50 << 20, amt("10.24"), MaxEstimateBytes, BasisPerKB},
		{"same owner", Pricing{Flat: amt("2.50")}, true, 0, 0, DefaultEstimateBytes, BasisWaived},
		{"free", Pricing{}, false, 0, 0, DefaultEstimateBytes, BasisFree},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := Estimate(tt.pricing, tt.sameOwner, tt.maxBytes)
			if q.Cost != tt.wantCost {
				t.Errorf("Expected cost %s, got %s", tt.wantCost, q.Cost)
			}
			if q.Bytes != tt.wantBytes {
				t.Errorf("Expected bytes %d, got %d", tt.wantBytes, q.Bytes)
			}
			if q.Basis != tt.wantBasis {
				t.Errorf("Expected basis %s, got %s", tt.wantBasis, q.Basis)
			}
		})
	}
}

func TestFinalUsesDeliveredBytes(t *testing.T) {
	p := Pricing{PerKB: amt("0.003"), SizeBytes: size(4096)}
	if q := Final(p, false, 1000); q.Cost != amt("0.00293") {
		t.Errorf("Expected 0.00293, got %s", q.Cost)
	}
	if q := Final(p, false, 1); q.Cost != amt("0.000003") {
		t.Errorf("Expected rounding half away from zero to 0.000003, got %s", q.Cost)
	}
	if q := Final(Pricing{Flat: amt("1")}, false, 1<<30); q.Cost != amt("1") {
		t.Errorf("Expected flat price regardless of size, got %s", q.Cost)
	}
}

func TestFeeAndSplits(t *testing.T) {
	fee := Fee(amt("3.00"), 1000)
	if fee != amt("0.30") {
		t.Errorf("Expected fee 0.30, got %s", fee)
	}
	if got := Fee(amt("0.000015"), 1000); got != amt("0.000002") {
		t.Errorf("Expected 0.0000015 to round to 0.000002, got %s", got)
	}
	if got := Fee(amt("1"), 0); got != 0 {
		t.Errorf("Expected zero fee at 0 bps, got %s", got)
	}

	splits := Splits(amt("3.00"), fee)
	if len(splits) != 2 || splits[0].To != SplitProviderPayout || splits[0].Amount != amt("2.70") || splits[1].Amount != amt("0.30") {
		t.Errorf("Unexpected splits %+v", splits)
	}
	if s := Splits(amt("3"), 0); len(s) != 1 || s[0].Amount != amt("3") {
		t.Errorf("Expected single provider split, got %+v", s)
	}
	if s := Splits(0, 0); len(s) != 0 {
		t.Errorf("Expected no splits for zero cost, got %+v", s)
	}
}
