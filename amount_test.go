package paygate

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want Amount
	}{
		{"2.50", 2_500_000},
		{"0.000001", 1},
		{"0.0000005", 1},
		{"0.00000049", 0},
		{"10", 10_000_000},
		{"-1.25", -1_250_000},
	}
	for _, tt := range tests {
		got, err := ParseAmount(tt.in)
		if err != nil {
			t.Fatalf("ParseAmount(%q) failed: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseAmount(%q): expected %d, got %d", tt.in, tt.want, got)
		}
	}

	if _, err := ParseAmount("two"); err == nil {
		t.Error("Expected error for non-numeric amount")
	}
}

func TestAmountAtomic(t *testing.T) {
	a := MustAmount("2.50")
	if got := a.Atomic(6).String(); got != "2500000" {
		t.Errorf("Expected 2500000, got %s", got)
	}
	if got := MustAmount("0.000005").Atomic(5).String(); got != "1" {
		t.Errorf("Expected half-up rounding to 1, got %s", got)
	}

	back, err := AmountFromAtomic("2500000", 6)
	if err != nil {
		t.Fatal(err)
	}
	if back != a {
		t.Errorf("Expected %v, got %v", a, back)
	}
}

func TestAmountMulBps(t *testing.T) {
	tests := []struct {
		amount string
		bps    int
		want   string
	}{
		{"3.00", 1000, "0.3"},
		{"0.05", 1000, "0.005"},
		{"0.000015", 5000, "0.000008"},
		{"1", 0, "0"},
	}
	for _, tt := range tests {
		got := MustAmount(tt.amount).MulBps(tt.bps)
		if got != MustAmount(tt.want) {
			t.Errorf("%s * %d bps: expected %s, got %s", tt.amount, tt.bps, tt.want, got)
		}
	}
}

func TestAmountJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		Paid Amount `json:"paid"`
	}{MustAmount("2.7")})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"paid":2.7}` {
		t.Errorf("Expected bare number, got %s", data)
	}

	var v struct {
		A Amount `json:"a"`
		B Amount `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"a":0.05,"b":"1.5"}`), &v); err != nil {
		t.Fatal(err)
	}
	if v.A != 50_000 || v.B != 1_500_000 {
		t.Errorf("Expected 50000 and 1500000, got %d and %d", v.A, v.B)
	}
}

func TestParseAmountRejectsOverflow(t *testing.T) {
	for _, in := range []string{"10000000000000", "18446744073709.551616", "-10000000000000", "1e30"} {
		if _, err := ParseAmount(in); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("ParseAmount(%q): expected ErrInvalidAmount, got %v", in, err)
		}
	}
	if _, err := AmountFromAtomic("10000000000000000000", 6); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount for atomic overflow, got %v", err)
	}

	largest := "9223372036854.775807"
	if a, err := ParseAmount(largest); err != nil || a != Amount(math.MaxInt64) {
		t.Errorf("Expected %s to parse as MaxInt64, got %d (%v)", largest, a, err)
	}

	var v struct {
		MaxCost *Amount `json:"maxCost"`
	}
	if err := json.Unmarshal([]byte(`{"maxCost":10000000000000}`), &v); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount from JSON, got %v (decoded %v)", err, v.MaxCost)
	}
}
