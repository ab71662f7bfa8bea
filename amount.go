package paygate

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// AmountScale is the number of decimal places an Amount carries.
const AmountScale = 6

// Amount is a quantity of the ledger currency in micro-units (1e-6).
// All balances, prices and fees are Amounts so that rounding happens in one
// place and arithmetic on them is exact.
type Amount int64

var (
	microsPerUnit = decimal.New(1, AmountScale)
	maxMicros     = decimal.NewFromInt(math.MaxInt64)
	minMicros     = decimal.NewFromInt(math.MinInt64)
)

// AmountFromDecimal rounds d half away from zero to six places. d must be
// within the range of an Amount; inputs use ParseAmount, which checks it.
func AmountFromDecimal(d decimal.Decimal) Amount {
	return Amount(d.Mul(microsPerUnit).Round(0).IntPart())
}

// checkedAmount is AmountFromDecimal that rejects values an Amount cannot
// hold instead of wrapping.
func checkedAmount(d decimal.Decimal, in string) (Amount, error) {
	micros := d.Mul(microsPerUnit).Round(0)
	if micros.GreaterThan(maxMicros) || micros.LessThan(minMicros) {
		return 0, fmt.Errorf("%w: %q is out of range", ErrInvalidAmount, in)
	}
	return Amount(micros.IntPart()), nil
}

// AmountFromFloat converts a float price, as found in JSON inputs, to an Amount.
func AmountFromFloat(f float64) Amount {
	return AmountFromDecimal(decimal.NewFromFloat(f))
}

// ParseAmount parses a decimal string such as "2.5" or "0.000001".
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return checkedAmount(d, s)
}

// MustAmount is ParseAmount for constants and tests.
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Decimal returns the amount as a decimal in whole units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -AmountScale)
}

func (a Amount) String() string {
	return a.Decimal().String()
}

// Float64 is for presentation only.
func (a Amount) Float64() float64 {
	f, _ := a.Decimal().Float64()
	return f
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool { return a == 0 }

// MulBps returns a*bps/10000 rounded half away from zero to six places.
func (a Amount) MulBps(bps int) Amount {
	return AmountFromDecimal(a.Decimal().Mul(decimal.NewFromInt(int64(bps))).Div(decimal.NewFromInt(10000)))
}

// Atomic converts the amount to a token's atomic units, rounding half away
// from zero when the token has fewer than six decimals.
func (a Amount) Atomic(decimals uint8) *big.Int {
	return a.Decimal().Shift(int32(decimals)).Round(0).BigInt()
}

// AmountFromAtomic converts atomic token units back to an Amount.
func AmountFromAtomic(atomic string, decimals uint8) (Amount, error) {
	d, err := decimal.NewFromString(atomic)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, atomic)
	}
	return checkedAmount(d.Shift(-int32(decimals)), atomic)
}

// MarshalJSON encodes the amount as a bare JSON number in whole units.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts a JSON number or a numeric string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	} else {
		s = string(data)
	}
	if s == "null" {
		return nil
	}
	v, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
