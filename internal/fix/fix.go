// Package fix implements the 18-decimal fixed-point arithmetic used for
// every price, ratio, and basket-unit quantity in the vault engine.
//
// A Fix represents v / 10^18 exactly. The backing representation is
// shopspring/decimal pinned to scale 18, with the representable range
// bounded to a signed 192-bit scaled integer. Results outside that range
// are a hard ErrOverflow — never silent truncation — because fixed-point
// corruption here means basket-quantity corruption.
//
// All monetary values use shopspring/decimal — never float64 for money.
package fix

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places carried by every Fix.
const Scale int32 = 18

var (
	// ErrOverflow is returned when an operation's result falls outside
	// the representable range.
	ErrOverflow = errors.New("fix: arithmetic overflow")

	// ErrDivideByZero is returned by Div and DivRaw with a zero divisor.
	ErrDivideByZero = errors.New("fix: division by zero")

	// ErrRange is returned when constructing a Fix from an out-of-range
	// decimal.
	ErrRange = errors.New("fix: value out of range")
)

// maxScaled is 2^191 - 1, the largest allowed scaled magnitude.
var maxScaled = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 191), big.NewInt(1))

// maxAbs is maxScaled interpreted at scale 18.
var maxAbs = decimal.NewFromBigInt(maxScaled, -Scale)

// Fix is an immutable 18-decimal fixed-point value.
type Fix struct {
	d decimal.Decimal
}

var (
	// Zero is the Fix 0.
	Zero = Fix{}

	// One is the Fix 1.
	One = Fix{d: decimal.New(1, 0)}

	// MaxFix is the largest representable Fix. It doubles as the
	// "unbounded" seed when searching for a minimum across basket
	// members.
	MaxFix = Fix{d: maxAbs}
)

// New builds a Fix from a decimal, truncating toward zero to 18 places.
func New(d decimal.Decimal) (Fix, error) {
	t := d.Truncate(Scale)
	if t.Abs().GreaterThan(maxAbs) {
		return Fix{}, ErrRange
	}
	return Fix{d: t}, nil
}

// FromInt builds a Fix from a whole number.
func FromInt(n int64) Fix {
	return Fix{d: decimal.NewFromInt(n)}
}

// FromString parses a decimal string into a Fix.
func FromString(s string) (Fix, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Fix{}, err
	}
	return New(d)
}

// MustFromString is FromString for literals; panics on bad input.
func MustFromString(s string) Fix {
	f, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return f
}

// Decimal returns the underlying decimal value.
func (f Fix) Decimal() decimal.Decimal { return f.d }

// Floor truncates toward zero to a whole decimal, used when converting
// BU-scaled quantities to raw token units.
func (f Fix) Floor() decimal.Decimal { return f.d.Truncate(0) }

// String renders the value as a plain decimal string.
func (f Fix) String() string { return f.d.String() }

func checked(d decimal.Decimal) (Fix, error) {
	t := d.Truncate(Scale)
	if t.Abs().GreaterThan(maxAbs) {
		return Fix{}, ErrOverflow
	}
	return Fix{d: t}, nil
}

// Add returns f + o, or ErrOverflow.
func (f Fix) Add(o Fix) (Fix, error) {
	return checked(f.d.Add(o.d))
}

// Sub returns f - o, or ErrOverflow.
func (f Fix) Sub(o Fix) (Fix, error) {
	return checked(f.d.Sub(o.d))
}

// Mul returns f * o truncated toward zero, or ErrOverflow.
func (f Fix) Mul(o Fix) (Fix, error) {
	return checked(f.d.Mul(o.d))
}

// Div returns f / o truncated toward zero, or ErrDivideByZero/ErrOverflow.
func (f Fix) Div(o Fix) (Fix, error) {
	if o.d.IsZero() {
		return Fix{}, ErrDivideByZero
	}
	q, _ := f.d.QuoRem(o.d, Scale)
	return checked(q)
}

// MulRaw multiplies by a raw (unscaled) decimal operand.
func (f Fix) MulRaw(d decimal.Decimal) (Fix, error) {
	return checked(f.d.Mul(d))
}

// DivRaw divides by a raw (unscaled) decimal operand.
func (f Fix) DivRaw(d decimal.Decimal) (Fix, error) {
	if d.IsZero() {
		return Fix{}, ErrDivideByZero
	}
	q, _ := f.d.QuoRem(d, Scale)
	return checked(q)
}

// Cmp returns -1, 0, or +1 comparing f against o.
func (f Fix) Cmp(o Fix) int { return f.d.Cmp(o.d) }

// Equal reports f == o.
func (f Fix) Equal(o Fix) bool { return f.d.Equal(o.d) }

// Lt reports f < o.
func (f Fix) Lt(o Fix) bool { return f.d.LessThan(o.d) }

// Lte reports f <= o.
func (f Fix) Lte(o Fix) bool { return f.d.LessThanOrEqual(o.d) }

// Gt reports f > o.
func (f Fix) Gt(o Fix) bool { return f.d.GreaterThan(o.d) }

// Gte reports f >= o.
func (f Fix) Gte(o Fix) bool { return f.d.GreaterThanOrEqual(o.d) }

// IsZero reports f == 0.
func (f Fix) IsZero() bool { return f.d.IsZero() }

// IsPositive reports f > 0.
func (f Fix) IsPositive() bool { return f.d.IsPositive() }

// IsNegative reports f < 0.
func (f Fix) IsNegative() bool { return f.d.IsNegative() }

// Min returns the smaller of a and b.
func Min(a, b Fix) Fix {
	if a.Lt(b) {
		return a
	}
	return b
}

// MarshalJSON renders the value as a JSON number string.
func (f Fix) MarshalJSON() ([]byte, error) { return f.d.MarshalJSON() }

// UnmarshalJSON parses a JSON number or string, truncating to scale and
// rejecting out-of-range values.
func (f *Fix) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return err
	}
	v, err := New(d)
	if err != nil {
		return err
	}
	*f = v
	return nil
}
