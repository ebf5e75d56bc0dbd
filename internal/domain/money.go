package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MicrosPerUnit is the number of micros in one dollar.
const MicrosPerUnit int64 = 1_000_000

// Money is a USD amount stored as int64 micros (10^-6) to avoid floating point errors.
type Money int64

// Dollars builds a Money value from whole dollars.
func Dollars(n int64) Money {
	return Money(n * MicrosPerUnit)
}

// Micros returns the raw micros value.
func (m Money) Micros() int64 {
	return int64(m)
}

// ToDecimal converts the int64 micros to a shopspring/decimal.Decimal.
func (m Money) ToDecimal() decimal.Decimal {
	return decimal.NewFromInt(int64(m)).Div(decimal.NewFromInt(MicrosPerUnit))
}

// FromDecimal converts a decimal.Decimal to int64 micros, truncating sub-micro precision.
func FromDecimal(d decimal.Decimal) int64 {
	return d.Mul(decimal.NewFromInt(MicrosPerUnit)).IntPart()
}

// Multiply returns m scaled by factor. It uses shopspring/decimal for precision and rounds down.
func (m Money) Multiply(factor decimal.Decimal) Money {
	return Money(FromDecimal(m.ToDecimal().Mul(factor)))
}

// ParseMoney parses a dollar string such as "12.50".
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse money %q: %w", s, err)
	}
	return Money(FromDecimal(d)), nil
}

// String returns the string representation of the money.
func (m Money) String() string {
	return fmt.Sprintf("%s USD", m.ToDecimal().StringFixed(2))
}
