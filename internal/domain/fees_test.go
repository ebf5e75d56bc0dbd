package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFee_Tiers(t *testing.T) {
	tests := []struct {
		name   string
		amount Money
		want   Money
	}{
		{"zero", 0, 0},
		{"below minimum tier", Dollars(10), Dollars(1)},
		{"just under 50", Dollars(50) - 1, Dollars(1)},
		{"at 50", Dollars(50), Dollars(2)},
		{"at 200", Dollars(200), Dollars(3)},
		{"at 999.99", Money(999_990_000), Dollars(5)},
		{"at 1000", Dollars(1000), Dollars(10)},
		{"at 2000", Dollars(2000), Dollars(10)},
		{"above 2000 is one percent", Dollars(2500), Dollars(25)},
		{"percent truncates to micro", Money(2_000_000_150), Money(20_000_001)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want.Micros(), Fee(tt.amount.Micros()))
		})
	}
}

func TestFee_Monotonic(t *testing.T) {
	prev := int64(0)
	for amount := Dollars(1); amount <= Dollars(5000); amount += Dollars(7) {
		fee := Fee(amount.Micros())
		assert.GreaterOrEqual(t, fee, prev, "fee decreased at %s", amount)
		prev = fee
	}
}
