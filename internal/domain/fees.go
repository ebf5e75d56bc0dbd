package domain

import "github.com/shopspring/decimal"

type feeTier struct {
	below Money
	fee   Money
}

// Flat tiers up to and including $2000; above that a percentage applies.
var feeTiers = []feeTier{
	{below: Dollars(50), fee: Dollars(1)},
	{below: Dollars(200), fee: Dollars(2)},
	{below: Dollars(500), fee: Dollars(3)},
	{below: Dollars(1000), fee: Dollars(5)},
	{below: Dollars(2000) + 1, fee: Dollars(10)},
}

var percentFeeRate = decimal.RequireFromString("0.01")

// Fee returns the fee charged on a withdrawal, transfer or commission base amount.
// All three flows must use this function.
func Fee(amount int64) int64 {
	if amount <= 0 {
		return 0
	}
	m := Money(amount)
	for _, tier := range feeTiers {
		if m < tier.below {
			return tier.fee.Micros()
		}
	}
	return m.Multiply(percentFeeRate).Micros()
}
