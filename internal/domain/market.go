package domain

import (
	"fmt"
	"strings"
	"time"
)

// Market identifies one of the independent betting markets of an instance.
type Market string

const (
	MarketOuter      Market = "outer"
	MarketMiddle     Market = "middle"
	MarketInner      Market = "inner"
	MarketIndecision Market = "indecision"
)

// Selection is one side of a market.
type Selection string

const (
	SelectionBuy        Selection = "buy"
	SelectionSell       Selection = "sell"
	SelectionBlue       Selection = "blue"
	SelectionRed        Selection = "red"
	SelectionHighVol    Selection = "high_vol"
	SelectionLowVol     Selection = "low_vol"
	SelectionIndecision Selection = "indecision"
)

// Pair holds the two opposing selections of a paired market.
type Pair struct {
	Market Market
	A      Selection
	B      Selection
}

// Pairs lists the paired markets in resolution order.
var Pairs = []Pair{
	{Market: MarketOuter, A: SelectionBuy, B: SelectionSell},
	{Market: MarketMiddle, A: SelectionBlue, B: SelectionRed},
	{Market: MarketInner, A: SelectionHighVol, B: SelectionLowVol},
}

// Selections lists every selection that carries a pool.
var Selections = []Selection{
	SelectionBuy, SelectionSell,
	SelectionBlue, SelectionRed,
	SelectionHighVol, SelectionLowVol,
	SelectionIndecision,
}

var selectionMarkets = map[Selection]Market{
	SelectionBuy:        MarketOuter,
	SelectionSell:       MarketOuter,
	SelectionBlue:       MarketMiddle,
	SelectionRed:        MarketMiddle,
	SelectionHighVol:    MarketInner,
	SelectionLowVol:     MarketInner,
	SelectionIndecision: MarketIndecision,
}

// MarketOf returns the market a selection belongs to.
func MarketOf(sel Selection) (Market, bool) {
	m, ok := selectionMarkets[sel]
	return m, ok
}

// ValidateSelection checks that sel is a side of market m.
func ValidateSelection(m Market, sel Selection) error {
	owner, ok := selectionMarkets[sel]
	if !ok || owner != m {
		return fmt.Errorf("%w: %s/%s", ErrInvalidSelection, m, sel)
	}
	return nil
}

// Round durations. The 20 minute round is the master; the others nest inside it.
const (
	Duration5m     = 5 * time.Minute
	Duration10m    = 10 * time.Minute
	Duration20m    = 20 * time.Minute
	MasterDuration = Duration20m
)

// Durations lists the tracks from shortest to longest.
var Durations = []time.Duration{Duration5m, Duration10m, Duration20m}

// ParseDuration accepts "5m", "10m", "20m" or the bare minute count.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return MasterDuration, nil
	}
	if !strings.HasSuffix(s, "m") {
		s += "m"
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
	}
	for _, known := range Durations {
		if d == known {
			return d, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
}

// DurationLabel renders a track duration as "5m", "10m" or "20m".
func DurationLabel(d time.Duration) string {
	return fmt.Sprintf("%dm", int(d/time.Minute))
}

// IsPremiumDuration reports whether betting on d requires a premium account.
func IsPremiumDuration(d time.Duration) bool {
	return d < MasterDuration
}
