package settlement

import (
	"fmt"

	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Resolve applies minority-wins to every paired market. A tie in any pair,
// including two empty pools, triggers indecision and only indecision bets win.
func Resolve(pools models.PoolTotals) *models.Outcome {
	out := &models.Outcome{Winners: make(map[domain.Market]domain.Selection, len(domain.Pairs))}
	for _, p := range domain.Pairs {
		a, b := pools[p.A], pools[p.B]
		switch {
		case a == b:
			out.TiedMarkets = append(out.TiedMarkets, p.Market)
			out.IndecisionTriggered = true
		case a < b:
			out.Winners[p.Market] = p.A
		default:
			out.Winners[p.Market] = p.B
		}
	}
	return out
}

// Payout returns floor(stake * multiplier) in micros.
func Payout(stake int64, multiplier decimal.Decimal) int64 {
	return domain.Money(stake).Multiply(multiplier).Micros()
}

// Plan is the money movement a resolved outcome implies.
type Plan struct {
	Summary models.SettlementSummary
	Payouts map[uuid.UUID]int64
}

// BuildPlan computes payouts for the accepted bets of an instance. The
// returned error wraps domain.ErrSettlementInvariantViolation when the
// losing stakes cannot fund the winners.
func BuildPlan(outcome *models.Outcome, bets []models.Bet, multiplier decimal.Decimal) (*Plan, error) {
	plan := &Plan{Payouts: make(map[uuid.UUID]int64)}
	s := &plan.Summary
	for _, b := range bets {
		if !counts(b) {
			continue
		}
		if outcome.Wins(b.Selection) {
			payout := Payout(b.Stake, multiplier)
			if payout < b.Stake {
				return nil, fmt.Errorf("%w: payout %d below stake %d for bet %s", domain.ErrSettlementInvariantViolation, payout, b.Stake, b.ID)
			}
			plan.Payouts[b.ID] = payout
			s.WinningStakes += b.Stake
			s.GrossPayouts += payout
			s.WinnerPayouts += payout - b.Stake
			s.WinningBets++
			continue
		}
		plan.Payouts[b.ID] = 0
		s.LosingStakes += b.Stake
		s.LosingBets++
	}
	s.HouseProfit = s.LosingStakes - s.WinnerPayouts
	if s.HouseProfit < 0 {
		return nil, fmt.Errorf("%w: winner payouts %d exceed losing stakes %d", domain.ErrSettlementInvariantViolation, s.WinnerPayouts, s.LosingStakes)
	}
	return plan, nil
}

// CheckPools verifies that the durable pools equal the stakes of the bets
// still in play, selection by selection.
func CheckPools(pools models.PoolTotals, bets []models.Bet) error {
	staked := make(models.PoolTotals, len(domain.Selections))
	for _, b := range bets {
		if counts(b) {
			staked[b.Selection] += b.Stake
		}
	}
	for _, sel := range domain.Selections {
		if pools[sel] != staked[sel] {
			return fmt.Errorf("%w: pool %s is %d but bets stake %d", domain.ErrSettlementInvariantViolation, sel, pools[sel], staked[sel])
		}
	}
	return nil
}

// counts reports whether a bet's stake belongs in the pools.
func counts(b models.Bet) bool {
	switch b.Status {
	case domain.BetStatusAccepted, domain.BetStatusWon, domain.BetStatusLost:
		return true
	}
	return false
}
