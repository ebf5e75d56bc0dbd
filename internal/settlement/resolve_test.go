package settlement

import (
	"math/rand"
	"testing"

	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name       string
		pools      models.PoolTotals
		indecision bool
		winners    map[domain.Market]domain.Selection
	}{
		{
			name: "minority side wins each pair",
			pools: models.PoolTotals{
				domain.SelectionBuy: 100, domain.SelectionSell: 40,
				domain.SelectionBlue: 10, domain.SelectionRed: 60,
				domain.SelectionHighVol: 5, domain.SelectionLowVol: 6,
			},
			winners: map[domain.Market]domain.Selection{
				domain.MarketOuter:  domain.SelectionSell,
				domain.MarketMiddle: domain.SelectionBlue,
				domain.MarketInner:  domain.SelectionHighVol,
			},
		},
		{
			name: "middle tie triggers indecision",
			pools: models.PoolTotals{
				domain.SelectionBuy: 100, domain.SelectionSell: 40,
				domain.SelectionBlue: 50, domain.SelectionRed: 50,
				domain.SelectionHighVol: 5, domain.SelectionLowVol: 6,
			},
			indecision: true,
		},
		{
			name: "outer tie alone triggers indecision",
			pools: models.PoolTotals{
				domain.SelectionBuy: 70, domain.SelectionSell: 70,
				domain.SelectionBlue: 1, domain.SelectionRed: 2,
				domain.SelectionHighVol: 3, domain.SelectionLowVol: 4,
			},
			indecision: true,
		},
		{
			name:       "empty pools tie",
			pools:      models.PoolTotals{},
			indecision: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Resolve(tt.pools)
			assert.Equal(t, tt.indecision, out.IndecisionTriggered)
			if tt.indecision {
				assert.NotEmpty(t, out.TiedMarkets)
				assert.True(t, out.Wins(domain.SelectionIndecision))
				assert.False(t, out.Wins(domain.SelectionBuy))
				return
			}
			assert.Equal(t, tt.winners, out.Winners)
			assert.False(t, out.Wins(domain.SelectionIndecision))
		})
	}
}

func TestPayout_RoundsDown(t *testing.T) {
	assert.Equal(t, int64(40_000_000), Payout(20_000_000, decimal.NewFromInt(2)))
	assert.Equal(t, int64(3), Payout(2, decimal.RequireFromString("1.9")))
}

func TestBuildPlan_Conservation(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	multiplier := decimal.NewFromInt(2)

	for round := 0; round < 200; round++ {
		var bets []models.Bet
		pools := models.PoolTotals{}
		for i := 0; i < 1+rng.Intn(40); i++ {
			sel := domain.Selections[rng.Intn(len(domain.Selections)-1)]
			stake := int64(1+rng.Intn(100)) * 1_000_000
			pools[sel] += stake
			bets = append(bets, models.Bet{ID: uuid.New(), Selection: sel, Stake: stake, Status: domain.BetStatusAccepted})
		}
		require.NoError(t, CheckPools(pools, bets))

		plan, err := BuildPlan(Resolve(pools), bets, multiplier)
		require.NoError(t, err)
		s := plan.Summary
		assert.Equal(t, s.LosingStakes, s.WinnerPayouts+s.HouseProfit)
		assert.GreaterOrEqual(t, s.HouseProfit, int64(0))
		assert.Equal(t, len(bets), s.WinningBets+s.LosingBets)
	}
}

func TestBuildPlan_IgnoresCancelledBets(t *testing.T) {
	bets := []models.Bet{
		{ID: uuid.New(), Selection: domain.SelectionBuy, Stake: 10, Status: domain.BetStatusAccepted},
		{ID: uuid.New(), Selection: domain.SelectionSell, Stake: 99, Status: domain.BetStatusCancelled},
	}
	plan, err := BuildPlan(Resolve(models.PoolTotals{domain.SelectionBuy: 10}), bets, decimal.NewFromInt(2))
	require.NoError(t, err)
	assert.Equal(t, int64(10), plan.Summary.LosingStakes)
	assert.Len(t, plan.Payouts, 1)

	assert.NoError(t, CheckPools(models.PoolTotals{domain.SelectionBuy: 10}, bets))
}
