package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/models"
	"github.com/ayo6706/minority-rounds/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderSchedule_ListsEveryDuration(t *testing.T) {
	var out bytes.Buffer
	from := time.Date(2024, 3, 1, 12, 7, 0, 0, time.UTC)

	require.NoError(t, renderSchedule(&out, 30*time.Second, from, 2))

	text := out.String()
	for _, label := range []string{"5m", "10m", "20m"} {
		assert.Contains(t, text, label)
	}
	// The 5m window containing 12:07 starts at 12:05 and freezes at 12:09:30.
	assert.Contains(t, text, "12:05:00")
	assert.Contains(t, text, "12:09:30")
}

func TestRenderInstances_ShowsOutcome(t *testing.T) {
	var out bytes.Buffer
	instances := []models.MarketInstance{
		{
			Duration:    domain.Duration20m,
			Sequence:    42,
			Status:      domain.InstanceStatusSettled,
			WindowStart: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
			Pools:       models.PoolTotals{domain.SelectionBuy: domain.Dollars(100).Micros(), domain.SelectionSell: domain.Dollars(40).Micros()},
			Outcome: &models.Outcome{Winners: map[domain.Market]domain.Selection{
				domain.MarketOuter: domain.SelectionSell,
			}},
			Summary: &models.SettlementSummary{HouseProfit: domain.Dollars(60).Micros()},
		},
		{
			Duration: domain.Duration5m,
			Sequence: 7,
			Status:   domain.InstanceStatusSettled,
			Voided:   true,
		},
	}

	require.NoError(t, renderInstances(&out, instances))

	text := out.String()
	assert.Contains(t, text, "sell")
	assert.Contains(t, text, "140.00 USD")
	assert.Contains(t, text, "60.00 USD")
	assert.Contains(t, text, "voided")
}

func TestOutcomeLabel_Indecision(t *testing.T) {
	assert.Equal(t, "indecision", outcomeLabel(&models.Outcome{IndecisionTriggered: true}))
}

func TestRenderReconciliation(t *testing.T) {
	var out bytes.Buffer
	reports := []service.ReconciliationReport{
		{Book: domain.BookReal, WalletsChecked: 3},
		{Book: domain.BookDemo, WalletsChecked: 1, SupplyImbalance: 5},
	}

	require.NoError(t, renderReconciliation(&out, reports))
	assert.Contains(t, out.String(), "true")
	assert.Contains(t, out.String(), "false")
}
