package main

import (
	"fmt"
	"io"
	"time"

	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/models"
	"github.com/ayo6706/minority-rounds/internal/rounds"
	"github.com/ayo6706/minority-rounds/internal/service"
	"github.com/olekukonko/tablewriter"
)

const timeLayout = "15:04:05"

func renderSchedule(out io.Writer, cutoff time.Duration, from time.Time, n int) error {
	table := tablewriter.NewWriter(out)
	table.Header("Duration", "Seq", "Start", "Freeze", "End", "Master", "Instance")
	for _, d := range domain.Durations {
		for _, w := range rounds.Upcoming(d, cutoff, from, n) {
			if err := table.Append(
				domain.DurationLabel(d),
				fmt.Sprintf("%d", w.Sequence),
				w.Start.Format(timeLayout),
				w.FreezeAt.Format(timeLayout),
				w.End.Format(timeLayout),
				w.MasterStart.Format(timeLayout),
				rounds.InstanceID(d, w.Sequence).String(),
			); err != nil {
				return err
			}
		}
	}
	return table.Render()
}

func renderInstances(out io.Writer, instances []models.MarketInstance) error {
	table := tablewriter.NewWriter(out)
	table.Header("Duration", "Seq", "Status", "Window", "Staked", "Winners", "House")
	for _, inst := range instances {
		var staked int64
		if inst.Pools != nil {
			staked = inst.Pools.Sum()
		}
		winners, house := "-", "-"
		if inst.Outcome != nil {
			winners = outcomeLabel(inst.Outcome)
		}
		if inst.Voided {
			winners = "voided"
		}
		if inst.Summary != nil {
			house = domain.Money(inst.Summary.HouseProfit).String()
		}
		if err := table.Append(
			inst.DurationLabel(),
			fmt.Sprintf("%d", inst.Sequence),
			inst.Status,
			inst.WindowStart.Format("2006-01-02 "+timeLayout),
			domain.Money(staked).String(),
			winners,
			house,
		); err != nil {
			return err
		}
	}
	return table.Render()
}

func outcomeLabel(o *models.Outcome) string {
	if o.IndecisionTriggered {
		return string(domain.SelectionIndecision)
	}
	label := ""
	for _, m := range []domain.Market{domain.MarketOuter, domain.MarketMiddle, domain.MarketInner} {
		sel, ok := o.Winners[m]
		if !ok {
			continue
		}
		if label != "" {
			label += ","
		}
		label += string(sel)
	}
	return label
}

func renderReconciliation(out io.Writer, reports []service.ReconciliationReport) error {
	table := tablewriter.NewWriter(out)
	table.Header("Book", "Wallets", "Hold mismatches", "Supply imbalance", "Balanced")
	for _, r := range reports {
		if err := table.Append(
			r.Book,
			fmt.Sprintf("%d", r.WalletsChecked),
			fmt.Sprintf("%d", len(r.HoldMismatches)),
			domain.Money(r.SupplyImbalance).String(),
			fmt.Sprintf("%t", r.Balanced()),
		); err != nil {
			return err
		}
	}
	return table.Render()
}
