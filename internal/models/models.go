package models

import (
	"errors"
	"time"

	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/google/uuid"
)

var ErrInsufficientFunds = domain.ErrInsufficientFunds

type Wallet struct {
	UserID         uuid.UUID `json:"user_id"`
	Demo           bool      `json:"demo"`
	Available      int64     `json:"available_micros"`
	Held           int64     `json:"held_micros"`
	TotalDeposited int64     `json:"total_deposited_micros"`
	TotalWithdrawn int64     `json:"total_withdrawn_micros"`
	TotalWon       int64     `json:"total_won_micros"`
	TotalLost      int64     `json:"total_lost_micros"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Validate checks the balance invariants that must hold after every mutation.
func (w *Wallet) Validate() error {
	if w.Available < 0 {
		return errors.New("wallet available balance is negative")
	}
	if w.Held < 0 {
		return errors.New("wallet held balance is negative")
	}
	return nil
}

type Transaction struct {
	ID             uuid.UUID  `json:"id"`
	UserID         uuid.UUID  `json:"user_id"`
	Demo           bool       `json:"demo"`
	Kind           string     `json:"kind"`
	Amount         int64      `json:"amount_micros"`
	Fee            int64      `json:"fee_micros"`
	Status         string     `json:"status"`
	IdempotencyKey *string    `json:"idempotency_key,omitempty"`
	Reference      string     `json:"reference,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// PoolTotals holds stake totals per selection.
type PoolTotals map[domain.Selection]int64

// Clone returns an independent copy with every selection present.
func (p PoolTotals) Clone() PoolTotals {
	out := make(PoolTotals, len(domain.Selections))
	for _, sel := range domain.Selections {
		out[sel] = p[sel]
	}
	return out
}

// Sum returns the total staked across all selections.
func (p PoolTotals) Sum() int64 {
	var total int64
	for _, v := range p {
		total += v
	}
	return total
}

// Outcome is the resolved result of a frozen instance.
type Outcome struct {
	Winners             map[domain.Market]domain.Selection `json:"winners"`
	TiedMarkets         []domain.Market                    `json:"tied_markets,omitempty"`
	IndecisionTriggered bool                               `json:"indecision_triggered"`
}

// Wins reports whether a bet on sel wins under this outcome.
func (o *Outcome) Wins(sel domain.Selection) bool {
	if o == nil {
		return false
	}
	if o.IndecisionTriggered {
		return sel == domain.SelectionIndecision
	}
	m, ok := domain.MarketOf(sel)
	if !ok || m == domain.MarketIndecision {
		return false
	}
	return o.Winners[m] == sel
}

// SettlementSummary records the money moved by settling one instance.
// WinnerPayouts is the profit paid to winners beyond their returned stakes,
// so WinnerPayouts + HouseProfit == LosingStakes.
type SettlementSummary struct {
	LosingStakes  int64 `json:"losing_stakes_micros"`
	WinningStakes int64 `json:"winning_stakes_micros"`
	GrossPayouts  int64 `json:"gross_payouts_micros"`
	WinnerPayouts int64 `json:"winner_payouts_micros"`
	HouseProfit   int64 `json:"house_profit_micros"`
	WinningBets   int   `json:"winning_bets"`
	LosingBets    int   `json:"losing_bets"`
}

type MarketInstance struct {
	ID          uuid.UUID          `json:"id"`
	Duration    time.Duration      `json:"-"`
	Sequence    int64              `json:"sequence"`
	WindowStart time.Time          `json:"window_start"`
	WindowEnd   time.Time          `json:"window_end"`
	FreezeAt    time.Time          `json:"freeze_at"`
	MasterStart time.Time          `json:"master_start"`
	Status      string             `json:"status"`
	Pools       PoolTotals         `json:"pools"`
	Outcome     *Outcome           `json:"outcome,omitempty"`
	Summary     *SettlementSummary `json:"summary,omitempty"`
	Voided      bool               `json:"voided"`
	CreatedAt   time.Time          `json:"created_at"`
	SettledAt   *time.Time         `json:"settled_at,omitempty"`
}

// DurationLabel returns the duration as "5m", "10m" or "20m".
func (i *MarketInstance) DurationLabel() string {
	return domain.DurationLabel(i.Duration)
}

type Bet struct {
	ID             uuid.UUID        `json:"id"`
	UserID         uuid.UUID        `json:"user_id"`
	InstanceID     uuid.UUID        `json:"instance_id"`
	Duration       time.Duration    `json:"-"`
	Market         domain.Market    `json:"market"`
	Selection      domain.Selection `json:"selection"`
	Stake          int64            `json:"stake_micros"`
	Demo           bool             `json:"demo"`
	Status         string           `json:"status"`
	Payout         int64            `json:"payout_micros"`
	Settled        bool             `json:"settled"`
	HoldTxID       uuid.UUID        `json:"hold_transaction_id"`
	IdempotencyKey *string          `json:"idempotency_key,omitempty"`
	PlacedAt       time.Time        `json:"placed_at"`
	SettledAt      *time.Time       `json:"settled_at,omitempty"`
}

// Account is the external collaborator's view of a user used by the core.
type Account struct {
	UserID            uuid.UUID  `json:"user_id"`
	Tier              string     `json:"tier"`
	ComplianceCleared bool       `json:"compliance_cleared"`
	ReferrerID        *uuid.UUID `json:"referrer_id,omitempty"`
}

// IsPremium reports whether the account is on the premium tier.
func (a *Account) IsPremium() bool {
	return a != nil && a.Tier == domain.TierPremium
}
