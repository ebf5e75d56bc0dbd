// Package settlement resolves frozen market instances and moves the money:
// winners are paid stake times the multiplier out of the losing stakes and
// the house keeps the remainder.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ayo6706/minority-rounds/internal/alert"
	"github.com/ayo6706/minority-rounds/internal/book"
	"github.com/ayo6706/minority-rounds/internal/broadcast"
	"github.com/ayo6706/minority-rounds/internal/clock"
	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/ledger"
	"github.com/ayo6706/minority-rounds/internal/models"
	"github.com/ayo6706/minority-rounds/internal/observability"
	"github.com/ayo6706/minority-rounds/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Resolver settles instances of any book.
type Resolver struct {
	multiplier decimal.Decimal
	clock      clock.Clock
	publisher  broadcast.Publisher
	notifier   alert.Notifier

	// halted holds the instances already reported as halted, keyed by
	// book and instance, so a retried settlement alerts once.
	mu     sync.Mutex
	halted map[string]struct{}
}

func NewResolver(multiplier decimal.Decimal, clk clock.Clock, publisher broadcast.Publisher, notifier alert.Notifier) *Resolver {
	if clk == nil {
		clk = clock.System{}
	}
	if publisher == nil {
		publisher = broadcast.Discard{}
	}
	if notifier == nil {
		notifier = alert.LogNotifier{}
	}
	return &Resolver{multiplier: multiplier, clock: clk, publisher: publisher, notifier: notifier, halted: make(map[string]struct{})}
}

// Settle pays out a frozen instance of b. It is safe to call repeatedly:
// the outcome is persisted on the first attempt, bets already marked
// settled are skipped, and a settled instance is returned unchanged. On
// error the instance stays frozen.
func (r *Resolver) Settle(ctx context.Context, b *book.Book, instanceID uuid.UUID) (*models.MarketInstance, error) {
	inst, bets, err := r.resolve(ctx, b, instanceID)
	if err != nil {
		if errors.Is(err, domain.ErrSettlementInvariantViolation) {
			r.reportViolation(ctx, b, instanceID, inst, err)
		}
		return nil, err
	}
	if inst.Status == domain.InstanceStatusSettled {
		return inst, nil
	}

	for _, bet := range bets {
		if bet.Settled || bet.Status != domain.BetStatusAccepted {
			continue
		}
		if err := r.settleBet(ctx, b, inst, bet.ID); err != nil {
			observability.IncrementSettlement(b.Name, inst.DurationLabel(), "failed")
			return nil, fmt.Errorf("settle bet %s: %w", bet.ID, err)
		}
	}

	settled, err := r.finish(ctx, b, inst)
	if err != nil {
		observability.IncrementSettlement(b.Name, inst.DurationLabel(), "failed")
		return nil, err
	}
	return settled, nil
}

// resolve locks the instance and computes or loads its outcome.
func (r *Resolver) resolve(ctx context.Context, b *book.Book, instanceID uuid.UUID) (*models.MarketInstance, []models.Bet, error) {
	var (
		inst *models.MarketInstance
		bets []models.Bet
	)
	err := store.RunInTxRetry(ctx, b.Store, func(q store.Queries) error {
		var err error
		inst, err = q.GetInstanceForUpdate(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("lock instance %s: %w", instanceID, err)
		}
		if inst.Status == domain.InstanceStatusSettled {
			return nil
		}
		if inst.Status != domain.InstanceStatusFrozen {
			return fmt.Errorf("instance %s is %s: %w", instanceID, inst.Status, domain.ErrInvalidStateChange)
		}

		bets, err = q.ListBetsByInstance(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("list bets: %w", err)
		}
		if inst.Outcome != nil && inst.Summary != nil {
			return nil
		}

		pools, err := b.Pools.FinalTotalsTx(ctx, q, instanceID)
		if err != nil {
			return err
		}
		if err := CheckPools(pools, bets); err != nil {
			return err
		}
		outcome := Resolve(pools)
		plan, err := BuildPlan(outcome, bets, r.multiplier)
		if err != nil {
			return err
		}
		if err := q.SaveInstanceOutcome(ctx, instanceID, outcome, &plan.Summary); err != nil {
			return fmt.Errorf("save outcome: %w", err)
		}
		inst.Pools = pools
		inst.Outcome = outcome
		inst.Summary = &plan.Summary
		return nil
	})
	return inst, bets, err
}

func (r *Resolver) settleBet(ctx context.Context, b *book.Book, inst *models.MarketInstance, betID uuid.UUID) error {
	return store.RunInTxRetry(ctx, b.Store, func(q store.Queries) error {
		bet, err := q.GetBetForUpdate(ctx, betID)
		if err != nil {
			return err
		}
		if bet.Settled || bet.Status != domain.BetStatusAccepted {
			return nil
		}

		if inst.Outcome.Wins(bet.Selection) {
			payout := Payout(bet.Stake, r.multiplier)
			if _, err := b.Ledger.SettleWinTx(ctx, q, bet.UserID, bet.Stake, payout, bet.HoldTxID); err != nil {
				return err
			}
			bet.Status = domain.BetStatusWon
			bet.Payout = payout
		} else {
			if _, err := b.Ledger.ReleaseTx(ctx, q, bet.UserID, bet.Stake, bet.HoldTxID, ledger.ReleaseLoss); err != nil {
				return err
			}
			bet.Status = domain.BetStatusLost
			bet.Payout = 0
		}
		now := r.clock.Now()
		bet.Settled = true
		bet.SettledAt = &now
		return q.UpdateBetResult(ctx, bet)
	})
}

// finish credits the house and marks the instance settled in one transaction.
func (r *Resolver) finish(ctx context.Context, b *book.Book, inst *models.MarketInstance) (*models.MarketInstance, error) {
	var settled *models.MarketInstance
	err := store.RunInTxRetry(ctx, b.Store, func(q store.Queries) error {
		current, err := q.GetInstanceForUpdate(ctx, inst.ID)
		if err != nil {
			return err
		}
		if current.Status == domain.InstanceStatusSettled {
			settled = current
			return nil
		}
		if profit := inst.Summary.HouseProfit; profit > 0 {
			_, err := b.Ledger.CreditTx(ctx, q, ledger.EntryRequest{
				UserID:         domain.HouseUserID,
				Amount:         profit,
				Kind:           domain.TxKindFee,
				IdempotencyKey: "house-profit:" + inst.ID.String(),
				Reference:      inst.ID.String(),
			})
			if err != nil {
				return fmt.Errorf("credit house profit: %w", err)
			}
		}
		ok, err := q.MarkInstanceSettled(ctx, inst.ID, r.clock.Now(), false)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("instance %s left frozen concurrently: %w", inst.ID, domain.ErrConcurrencyConflict)
		}
		settled, err = q.GetInstance(ctx, inst.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	observability.IncrementSettlement(b.Name, settled.DurationLabel(), "settled")
	observability.AddHouseProfit(b.Name, inst.Summary.HouseProfit)
	zap.L().Info("instance settled",
		zap.String("book", b.Name),
		zap.String("instance_id", settled.ID.String()),
		zap.String("duration", settled.DurationLabel()),
		zap.Bool("indecision", settled.Outcome != nil && settled.Outcome.IndecisionTriggered),
		zap.Int64("house_profit_micros", inst.Summary.HouseProfit),
	)
	r.announce(ctx, b, settled)
	r.clearHalt(b, settled.ID)
	b.Pools.Forget(ctx, settled.ID)
	return settled, nil
}

// Void refunds every accepted bet of a stuck instance and closes it as
// settled and voided. It refuses instances where settlement already paid
// any bet; those must be retried with Settle.
func (r *Resolver) Void(ctx context.Context, b *book.Book, instanceID uuid.UUID) (*models.MarketInstance, error) {
	var bets []models.Bet
	err := store.RunInTxRetry(ctx, b.Store, func(q store.Queries) error {
		inst, err := q.GetInstanceForUpdate(ctx, instanceID)
		if err != nil {
			return err
		}
		switch inst.Status {
		case domain.InstanceStatusSettled:
			return fmt.Errorf("instance %s already settled: %w", instanceID, domain.ErrInvalidStateChange)
		case domain.InstanceStatusPreopen, domain.InstanceStatusOpen:
			// Stop intake before refunding.
			if ok, err := q.TransitionInstance(ctx, instanceID, inst.Status, domain.InstanceStatusFrozen); err != nil || !ok {
				return fmt.Errorf("freeze instance %s for void: %w", instanceID, errors.Join(err, domain.ErrConcurrencyConflict))
			}
		}
		bets, err = q.ListBetsByInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		for _, bet := range bets {
			if bet.Settled && bet.Status != domain.BetStatusRefunded {
				return fmt.Errorf("instance %s has settled bet %s: %w", instanceID, bet.ID, domain.ErrInvalidStateChange)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, bet := range bets {
		if bet.Settled || bet.Status != domain.BetStatusAccepted {
			continue
		}
		err := store.RunInTxRetry(ctx, b.Store, func(q store.Queries) error {
			locked, err := q.GetBetForUpdate(ctx, bet.ID)
			if err != nil {
				return err
			}
			if locked.Settled || locked.Status != domain.BetStatusAccepted {
				return nil
			}
			if _, err := b.Ledger.ReleaseTx(ctx, q, locked.UserID, locked.Stake, locked.HoldTxID, ledger.ReleaseCancel); err != nil {
				return err
			}
			now := r.clock.Now()
			locked.Status = domain.BetStatusRefunded
			locked.Settled = true
			locked.SettledAt = &now
			return q.UpdateBetResult(ctx, locked)
		})
		if err != nil {
			return nil, fmt.Errorf("refund bet %s: %w", bet.ID, err)
		}
	}

	var voided *models.MarketInstance
	err = store.RunInTxRetry(ctx, b.Store, func(q store.Queries) error {
		ok, err := q.MarkInstanceSettled(ctx, instanceID, r.clock.Now(), true)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("void instance %s: %w", instanceID, domain.ErrInvalidStateChange)
		}
		voided, err = q.GetInstance(ctx, instanceID)
		return err
	})
	if err != nil {
		return nil, err
	}

	observability.IncrementSettlement(b.Name, voided.DurationLabel(), "voided")
	zap.L().Warn("instance voided", zap.String("book", b.Name), zap.String("instance_id", instanceID.String()), zap.Int("bets", len(bets)))
	r.announce(ctx, b, voided)
	r.clearHalt(b, instanceID)
	b.Pools.Forget(ctx, instanceID)
	return voided, nil
}

func (r *Resolver) announce(ctx context.Context, b *book.Book, inst *models.MarketInstance) {
	ev, err := broadcast.NewEvent(broadcast.EventInstanceSettled, r.clock.Now(), broadcast.SettledPayload{
		Book:       b.Name,
		InstanceID: inst.ID,
		Duration:   inst.DurationLabel(),
		Outcome:    inst.Outcome,
		Summary:    inst.Summary,
		Voided:     inst.Voided,
	})
	if err != nil {
		zap.L().Error("failed to encode settlement event", zap.Error(err))
		return
	}
	r.publisher.Publish(ctx, ev)
}

// reportViolation logs, counts and alerts the first time an instance halts.
// Retries of the same halted instance are only logged at debug until it is
// settled or voided.
func (r *Resolver) reportViolation(ctx context.Context, b *book.Book, instanceID uuid.UUID, inst *models.MarketInstance, err error) {
	duration := "unknown"
	if inst != nil {
		duration = inst.DurationLabel()
	}
	if !r.markHalted(b, instanceID) {
		zap.L().Debug("settlement still halted",
			zap.String("book", b.Name),
			zap.String("instance_id", instanceID.String()),
			zap.Error(err),
		)
		return
	}
	observability.IncrementInvariantViolation(b.Name, duration)
	zap.L().Error("settlement halted",
		zap.String("book", b.Name),
		zap.String("instance_id", instanceID.String()),
		zap.String("duration", duration),
		zap.Error(err),
	)
	r.notifier.Notify(ctx, "settlement halted", fmt.Sprintf("book=%s instance=%s duration=%s: %v", b.Name, instanceID, duration, err))
}

// markHalted reports whether this is the first halt of the instance.
func (r *Resolver) markHalted(b *book.Book, instanceID uuid.UUID) bool {
	key := haltKey(b, instanceID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.halted[key]; seen {
		return false
	}
	r.halted[key] = struct{}{}
	return true
}

func (r *Resolver) clearHalt(b *book.Book, instanceID uuid.UUID) {
	r.mu.Lock()
	delete(r.halted, haltKey(b, instanceID))
	r.mu.Unlock()
}

func haltKey(b *book.Book, instanceID uuid.UUID) string {
	return b.Name + ":" + instanceID.String()
}
