// Package pool accumulates stake totals per selection for each market
// instance. The durable totals live in the book's store and move inside
// the bet transaction; live counters mirror them for fan-out.
package pool

import (
	"context"
	"fmt"

	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/models"
	"github.com/ayo6706/minority-rounds/internal/observability"
	"github.com/ayo6706/minority-rounds/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Counters holds live, non-authoritative pool totals.
type Counters interface {
	Add(ctx context.Context, instanceID uuid.UUID, sel domain.Selection, delta int64) error
	Snapshot(ctx context.Context, instanceID uuid.UUID) (models.PoolTotals, bool, error)
	Reset(ctx context.Context, instanceID uuid.UUID, totals models.PoolTotals) error
	Drop(ctx context.Context, instanceID uuid.UUID) error
}

// Aggregator keeps durable and live pool totals of one book in step.
type Aggregator struct {
	store    store.Store
	counters Counters
}

func NewAggregator(st store.Store, counters Counters) *Aggregator {
	if counters == nil {
		counters = NewMemoryCounters()
	}
	return &Aggregator{store: st, counters: counters}
}

// Commit is returned by the *Tx methods and must be called once the
// enclosing transaction has committed. It updates the live counters.
type Commit func(ctx context.Context)

// AddStakeTx increments the durable pool of sel inside the caller's transaction.
func (a *Aggregator) AddStakeTx(ctx context.Context, q store.Queries, instanceID uuid.UUID, sel domain.Selection, amount int64) (Commit, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	return a.applyTx(ctx, q, instanceID, sel, amount)
}

// SubtractStakeTx removes a cancelled stake. It is only valid while the
// instance is open and locked by the caller.
func (a *Aggregator) SubtractStakeTx(ctx context.Context, q store.Queries, instanceID uuid.UUID, sel domain.Selection, amount int64) (Commit, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	return a.applyTx(ctx, q, instanceID, sel, -amount)
}

func (a *Aggregator) applyTx(ctx context.Context, q store.Queries, instanceID uuid.UUID, sel domain.Selection, delta int64) (Commit, error) {
	if _, ok := domain.MarketOf(sel); !ok {
		return nil, domain.ErrInvalidSelection
	}
	if err := q.IncrementPool(ctx, instanceID, sel, delta); err != nil {
		return nil, fmt.Errorf("update pool %s/%s: %w", instanceID, sel, err)
	}
	return func(ctx context.Context) {
		if err := a.counters.Add(ctx, instanceID, sel, delta); err != nil {
			observability.IncrementLiveCounterError("add")
			zap.L().Warn("live pool counter update failed",
				zap.String("instance_id", instanceID.String()),
				zap.String("selection", string(sel)),
				zap.Error(err))
		}
	}, nil
}

// Totals returns the live snapshot used for broadcasts. It falls back to
// the durable totals when the live counters are missing or unavailable.
func (a *Aggregator) Totals(ctx context.Context, instanceID uuid.UUID) (models.PoolTotals, error) {
	totals, ok, err := a.counters.Snapshot(ctx, instanceID)
	if err != nil {
		observability.IncrementLiveCounterError("snapshot")
		zap.L().Warn("live pool snapshot failed", zap.String("instance_id", instanceID.String()), zap.Error(err))
	}
	if err == nil && ok {
		return totals, nil
	}
	return a.store.Queries().GetPools(ctx, instanceID)
}

// FinalTotalsTx reads the durable totals inside the settlement transaction.
func (a *Aggregator) FinalTotalsTx(ctx context.Context, q store.Queries, instanceID uuid.UUID) (models.PoolTotals, error) {
	totals, err := q.GetPools(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("read final pools: %w", err)
	}
	return totals, nil
}

// Rebuild seeds the live counters from the durable totals, used when a
// node takes over an instance it did not see bets for.
func (a *Aggregator) Rebuild(ctx context.Context, instanceID uuid.UUID) error {
	totals, err := a.store.Queries().GetPools(ctx, instanceID)
	if err != nil {
		return err
	}
	return a.counters.Reset(ctx, instanceID, totals)
}

// Forget drops the live counters of a settled instance.
func (a *Aggregator) Forget(ctx context.Context, instanceID uuid.UUID) {
	if err := a.counters.Drop(ctx, instanceID); err != nil {
		observability.IncrementLiveCounterError("drop")
		zap.L().Warn("live pool drop failed", zap.String("instance_id", instanceID.String()), zap.Error(err))
	}
}
