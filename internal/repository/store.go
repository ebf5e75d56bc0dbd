package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/ayo6706/minority-rounds/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store is the Postgres book store. Wallet rows are locked with
// SELECT ... FOR UPDATE inside RunInTx, so read committed is enough.
type Store struct {
	db      *pgxpool.Pool
	queries *Queries
	txOpts  pgx.TxOptions
}

var _ store.Store = (*Store)(nil)

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{
		db:      db,
		queries: New(db),
		txOpts:  pgx.TxOptions{IsoLevel: pgx.ReadCommitted},
	}
}

func (s *Store) Queries() store.Queries {
	return s.queries
}

// RunInTx commits when fn returns nil and rolls back otherwise. Lock and
// serialization failures surface as domain.ErrConcurrencyConflict so
// store.RunInTxRetry can run fn again.
func (s *Store) RunInTx(ctx context.Context, fn func(q store.Queries) error) (err error) {
	tx, err := s.db.BeginTx(ctx, s.txOpts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", mapErr(err))
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			zap.L().Warn("rollback failed", zap.Error(rbErr))
		}
	}()

	if err = fn(s.queries.WithTx(tx)); err != nil {
		return mapErr(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", mapErr(err))
	}
	return nil
}
