package store

import (
	"context"
	"errors"
	"time"

	"github.com/ayo6706/minority-rounds/internal/domain"
	"go.uber.org/zap"
)

const (
	conflictAttempts = 3
	conflictBackoff  = 25 * time.Millisecond
)

// RunInTxRetry runs fn in a transaction, retrying the whole unit with
// exponential backoff while it fails with domain.ErrConcurrencyConflict.
func RunInTxRetry(ctx context.Context, s Store, fn func(q Queries) error) error {
	var err error
	for attempt := 0; attempt < conflictAttempts; attempt++ {
		err = s.RunInTx(ctx, fn)
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			return err
		}
		zap.L().Debug("retrying transaction after conflict", zap.Int("attempt", attempt+1), zap.Error(err))
		timer := time.NewTimer(conflictBackoff << attempt)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
