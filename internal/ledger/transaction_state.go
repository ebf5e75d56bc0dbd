package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/models"
	"github.com/ayo6706/minority-rounds/internal/store"
)

var transactionTransitions = map[string]map[string]struct{}{
	domain.TxStatusPending: {
		domain.TxStatusCompleted: {},
		domain.TxStatusFailed:    {},
	},
	domain.TxStatusCompleted: {},
	domain.TxStatusFailed:    {},
}

func normalizeState(state string) string {
	return strings.ToUpper(strings.TrimSpace(state))
}

func canTransition(current, next string) bool {
	nextStates, ok := transactionTransitions[normalizeState(current)]
	if !ok {
		return false
	}
	_, ok = nextStates[normalizeState(next)]
	return ok
}

// transitionTransaction moves t to next with a compare-and-set on its
// current status, so each pending transaction is finalized exactly once.
func transitionTransaction(ctx context.Context, q store.Queries, t *models.Transaction, next string, at time.Time) error {
	if !canTransition(t.Status, next) {
		return fmt.Errorf("transaction %s %s -> %s: %w", t.ID, t.Status, next, domain.ErrInvalidStateChange)
	}
	ok, err := q.UpdateTransactionStatus(ctx, t.ID, t.Status, next, at)
	if err != nil {
		return fmt.Errorf("update transaction state: %w", err)
	}
	if !ok {
		return fmt.Errorf("transaction %s no longer %s: %w", t.ID, t.Status, domain.ErrInvalidStateChange)
	}
	t.Status = next
	t.UpdatedAt = at
	if next == domain.TxStatusCompleted {
		t.CompletedAt = &at
	}
	return nil
}
