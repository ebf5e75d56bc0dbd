package service

import (
	"context"
	"testing"

	"github.com/ayo6706/minority-rounds/internal/book"
	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/ledger"
	"github.com/ayo6706/minority-rounds/internal/memstore"
	"github.com/ayo6706/minority-rounds/internal/pool"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func usd(n int64) int64 { return domain.Dollars(n).Micros() }

func newTestBook(t *testing.T, demo bool) *book.Book {
	t.Helper()
	st := memstore.New()
	l := ledger.New(st, nil, demo)
	return book.New(st, l, pool.NewAggregator(st, pool.NewMemoryCounters()))
}

func fund(t *testing.T, l *ledger.Ledger, amount int64) uuid.UUID {
	t.Helper()
	userID := uuid.New()
	_, err := l.Credit(context.Background(), ledger.EntryRequest{
		UserID:         userID,
		Amount:         amount,
		Kind:           domain.TxKindDeposit,
		IdempotencyKey: "deposit:" + uuid.NewString(),
	})
	require.NoError(t, err)
	return userID
}
