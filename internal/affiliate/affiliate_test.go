package affiliate

import (
	"context"
	"testing"

	"github.com/ayo6706/minority-rounds/internal/accounts"
	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/ledger"
	"github.com/ayo6706/minority-rounds/internal/memstore"
	"github.com/ayo6706/minority-rounds/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usd(n int64) int64 { return domain.Dollars(n).Micros() }

func deposit(t *testing.T, l *ledger.Ledger, userID uuid.UUID, amount int64, key string) {
	t.Helper()
	_, err := l.Credit(context.Background(), ledger.EntryRequest{
		UserID:         userID,
		Amount:         amount,
		Kind:           domain.TxKindDeposit,
		IdempotencyKey: key,
	})
	require.NoError(t, err)
}

func TestCommission_UsesFeeSchedule(t *testing.T) {
	s := NewService(nil, nil, decimal.RequireFromString("0.5"))

	tests := []struct {
		amount int64
		want   int64
	}{
		{usd(10), domain.Dollars(1).Micros() / 2},
		{usd(100), usd(1)},
		{usd(5000), usd(25)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.Commission(tt.amount), domain.Money(tt.amount).String())
	}
}

func TestTransactionCompleted_CreditsReferrerOnce(t *testing.T) {
	ctx := context.Background()
	referrer, referred := uuid.New(), uuid.New()
	dir := accounts.NewStaticDirectory(models.Account{UserID: referred, ReferrerID: &referrer})
	st := memstore.New()
	l := ledger.New(st, dir, false)
	svc := NewService(l, dir, DefaultShare)
	l.AddHook(svc)

	deposit(t, l, referrer, usd(1), "seed-referrer")
	deposit(t, l, referred, usd(100), "dep-1")
	deposit(t, l, referred, usd(100), "dep-1")

	w, err := l.GetWallet(ctx, referrer)
	require.NoError(t, err)
	assert.Equal(t, usd(1)+usd(1), w.Available, "fee on $100 is $2, half goes to the referrer")

	supply, err := st.Queries().GetSupply(ctx)
	require.NoError(t, err)
	assert.Equal(t, usd(1), supply.Commissions)
	assert.Zero(t, supply.Imbalance())
}

func TestTransactionCompleted_Ignored(t *testing.T) {
	ctx := context.Background()
	referrer, self, plain := uuid.New(), uuid.New(), uuid.New()
	dir := accounts.NewStaticDirectory(
		models.Account{UserID: self, ReferrerID: &self},
		models.Account{UserID: plain},
	)
	l := ledger.New(memstore.New(), dir, false)
	l.AddHook(NewService(l, dir, DefaultShare))
	deposit(t, l, referrer, usd(1), "seed")

	deposit(t, l, self, usd(100), "self")
	deposit(t, l, plain, usd(100), "plain")

	w, err := l.GetWallet(ctx, self)
	require.NoError(t, err)
	assert.Equal(t, usd(100), w.Available, "self referral earns nothing")

	w, err = l.GetWallet(ctx, referrer)
	require.NoError(t, err)
	assert.Equal(t, usd(1), w.Available)
}

func TestTransactionCompleted_DemoBookNeverPays(t *testing.T) {
	ctx := context.Background()
	referrer, referred := uuid.New(), uuid.New()
	dir := accounts.NewStaticDirectory(models.Account{UserID: referred, ReferrerID: &referrer})
	l := ledger.New(memstore.New(), dir, true)
	svc := NewService(l, dir, DefaultShare)

	svc.TransactionCompleted(ctx, models.Transaction{
		ID:     uuid.New(),
		UserID: referred,
		Demo:   true,
		Kind:   domain.TxKindDeposit,
		Amount: usd(100),
		Status: domain.TxStatusCompleted,
	})

	txs, err := l.ListTransactions(ctx, referrer, 10, 0)
	require.NoError(t, err)
	for _, tx := range txs {
		assert.NotEqual(t, domain.TxKindCommission, tx.Kind)
	}
}
