package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ayo6706/minority-rounds/internal/accounts"
	"github.com/ayo6706/minority-rounds/internal/clock"
	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/memstore"
	"github.com/ayo6706/minority-rounds/internal/models"
	"github.com/ayo6706/minority-rounds/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHook struct {
	mu  sync.Mutex
	txs []models.Transaction
}

func (h *recordingHook) TransactionCompleted(_ context.Context, tx models.Transaction) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.txs = append(h.txs, tx)
}

func (h *recordingHook) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.txs)
}

func usd(n int64) int64 { return domain.Dollars(n).Micros() }

func newRealLedger(t *testing.T, dir accounts.Directory) (*Ledger, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	clk := clock.NewManual(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	return New(st, dir, false, WithClock(clk)), st
}

func deposit(t *testing.T, l *Ledger, userID uuid.UUID, amount int64) *models.Wallet {
	t.Helper()
	res, err := l.Credit(context.Background(), EntryRequest{
		UserID:         userID,
		Amount:         amount,
		Kind:           domain.TxKindDeposit,
		IdempotencyKey: "deposit:" + uuid.NewString(),
	})
	require.NoError(t, err)
	return res.Wallet
}

func TestOpenWallet_DemoSeededOnce(t *testing.T) {
	l := New(memstore.New(), nil, true, WithDemoStartingBalance(usd(1000)))
	ctx := context.Background()
	userID := uuid.New()

	w, err := l.OpenWallet(ctx, userID)
	require.NoError(t, err)
	assert.True(t, w.Demo)
	assert.Equal(t, usd(1000), w.Available)
	assert.Equal(t, usd(1000), w.TotalDeposited)

	w, err = l.OpenWallet(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, usd(1000), w.Available)

	txs, err := l.ListTransactions(ctx, userID, 10, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TxKindDeposit, txs[0].Kind)
}

func TestGetWallet_RealWalletMustExist(t *testing.T) {
	l, _ := newRealLedger(t, nil)
	_, err := l.GetWallet(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCredit_DepositIsIdempotent(t *testing.T) {
	l, _ := newRealLedger(t, nil)
	hook := &recordingHook{}
	l.AddHook(hook)
	ctx := context.Background()
	userID := uuid.New()

	req := EntryRequest{UserID: userID, Amount: usd(100), Kind: domain.TxKindDeposit, IdempotencyKey: "deposit:psp-1"}
	first, err := l.Credit(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := l.Credit(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, usd(100), second.Wallet.Available)
	assert.Equal(t, 1, hook.count())

	req.Amount = usd(200)
	_, err = l.Credit(ctx, req)
	assert.ErrorIs(t, err, domain.ErrIdempotencyMismatch)
}

func TestCredit_RejectsNonCreditKinds(t *testing.T) {
	l, _ := newRealLedger(t, nil)
	_, err := l.Credit(context.Background(), EntryRequest{UserID: uuid.New(), Amount: 1, Kind: domain.TxKindBetWin})
	assert.Error(t, err)
}

func TestHoldAndLoss_EndToEndScenario(t *testing.T) {
	l, st := newRealLedger(t, nil)
	ctx := context.Background()
	userID := uuid.New()
	deposit(t, l, userID, usd(100))

	var hold *models.Transaction
	err := st.RunInTx(ctx, func(q store.Queries) error {
		var err error
		hold, _, err = l.HoldTx(ctx, q, userID, usd(20), "bet-1")
		return err
	})
	require.NoError(t, err)

	w, err := l.GetWallet(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, usd(80), w.Available)
	assert.Equal(t, usd(20), w.Held)

	err = st.RunInTx(ctx, func(q store.Queries) error {
		_, err := l.ReleaseTx(ctx, q, userID, usd(20), hold.ID, ReleaseLoss)
		return err
	})
	require.NoError(t, err)

	w, err = l.GetWallet(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, usd(80), w.Available)
	assert.Equal(t, int64(0), w.Held)
	assert.Equal(t, usd(20), w.TotalLost)
}

func TestRelease_OnlyOnce(t *testing.T) {
	l, st := newRealLedger(t, nil)
	ctx := context.Background()
	userID := uuid.New()
	deposit(t, l, userID, usd(100))

	var hold *models.Transaction
	require.NoError(t, st.RunInTx(ctx, func(q store.Queries) error {
		var err error
		hold, _, err = l.HoldTx(ctx, q, userID, usd(30), "bet-1")
		return err
	}))
	require.NoError(t, st.RunInTx(ctx, func(q store.Queries) error {
		_, err := l.ReleaseTx(ctx, q, userID, usd(30), hold.ID, ReleaseCancel)
		return err
	}))

	err := st.RunInTx(ctx, func(q store.Queries) error {
		_, err := l.ReleaseTx(ctx, q, userID, usd(30), hold.ID, ReleaseCancel)
		return err
	})
	assert.Error(t, err)

	w, err := l.GetWallet(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, usd(100), w.Available)
	assert.Equal(t, int64(0), w.Held)
}

func TestSettleWin(t *testing.T) {
	l, st := newRealLedger(t, nil)
	ctx := context.Background()
	userID := uuid.New()
	deposit(t, l, userID, usd(100))

	require.NoError(t, st.RunInTx(ctx, func(q store.Queries) error {
		hold, _, err := l.HoldTx(ctx, q, userID, usd(20), "bet-1")
		if err != nil {
			return err
		}
		_, err = l.SettleWinTx(ctx, q, userID, usd(20), usd(40), hold.ID)
		return err
	}))

	w, err := l.GetWallet(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, usd(120), w.Available)
	assert.Equal(t, int64(0), w.Held)
	assert.Equal(t, usd(20), w.TotalWon)
}

func TestHold_InsufficientFundsLeavesNoTrace(t *testing.T) {
	l, st := newRealLedger(t, nil)
	ctx := context.Background()
	userID := uuid.New()
	deposit(t, l, userID, usd(10))

	err := st.RunInTx(ctx, func(q store.Queries) error {
		_, _, err := l.HoldTx(ctx, q, userID, usd(11), "bet-1")
		return err
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	txs, err := l.ListTransactions(ctx, userID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestRunInTx_AllOrNothing(t *testing.T) {
	l, st := newRealLedger(t, nil)
	ctx := context.Background()
	userID := uuid.New()
	deposit(t, l, userID, usd(50))

	boom := errors.New("boom")
	err := st.RunInTx(ctx, func(q store.Queries) error {
		if _, _, err := l.HoldTx(ctx, q, userID, usd(20), "bet-1"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	w, err := l.GetWallet(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, usd(50), w.Available)
	assert.Equal(t, int64(0), w.Held)
}

func TestWithdraw_DailyCap(t *testing.T) {
	premiumID := uuid.New()
	dir := accounts.NewStaticDirectory(models.Account{UserID: premiumID, Tier: domain.TierPremium})
	l, _ := newRealLedger(t, dir)
	ctx := context.Background()

	userID := uuid.New()
	deposit(t, l, userID, usd(5000))

	res, err := l.Withdraw(ctx, WithdrawalRequest{UserID: userID, Amount: usd(1500), IdempotencyKey: "w1"})
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusPending, res.Transaction.Status)
	assert.Equal(t, usd(10), res.Transaction.Fee)
	assert.Equal(t, usd(3490), res.Wallet.Available)
	assert.Equal(t, usd(1510), res.Wallet.Held)

	_, err = l.Withdraw(ctx, WithdrawalRequest{UserID: userID, Amount: usd(600), IdempotencyKey: "w2"})
	assert.ErrorIs(t, err, domain.ErrDailyCapExceeded)

	_, err = l.Withdraw(ctx, WithdrawalRequest{UserID: userID, Amount: usd(500), IdempotencyKey: "w3"})
	assert.NoError(t, err)

	deposit(t, l, premiumID, usd(5000))
	_, err = l.Withdraw(ctx, WithdrawalRequest{UserID: premiumID, Amount: usd(3000), IdempotencyKey: "w1"})
	assert.NoError(t, err)
}

func TestWithdraw_ConcurrentRequestsAdmitOne(t *testing.T) {
	l, _ := newRealLedger(t, nil)
	ctx := context.Background()
	userID := uuid.New()
	deposit(t, l, userID, usd(20000))

	const workers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		capped    int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Withdraw(ctx, WithdrawalRequest{UserID: userID, Amount: usd(1500), IdempotencyKey: uuid.NewString()})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrDailyCapExceeded):
				capped++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, workers-1, capped)
}

func TestWithdraw_IdempotentReplay(t *testing.T) {
	l, _ := newRealLedger(t, nil)
	ctx := context.Background()
	userID := uuid.New()
	deposit(t, l, userID, usd(500))

	req := WithdrawalRequest{UserID: userID, Amount: usd(100), IdempotencyKey: "same"}
	first, err := l.Withdraw(ctx, req)
	require.NoError(t, err)
	second, err := l.Withdraw(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, usd(500)-usd(100)-domain.Fee(usd(100)), second.Wallet.Available)
}

func TestWithdraw_DemoForbidden(t *testing.T) {
	l := New(memstore.New(), nil, true)
	_, err := l.Withdraw(context.Background(), WithdrawalRequest{UserID: uuid.New(), Amount: usd(1)})
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestCompleteWithdrawal(t *testing.T) {
	l, st := newRealLedger(t, nil)
	hook := &recordingHook{}
	l.AddHook(hook)
	ctx := context.Background()
	userID := uuid.New()
	deposit(t, l, userID, usd(2000))

	res, err := l.Withdraw(ctx, WithdrawalRequest{UserID: userID, Amount: usd(1500), IdempotencyKey: "w1"})
	require.NoError(t, err)

	pending, err := l.ListPendingWithdrawals(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	done, err := l.CompleteWithdrawal(ctx, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusCompleted, done.Status)

	again, err := l.CompleteWithdrawal(ctx, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusCompleted, again.Status)

	w, err := l.GetWallet(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, usd(490), w.Available)
	assert.Equal(t, int64(0), w.Held)
	assert.Equal(t, usd(1500), w.TotalWithdrawn)

	house, err := l.GetWallet(ctx, domain.HouseUserID)
	require.NoError(t, err)
	assert.Equal(t, usd(10), house.Available)

	// deposit + one completed withdrawal
	assert.Equal(t, 2, hook.count())

	supply, err := st.Queries().GetSupply(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), supply.Imbalance())
}

func TestFailWithdrawal_ReturnsHold(t *testing.T) {
	l, _ := newRealLedger(t, nil)
	ctx := context.Background()
	userID := uuid.New()
	deposit(t, l, userID, usd(300))

	res, err := l.Withdraw(ctx, WithdrawalRequest{UserID: userID, Amount: usd(100), IdempotencyKey: "w1"})
	require.NoError(t, err)

	failed, err := l.FailWithdrawal(ctx, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusFailed, failed.Status)

	w, err := l.GetWallet(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, usd(300), w.Available)
	assert.Equal(t, int64(0), w.Held)

	_, err = l.CompleteWithdrawal(ctx, res.Transaction.ID)
	require.NoError(t, err)
	w, err = l.GetWallet(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, usd(300), w.Available)
}

func TestTransfer(t *testing.T) {
	l, st := newRealLedger(t, nil)
	ctx := context.Background()
	ayo, david := uuid.New(), uuid.New()
	deposit(t, l, ayo, usd(100))
	deposit(t, l, david, usd(1))

	req := TransferRequest{From: ayo, To: david, Amount: usd(50), IdempotencyKey: "t1"}
	res, err := l.Transfer(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, usd(2), res.Fee)
	assert.Equal(t, usd(48), res.Wallet.Available)

	replay, err := l.Transfer(ctx, req)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, res.Sent.ID, replay.Sent.ID)
	assert.Equal(t, res.Received.ID, replay.Received.ID)

	davidWallet, err := l.GetWallet(ctx, david)
	require.NoError(t, err)
	assert.Equal(t, usd(51), davidWallet.Available)

	house, err := l.GetWallet(ctx, domain.HouseUserID)
	require.NoError(t, err)
	assert.Equal(t, usd(2), house.Available)

	_, err = l.Transfer(ctx, TransferRequest{From: ayo, To: david, Amount: usd(48), IdempotencyKey: "t2"})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = l.Transfer(ctx, TransferRequest{From: ayo, To: ayo, Amount: usd(1)})
	assert.ErrorIs(t, err, domain.ErrSelfTransfer)

	supply, err := st.Queries().GetSupply(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), supply.Imbalance())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{domain.TxStatusPending, domain.TxStatusCompleted, true},
		{domain.TxStatusPending, domain.TxStatusFailed, true},
		{"pending", "completed", true},
		{domain.TxStatusCompleted, domain.TxStatusFailed, false},
		{domain.TxStatusFailed, domain.TxStatusCompleted, false},
		{domain.TxStatusCompleted, domain.TxStatusPending, false},
	}
	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			assert.Equal(t, tt.want, canTransition(tt.from, tt.to))
		})
	}
}
