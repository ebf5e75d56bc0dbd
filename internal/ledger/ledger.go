// Package ledger owns every mutation of wallet balances. Each mutation
// records a Transaction in the same atomic unit so that Available+Held
// never changes without a trace.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ayo6706/minority-rounds/internal/accounts"
	"github.com/ayo6706/minority-rounds/internal/clock"
	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/models"
	"github.com/ayo6706/minority-rounds/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Hook is notified after a deposit or withdrawal reaches COMPLETED.
// Hooks run after commit and must not fail the originating request.
type Hook interface {
	TransactionCompleted(ctx context.Context, tx models.Transaction)
}

// Ledger applies balance mutations to the wallets of one book.
type Ledger struct {
	store    store.Store
	accounts accounts.Directory
	clock    clock.Clock
	demo     bool

	dailyWithdrawalCap  int64
	demoStartingBalance int64
	hooks               []Hook
}

type Option func(*Ledger)

func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithDailyWithdrawalCap sets the per-UTC-day limit for non-premium accounts. Zero disables it.
func WithDailyWithdrawalCap(micros int64) Option {
	return func(l *Ledger) { l.dailyWithdrawalCap = micros }
}

// WithDemoStartingBalance sets the amount credited to a freshly opened demo wallet.
func WithDemoStartingBalance(micros int64) Option {
	return func(l *Ledger) { l.demoStartingBalance = micros }
}

func New(st store.Store, dir accounts.Directory, demo bool, opts ...Option) *Ledger {
	l := &Ledger{
		store:              st,
		accounts:           dir,
		clock:              clock.System{},
		demo:               demo,
		dailyWithdrawalCap: domain.Dollars(2000).Micros(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AddHook registers h for completed deposits and withdrawals.
func (l *Ledger) AddHook(h Hook) {
	l.hooks = append(l.hooks, h)
}

func (l *Ledger) Store() store.Store { return l.store }

func (l *Ledger) Demo() bool { return l.demo }

// EntryRequest describes a generic credit or debit. Keys are global within
// the book; callers namespace them.
type EntryRequest struct {
	UserID         uuid.UUID
	Amount         int64
	Kind           string
	IdempotencyKey string
	Reference      string
}

// EntryResult carries the recorded transaction and the wallet after it was
// applied. Replayed is set when the key resolved to an earlier transaction,
// in which case Wallet is the current state.
type EntryResult struct {
	Transaction models.Transaction `json:"transaction"`
	Wallet      *models.Wallet     `json:"wallet"`
	Replayed    bool               `json:"replayed"`
}

var creditKinds = map[string]struct{}{
	domain.TxKindDeposit:    {},
	domain.TxKindCommission: {},
	domain.TxKindRefund:     {},
	domain.TxKindFee:        {},
}

var debitKinds = map[string]struct{}{
	domain.TxKindWithdrawal: {},
	domain.TxKindFee:        {},
}

// OpenWallet creates the wallet for userID if it does not exist yet.
// Demo wallets are seeded with the configured starting balance.
func (l *Ledger) OpenWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	var w *models.Wallet
	err := store.RunInTxRetry(ctx, l.store, func(q store.Queries) error {
		if _, err := l.openWalletTx(ctx, q, userID); err != nil {
			return err
		}
		var err error
		w, err = q.GetWallet(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// GetWallet returns the wallet of userID. Demo wallets are opened on first access.
func (l *Ledger) GetWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	w, err := l.store.Queries().GetWallet(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) && l.demo {
		return l.OpenWallet(ctx, userID)
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (l *Ledger) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Transaction, error) {
	txs, err := l.store.Queries().ListTransactions(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return txs, nil
}

// Credit adds req.Amount to the available balance.
func (l *Ledger) Credit(ctx context.Context, req EntryRequest) (*EntryResult, error) {
	var res *EntryResult
	err := store.RunInTxRetry(ctx, l.store, func(q store.Queries) error {
		var err error
		res, err = l.CreditTx(ctx, q, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !res.Replayed {
		l.notify(ctx, res.Transaction)
	}
	return res, nil
}

// CreditTx is Credit inside the caller's transaction. Hooks are not run.
func (l *Ledger) CreditTx(ctx context.Context, q store.Queries, req EntryRequest) (*EntryResult, error) {
	if _, ok := creditKinds[req.Kind]; !ok {
		return nil, fmt.Errorf("ledger: kind %q cannot be credited", req.Kind)
	}
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	w, err := l.lockWallet(ctx, q, req.UserID, req.Kind == domain.TxKindDeposit)
	if err != nil {
		return nil, err
	}
	if res, err := l.replay(ctx, q, req); res != nil || err != nil {
		return res, err
	}

	w.Available += req.Amount
	if req.Kind == domain.TxKindDeposit {
		w.TotalDeposited += req.Amount
	}
	if err := q.UpdateWalletBalances(ctx, w); err != nil {
		return nil, fmt.Errorf("credit wallet: %w", err)
	}
	t, err := l.insertCompleted(ctx, q, req.UserID, req.Kind, req.Amount, 0, req.IdempotencyKey, req.Reference)
	if err != nil {
		return nil, err
	}
	return &EntryResult{Transaction: *t, Wallet: w}, nil
}

// Debit removes req.Amount from the available balance.
func (l *Ledger) Debit(ctx context.Context, req EntryRequest) (*EntryResult, error) {
	if _, ok := debitKinds[req.Kind]; !ok {
		return nil, fmt.Errorf("ledger: kind %q cannot be debited", req.Kind)
	}
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	var res *EntryResult
	err := store.RunInTxRetry(ctx, l.store, func(q store.Queries) error {
		w, err := l.lockWallet(ctx, q, req.UserID, false)
		if err != nil {
			return err
		}
		if res, err = l.replay(ctx, q, req); res != nil || err != nil {
			return err
		}
		if w.Available < req.Amount {
			return domain.ErrInsufficientFunds
		}

		w.Available -= req.Amount
		if req.Kind == domain.TxKindWithdrawal {
			w.TotalWithdrawn += req.Amount
		}
		if err := q.UpdateWalletBalances(ctx, w); err != nil {
			return fmt.Errorf("debit wallet: %w", err)
		}
		t, err := l.insertCompleted(ctx, q, req.UserID, req.Kind, req.Amount, 0, req.IdempotencyKey, req.Reference)
		if err != nil {
			return err
		}
		res = &EntryResult{Transaction: *t, Wallet: w}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !res.Replayed {
		l.notify(ctx, res.Transaction)
	}
	return res, nil
}

// replay returns the earlier result for req.IdempotencyKey, or nil when the key is new.
func (l *Ledger) replay(ctx context.Context, q store.Queries, req EntryRequest) (*EntryResult, error) {
	if req.IdempotencyKey == "" {
		return nil, nil
	}
	existing, err := q.GetTransactionByKey(ctx, req.IdempotencyKey)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check idempotency: %w", err)
	}
	if existing.UserID != req.UserID || existing.Kind != req.Kind || existing.Amount != req.Amount {
		return nil, domain.ErrIdempotencyMismatch
	}
	w, err := q.GetWallet(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	return &EntryResult{Transaction: *existing, Wallet: w, Replayed: true}, nil
}

// lockWallet locks the wallet row for the rest of the transaction. Missing
// wallets are opened when create is set, for the house, and in demo books.
func (l *Ledger) lockWallet(ctx context.Context, q store.Queries, userID uuid.UUID, create bool) (*models.Wallet, error) {
	w, err := q.GetWalletForUpdate(ctx, userID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, domain.ErrNotFound) || !(create || l.demo || userID == domain.HouseUserID) {
		return nil, fmt.Errorf("lock wallet %s: %w", userID, err)
	}
	if _, err := l.openWalletTx(ctx, q, userID); err != nil {
		return nil, err
	}
	return q.GetWalletForUpdate(ctx, userID)
}

func (l *Ledger) openWalletTx(ctx context.Context, q store.Queries, userID uuid.UUID) (bool, error) {
	now := l.clock.Now()
	created, err := q.CreateWallet(ctx, &models.Wallet{UserID: userID, Demo: l.demo, CreatedAt: now, UpdatedAt: now})
	if err != nil {
		return false, fmt.Errorf("create wallet: %w", err)
	}
	if !created || !l.demo || l.demoStartingBalance <= 0 || userID == domain.HouseUserID {
		return created, nil
	}

	w, err := q.GetWalletForUpdate(ctx, userID)
	if err != nil {
		return false, err
	}
	w.Available += l.demoStartingBalance
	w.TotalDeposited += l.demoStartingBalance
	if err := q.UpdateWalletBalances(ctx, w); err != nil {
		return false, fmt.Errorf("seed demo wallet: %w", err)
	}
	_, err = l.insertCompleted(ctx, q, userID, domain.TxKindDeposit, l.demoStartingBalance, 0, "demo-seed:"+userID.String(), "")
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *Ledger) insertCompleted(ctx context.Context, q store.Queries, userID uuid.UUID, kind string, amount, fee int64, key, reference string) (*models.Transaction, error) {
	now := l.clock.Now()
	t := l.newTransaction(userID, kind, amount, fee, key, reference)
	t.Status = domain.TxStatusCompleted
	t.CompletedAt = &now
	if err := q.InsertTransaction(ctx, t); err != nil {
		return nil, fmt.Errorf("insert %s transaction: %w", kind, err)
	}
	return t, nil
}

func (l *Ledger) newTransaction(userID uuid.UUID, kind string, amount, fee int64, key, reference string) *models.Transaction {
	now := l.clock.Now()
	t := &models.Transaction{
		ID:        uuid.New(),
		UserID:    userID,
		Demo:      l.demo,
		Kind:      kind,
		Amount:    amount,
		Fee:       fee,
		Status:    domain.TxStatusPending,
		Reference: reference,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if key != "" {
		t.IdempotencyKey = &key
	}
	return t
}

func (l *Ledger) notify(ctx context.Context, t models.Transaction) {
	if t.Status != domain.TxStatusCompleted {
		return
	}
	if t.Kind != domain.TxKindDeposit && t.Kind != domain.TxKindWithdrawal {
		return
	}
	for _, h := range l.hooks {
		h.TransactionCompleted(ctx, t)
	}
}

// userKey scopes a client supplied idempotency key to one user and operation.
func userKey(kind string, userID uuid.UUID, key string) string {
	if key == "" {
		return ""
	}
	return kind + ":" + userID.String() + ":" + key
}

func (l *Ledger) logger() *zap.Logger {
	book := domain.BookReal
	if l.demo {
		book = domain.BookDemo
	}
	return zap.L().With(zap.String("book", book))
}
