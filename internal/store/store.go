// Package store defines the persistence contract shared by the durable
// Postgres book and the in-memory demo book.
package store

import (
	"context"
	"time"

	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/models"
	"github.com/google/uuid"
)

// Queries is the data access surface of one book. Methods suffixed
// ForUpdate lock the row until the enclosing transaction ends; ForShare
// takes a shared lock that blocks status changes but not other readers.
// Lookups that find nothing return domain.ErrNotFound.
type Queries interface {
	CreateWallet(ctx context.Context, w *models.Wallet) (bool, error)
	GetWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	GetWalletForUpdate(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	UpdateWalletBalances(ctx context.Context, w *models.Wallet) error

	InsertTransaction(ctx context.Context, t *models.Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	GetTransactionByKey(ctx context.Context, key string) (*models.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id uuid.UUID, from, to string, at time.Time) (bool, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Transaction, error)
	SumWithdrawalsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error)
	ListPendingWithdrawals(ctx context.Context, limit int) ([]models.Transaction, error)

	InsertInstance(ctx context.Context, inst *models.MarketInstance) (bool, error)
	GetInstance(ctx context.Context, id uuid.UUID) (*models.MarketInstance, error)
	GetInstanceForShare(ctx context.Context, id uuid.UUID) (*models.MarketInstance, error)
	GetInstanceForUpdate(ctx context.Context, id uuid.UUID) (*models.MarketInstance, error)
	TransitionInstance(ctx context.Context, id uuid.UUID, from, to string) (bool, error)
	SaveInstanceOutcome(ctx context.Context, id uuid.UUID, outcome *models.Outcome, summary *models.SettlementSummary) error
	MarkInstanceSettled(ctx context.Context, id uuid.UUID, at time.Time, voided bool) (bool, error)
	ListUnsettledInstances(ctx context.Context) ([]models.MarketInstance, error)
	LatestInstance(ctx context.Context, duration time.Duration) (*models.MarketInstance, error)
	ListSettledInstances(ctx context.Context, duration time.Duration, limit, offset int) ([]models.MarketInstance, error)
	ListSettledBetween(ctx context.Context, from, to time.Time) ([]models.MarketInstance, error)

	IncrementPool(ctx context.Context, instanceID uuid.UUID, sel domain.Selection, delta int64) error
	GetPools(ctx context.Context, instanceID uuid.UUID) (models.PoolTotals, error)

	InsertBet(ctx context.Context, b *models.Bet) error
	GetBet(ctx context.Context, id uuid.UUID) (*models.Bet, error)
	GetBetForUpdate(ctx context.Context, id uuid.UUID) (*models.Bet, error)
	GetBetByKey(ctx context.Context, userID uuid.UUID, key string) (*models.Bet, error)
	UpdateBetResult(ctx context.Context, b *models.Bet) error
	ListBetsByInstance(ctx context.Context, instanceID uuid.UUID) ([]models.Bet, error)
	ListBetsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Bet, error)

	ListHoldChecks(ctx context.Context) ([]HoldCheck, error)
	GetSupply(ctx context.Context) (*Supply, error)
}

// Store scopes Queries to transactions. fn's mutations are applied
// all-or-nothing; an error returned from fn rolls everything back.
type Store interface {
	Queries() Queries
	RunInTx(ctx context.Context, fn func(q Queries) error) error
}

// HoldCheck compares a wallet's held balance with what should be backing it.
type HoldCheck struct {
	UserID             uuid.UUID
	Held               int64
	OpenBetStakes      int64
	PendingWithdrawals int64
}

// Expected returns the held amount implied by open bets and pending withdrawals.
func (h HoldCheck) Expected() int64 {
	return h.OpenBetStakes + h.PendingWithdrawals
}

// Supply aggregates money entering and leaving a book.
type Supply struct {
	Balances    int64
	Deposits    int64
	Commissions int64
	Withdrawals int64
}

// Imbalance is zero when every unit of money is accounted for.
func (s Supply) Imbalance() int64 {
	return s.Balances - (s.Deposits + s.Commissions - s.Withdrawals)
}
