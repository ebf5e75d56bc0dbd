package repository_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ayo6706/minority-rounds/internal/accounts"
	"github.com/ayo6706/minority-rounds/internal/db"
	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/ledger"
	"github.com/ayo6706/minority-rounds/internal/models"
	"github.com/ayo6706/minority-rounds/internal/repository"
	"github.com/ayo6706/minority-rounds/internal/rounds"
	"github.com/ayo6706/minority-rounds/internal/store"
	"github.com/ayo6706/minority-rounds/internal/testutil/dblock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDB *pgxpool.Pool

func TestMain(m *testing.M) {
	_ = godotenv.Load("../../.env")
	connStr := os.Getenv("DATABASE_URL")
	if connStr == "" {
		fmt.Println("skipping repository integration tests: DATABASE_URL not set")
		os.Exit(0)
	}

	release := dblock.Acquire()
	ctx := context.Background()
	var err error
	testDB, err = db.Connect(ctx, connStr, 5)
	if err != nil {
		release()
		fmt.Printf("Unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	if err := db.Migrate(ctx, testDB); err != nil {
		release()
		fmt.Printf("Unable to migrate database: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close()
	release()
	os.Exit(code)
}

func cleanupDB(t *testing.T) {
	t.Helper()
	_, err := testDB.Exec(context.Background(),
		"TRUNCATE TABLE bets, instance_pools, market_instances, transactions, idempotency_keys CASCADE")
	require.NoError(t, err)
	_, err = testDB.Exec(context.Background(),
		"DELETE FROM wallets WHERE user_id <> $1", domain.HouseUserID)
	require.NoError(t, err)
	_, err = testDB.Exec(context.Background(),
		"UPDATE wallets SET available_micros = 0, held_micros = 0, total_deposited_micros = 0, total_withdrawn_micros = 0, total_won_micros = 0, total_lost_micros = 0")
	require.NoError(t, err)
}

func usd(n int64) int64 { return domain.Dollars(n).Micros() }

func TestWalletLifecycle_Postgres(t *testing.T) {
	cleanupDB(t)
	ctx := context.Background()
	st := repository.NewStore(testDB)
	userID := uuid.New()
	l := ledger.New(st, accounts.NewStaticDirectory(models.Account{UserID: userID, Tier: domain.TierStandard, ComplianceCleared: true}), false)

	dep, err := l.Credit(ctx, ledger.EntryRequest{UserID: userID, Amount: usd(100), Kind: domain.TxKindDeposit, IdempotencyKey: "deposit:pg-1"})
	require.NoError(t, err)
	assert.Equal(t, usd(100), dep.Wallet.Available)

	again, err := l.Credit(ctx, ledger.EntryRequest{UserID: userID, Amount: usd(100), Kind: domain.TxKindDeposit, IdempotencyKey: "deposit:pg-1"})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, dep.Transaction.ID, again.Transaction.ID)

	var holdID uuid.UUID
	err = st.RunInTx(ctx, func(q store.Queries) error {
		hold, w, err := l.HoldTx(ctx, q, userID, usd(20), "bet")
		if err != nil {
			return err
		}
		holdID = hold.ID
		assert.Equal(t, usd(80), w.Available)
		assert.Equal(t, usd(20), w.Held)
		return nil
	})
	require.NoError(t, err)

	err = st.RunInTx(ctx, func(q store.Queries) error {
		_, err := l.ReleaseTx(ctx, q, userID, usd(20), holdID, ledger.ReleaseLoss)
		return err
	})
	require.NoError(t, err)

	w, err := l.GetWallet(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, usd(80), w.Available)
	assert.Equal(t, int64(0), w.Held)
	assert.Equal(t, usd(20), w.TotalLost)

	// A second release of the same hold must not touch the wallet again.
	err = st.RunInTx(ctx, func(q store.Queries) error {
		_, err := l.ReleaseTx(ctx, q, userID, usd(20), holdID, ledger.ReleaseLoss)
		return err
	})
	require.Error(t, err)
	w, err = l.GetWallet(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, usd(80), w.Available)
}

func TestConcurrentWithdrawals_DailyCapAdmitsOne(t *testing.T) {
	cleanupDB(t)
	ctx := context.Background()
	st := repository.NewStore(testDB)
	userID := uuid.New()
	dir := accounts.NewStaticDirectory(models.Account{UserID: userID, Tier: domain.TierStandard, ComplianceCleared: true})
	l := ledger.New(st, dir, false, ledger.WithDailyWithdrawalCap(usd(2000)))

	_, err := l.Credit(ctx, ledger.EntryRequest{UserID: userID, Amount: usd(5000), Kind: domain.TxKindDeposit, IdempotencyKey: "deposit:cap"})
	require.NoError(t, err)

	const attempts = 5
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		capped   int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Withdraw(ctx, ledger.WithdrawalRequest{
				UserID:         userID,
				Amount:         usd(1500),
				IdempotencyKey: fmt.Sprintf("w-%d", i),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, domain.ErrDailyCapExceeded):
				capped++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, attempts-1, capped)
}

func TestInstances_InsertTransitionAndPools(t *testing.T) {
	cleanupDB(t)
	ctx := context.Background()
	q := repository.NewStore(testDB).Queries()
	now := time.Date(2024, 3, 1, 12, 1, 0, 0, time.UTC)
	inst := rounds.WindowAt(domain.Duration5m, 30*time.Second, now).Instance(now)

	created, err := q.InsertInstance(ctx, inst)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = q.InsertInstance(ctx, inst)
	require.NoError(t, err)
	assert.False(t, created, "duplicate window must not create a second instance")

	ok, err := q.TransitionInstance(ctx, inst.ID, domain.InstanceStatusPreopen, domain.InstanceStatusOpen)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = q.TransitionInstance(ctx, inst.ID, domain.InstanceStatusPreopen, domain.InstanceStatusOpen)
	require.NoError(t, err)
	assert.False(t, ok, "stale transition must lose the compare-and-set")

	require.NoError(t, q.IncrementPool(ctx, inst.ID, domain.SelectionBuy, usd(100)))
	require.NoError(t, q.IncrementPool(ctx, inst.ID, domain.SelectionSell, usd(40)))
	require.NoError(t, q.IncrementPool(ctx, inst.ID, domain.SelectionBuy, -usd(10)))

	pools, err := q.GetPools(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, usd(90), pools[domain.SelectionBuy])
	assert.Equal(t, usd(40), pools[domain.SelectionSell])
	assert.Equal(t, int64(0), pools[domain.SelectionIndecision])

	latest, err := q.LatestInstance(ctx, domain.Duration5m)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, latest.ID)
	assert.Equal(t, domain.InstanceStatusOpen, latest.Status)
}
