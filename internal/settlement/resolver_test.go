package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ayo6706/minority-rounds/internal/book"
	"github.com/ayo6706/minority-rounds/internal/broadcast"
	"github.com/ayo6706/minority-rounds/internal/clock"
	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/ledger"
	"github.com/ayo6706/minority-rounds/internal/memstore"
	"github.com/ayo6706/minority-rounds/internal/models"
	"github.com/ayo6706/minority-rounds/internal/pool"
	"github.com/ayo6706/minority-rounds/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubNotifier struct {
	mu       sync.Mutex
	subjects []string
}

func (n *stubNotifier) Notify(_ context.Context, subject, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subjects = append(n.subjects, subject)
}

type fixture struct {
	book     *book.Book
	resolver *Resolver
	hub      *broadcast.Hub
	notifier *stubNotifier
	clock    *clock.Manual
	instance uuid.UUID
}

func usd(n int64) int64 { return domain.Dollars(n).Micros() }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))
	st := memstore.New()
	l := ledger.New(st, nil, false, ledger.WithClock(clk))
	b := book.New(st, l, pool.NewAggregator(st, pool.NewMemoryCounters()))
	hub := broadcast.NewHub(16)
	notifier := &stubNotifier{}

	id := uuid.New()
	_, err := st.Queries().InsertInstance(context.Background(), &models.MarketInstance{
		ID:          id,
		Duration:    domain.Duration20m,
		Sequence:    1,
		WindowStart: clk.Now().Add(-20 * time.Minute),
		WindowEnd:   clk.Now(),
		FreezeAt:    clk.Now().Add(-30 * time.Second),
		Status:      domain.InstanceStatusOpen,
	})
	require.NoError(t, err)

	return &fixture{
		book:     b,
		resolver: NewResolver(decimal.NewFromInt(2), clk, hub, notifier),
		hub:      hub,
		notifier: notifier,
		clock:    clk,
		instance: id,
	}
}

func (f *fixture) fund(t *testing.T, amount int64) uuid.UUID {
	t.Helper()
	userID := uuid.New()
	_, err := f.book.Ledger.Credit(context.Background(), ledger.EntryRequest{
		UserID: userID, Amount: amount, Kind: domain.TxKindDeposit, IdempotencyKey: "deposit:" + userID.String(),
	})
	require.NoError(t, err)
	return userID
}

func (f *fixture) bet(t *testing.T, userID uuid.UUID, sel domain.Selection, stake int64) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	betID := uuid.New()
	market, _ := domain.MarketOf(sel)
	var commit pool.Commit
	err := f.book.Store.RunInTx(ctx, func(q store.Queries) error {
		hold, _, err := f.book.Ledger.HoldTx(ctx, q, userID, stake, betID.String())
		if err != nil {
			return err
		}
		commit, err = f.book.Pools.AddStakeTx(ctx, q, f.instance, sel, stake)
		if err != nil {
			return err
		}
		return q.InsertBet(ctx, &models.Bet{
			ID: betID, UserID: userID, InstanceID: f.instance, Duration: domain.Duration20m,
			Market: market, Selection: sel, Stake: stake, Status: domain.BetStatusAccepted,
			HoldTxID: hold.ID, PlacedAt: f.clock.Now(),
		})
	})
	require.NoError(t, err)
	commit(ctx)
	return betID
}

func (f *fixture) freeze(t *testing.T) {
	t.Helper()
	ok, err := f.book.Store.Queries().TransitionInstance(context.Background(), f.instance, domain.InstanceStatusOpen, domain.InstanceStatusFrozen)
	require.NoError(t, err)
	require.True(t, ok)
}

func (f *fixture) wallet(t *testing.T, userID uuid.UUID) *models.Wallet {
	t.Helper()
	w, err := f.book.Ledger.GetWallet(context.Background(), userID)
	require.NoError(t, err)
	return w
}

func TestSettle_MinorityWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, c, d, e, g := f.fund(t, usd(100)), f.fund(t, usd(100)), f.fund(t, usd(100)), f.fund(t, usd(100)), f.fund(t, usd(100)), f.fund(t, usd(100))
	f.bet(t, a, domain.SelectionBuy, usd(20))
	f.bet(t, b, domain.SelectionSell, usd(10))
	f.bet(t, c, domain.SelectionBlue, usd(30))
	f.bet(t, d, domain.SelectionRed, usd(5))
	f.bet(t, e, domain.SelectionHighVol, usd(7))
	f.bet(t, g, domain.SelectionLowVol, usd(9))
	f.freeze(t)

	sub := f.hub.Subscribe()
	inst, err := f.resolver.Settle(ctx, f.book, f.instance)
	require.NoError(t, err)

	assert.Equal(t, domain.InstanceStatusSettled, inst.Status)
	require.NotNil(t, inst.Outcome)
	assert.False(t, inst.Outcome.IndecisionTriggered)
	assert.Equal(t, domain.SelectionSell, inst.Outcome.Winners[domain.MarketOuter])
	assert.Equal(t, domain.SelectionRed, inst.Outcome.Winners[domain.MarketMiddle])
	assert.Equal(t, domain.SelectionHighVol, inst.Outcome.Winners[domain.MarketInner])

	require.NotNil(t, inst.Summary)
	assert.Equal(t, usd(59), inst.Summary.LosingStakes)
	assert.Equal(t, usd(22), inst.Summary.WinnerPayouts)
	assert.Equal(t, usd(37), inst.Summary.HouseProfit)
	assert.Equal(t, inst.Summary.LosingStakes, inst.Summary.WinnerPayouts+inst.Summary.HouseProfit)

	assert.Equal(t, usd(80), f.wallet(t, a).Available)
	assert.Equal(t, usd(110), f.wallet(t, b).Available)
	assert.Equal(t, usd(105), f.wallet(t, d).Available)
	assert.Equal(t, usd(107), f.wallet(t, e).Available)
	assert.Equal(t, usd(37), f.wallet(t, domain.HouseUserID).Available)
	for _, id := range []uuid.UUID{a, b, c, d, e, g} {
		assert.Equal(t, int64(0), f.wallet(t, id).Held)
	}

	supply, err := f.book.Store.Queries().GetSupply(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), supply.Imbalance())

	select {
	case ev := <-sub.C():
		assert.Equal(t, broadcast.EventInstanceSettled, ev.Type)
	default:
		t.Fatal("settlement not broadcast")
	}
}

func TestSettle_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.fund(t, usd(100)), f.fund(t, usd(100))
	f.bet(t, a, domain.SelectionBuy, usd(20))
	f.bet(t, b, domain.SelectionIndecision, usd(5))
	f.freeze(t)

	first, err := f.resolver.Settle(ctx, f.book, f.instance)
	require.NoError(t, err)
	second, err := f.resolver.Settle(ctx, f.book, f.instance)
	require.NoError(t, err)

	assert.Equal(t, first.SettledAt, second.SettledAt)
	assert.Equal(t, usd(105), f.wallet(t, b).Available)
	assert.Equal(t, usd(15), f.wallet(t, domain.HouseUserID).Available)
}

func TestSettle_EmptyPoolsTriggerIndecision(t *testing.T) {
	f := newFixture(t)
	userID := f.fund(t, usd(100))
	f.bet(t, userID, domain.SelectionBuy, usd(20))
	f.freeze(t)

	inst, err := f.resolver.Settle(context.Background(), f.book, f.instance)
	require.NoError(t, err)
	assert.True(t, inst.Outcome.IndecisionTriggered)

	w := f.wallet(t, userID)
	assert.Equal(t, usd(80), w.Available)
	assert.Equal(t, int64(0), w.Held)
	assert.Equal(t, usd(20), w.TotalLost)
}

func TestSettle_NegativeHouseProfitHalts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.fund(t, usd(100)), f.fund(t, usd(1000))
	f.bet(t, a, domain.SelectionBuy, usd(10))
	f.bet(t, b, domain.SelectionIndecision, usd(500))
	f.freeze(t)

	_, err := f.resolver.Settle(ctx, f.book, f.instance)
	require.ErrorIs(t, err, domain.ErrSettlementInvariantViolation)

	inst, err := f.book.Store.Queries().GetInstance(ctx, f.instance)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusFrozen, inst.Status)
	assert.Nil(t, inst.Outcome)
	assert.Equal(t, usd(500), f.wallet(t, b).Held)
	assert.Equal(t, []string{"settlement halted"}, f.notifier.subjects)

	voided, err := f.resolver.Void(ctx, f.book, f.instance)
	require.NoError(t, err)
	assert.True(t, voided.Voided)
	assert.Equal(t, domain.InstanceStatusSettled, voided.Status)
	assert.Equal(t, usd(1000), f.wallet(t, b).Available)
	assert.Equal(t, usd(100), f.wallet(t, a).Available)
	assert.Equal(t, int64(0), f.wallet(t, b).Held)
}

func TestSettle_HaltAlertsOncePerInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.fund(t, usd(100)), f.fund(t, usd(1000))
	f.bet(t, a, domain.SelectionBuy, usd(10))
	f.bet(t, b, domain.SelectionIndecision, usd(500))
	f.freeze(t)

	for i := 0; i < 4; i++ {
		_, err := f.resolver.Settle(ctx, f.book, f.instance)
		require.ErrorIs(t, err, domain.ErrSettlementInvariantViolation)
		f.clock.Advance(time.Second)
	}
	assert.Equal(t, []string{"settlement halted"}, f.notifier.subjects)

	_, err := f.resolver.Void(ctx, f.book, f.instance)
	require.NoError(t, err)
	assert.Empty(t, f.resolver.halted, "voiding clears the halt")
	assert.True(t, f.resolver.markHalted(f.book, f.instance), "a later halt of the same key alerts again")
}

func TestSettle_PoolMismatchHalts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.fund(t, usd(100))
	f.bet(t, a, domain.SelectionBuy, usd(10))
	require.NoError(t, f.book.Store.Queries().IncrementPool(ctx, f.instance, domain.SelectionSell, usd(3)))
	f.freeze(t)

	_, err := f.resolver.Settle(ctx, f.book, f.instance)
	assert.ErrorIs(t, err, domain.ErrSettlementInvariantViolation)
}

func TestSettle_RequiresFrozen(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.Settle(context.Background(), f.book, f.instance)
	assert.ErrorIs(t, err, domain.ErrInvalidStateChange)
}
