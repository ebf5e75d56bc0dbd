// Package memstore is an ephemeral implementation of store.Store. It backs the
// demo book and unit tests. Transactions are serialized by a single mutex and
// rolled back through an undo log.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/models"
	"github.com/ayo6706/minority-rounds/internal/store"
	"github.com/google/uuid"
)

type instanceKey struct {
	duration time.Duration
	sequence int64
}

type betKey struct {
	userID uuid.UUID
	key    string
}

// Store keeps every book table in maps guarded by mu.
type Store struct {
	mu sync.Mutex

	wallets   map[uuid.UUID]*models.Wallet
	txs       map[uuid.UUID]*models.Transaction
	txOrder   []uuid.UUID
	txKeys    map[string]uuid.UUID
	instances map[uuid.UUID]*models.MarketInstance
	instSeq   map[instanceKey]uuid.UUID
	pools     map[uuid.UUID]models.PoolTotals
	bets      map[uuid.UUID]*models.Bet
	betOrder  []uuid.UUID
	betKeys   map[betKey]uuid.UUID
}

// New returns an empty store.
func New() *Store {
	return &Store{
		wallets:   make(map[uuid.UUID]*models.Wallet),
		txs:       make(map[uuid.UUID]*models.Transaction),
		txKeys:    make(map[string]uuid.UUID),
		instances: make(map[uuid.UUID]*models.MarketInstance),
		instSeq:   make(map[instanceKey]uuid.UUID),
		pools:     make(map[uuid.UUID]models.PoolTotals),
		bets:      make(map[uuid.UUID]*models.Bet),
		betKeys:   make(map[betKey]uuid.UUID),
	}
}

// Queries returns an auto-committing query set; each call locks the store on its own.
func (s *Store) Queries() store.Queries {
	return &queries{s: s}
}

// RunInTx executes fn while holding the store lock. Mutations made through
// the supplied Queries are undone if fn returns an error.
func (s *Store) RunInTx(ctx context.Context, fn func(q store.Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	q := &queries{s: s, inTx: true}
	if err := fn(q); err != nil {
		q.rollback()
		return err
	}
	return nil
}

type queries struct {
	s    *Store
	inTx bool
	undo []func()
}

var _ store.Queries = (*queries)(nil)

func (q *queries) lock() func() {
	if q.inTx {
		return func() {}
	}
	q.s.mu.Lock()
	return q.s.mu.Unlock
}

func (q *queries) record(fn func()) {
	if q.inTx {
		q.undo = append(q.undo, fn)
	}
}

func (q *queries) rollback() {
	for i := len(q.undo) - 1; i >= 0; i-- {
		q.undo[i]()
	}
	q.undo = nil
}

func (q *queries) CreateWallet(_ context.Context, w *models.Wallet) (bool, error) {
	defer q.lock()()
	if _, ok := q.s.wallets[w.UserID]; ok {
		return false, nil
	}
	stored := *w
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	stored.UpdatedAt = stored.CreatedAt
	q.s.wallets[w.UserID] = &stored
	id := w.UserID
	q.record(func() { delete(q.s.wallets, id) })
	return true, nil
}

func (q *queries) GetWallet(_ context.Context, userID uuid.UUID) (*models.Wallet, error) {
	defer q.lock()()
	w, ok := q.s.wallets[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *w
	return &out, nil
}

func (q *queries) GetWalletForUpdate(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	return q.GetWallet(ctx, userID)
}

func (q *queries) UpdateWalletBalances(_ context.Context, w *models.Wallet) error {
	defer q.lock()()
	stored, ok := q.s.wallets[w.UserID]
	if !ok {
		return domain.ErrNotFound
	}
	if err := w.Validate(); err != nil {
		return err
	}
	prev := *stored
	next := *w
	next.CreatedAt = prev.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	*stored = next
	q.record(func() { *stored = prev })
	return nil
}

func (q *queries) InsertTransaction(_ context.Context, t *models.Transaction) error {
	defer q.lock()()
	if t.IdempotencyKey != nil {
		if _, ok := q.s.txKeys[*t.IdempotencyKey]; ok {
			return domain.ErrConcurrencyConflict
		}
	}
	stored := *t
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	t.CreatedAt, t.UpdatedAt = stored.CreatedAt, stored.UpdatedAt
	q.s.txs[t.ID] = &stored
	q.s.txOrder = append(q.s.txOrder, t.ID)
	if t.IdempotencyKey != nil {
		q.s.txKeys[*t.IdempotencyKey] = t.ID
	}
	id, key := t.ID, t.IdempotencyKey
	q.record(func() {
		delete(q.s.txs, id)
		q.s.txOrder = q.s.txOrder[:len(q.s.txOrder)-1]
		if key != nil {
			delete(q.s.txKeys, *key)
		}
	})
	return nil
}

func (q *queries) GetTransaction(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	defer q.lock()()
	t, ok := q.s.txs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *t
	return &out, nil
}

func (q *queries) GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return q.GetTransaction(ctx, id)
}

func (q *queries) GetTransactionByKey(_ context.Context, key string) (*models.Transaction, error) {
	defer q.lock()()
	id, ok := q.s.txKeys[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *q.s.txs[id]
	return &out, nil
}

func (q *queries) UpdateTransactionStatus(_ context.Context, id uuid.UUID, from, to string, at time.Time) (bool, error) {
	defer q.lock()()
	t, ok := q.s.txs[id]
	if !ok || t.Status != from {
		return false, nil
	}
	prev := *t
	t.Status = to
	t.UpdatedAt = at
	if to == domain.TxStatusCompleted {
		completed := at
		t.CompletedAt = &completed
	}
	q.record(func() { *t = prev })
	return true, nil
}

func (q *queries) ListTransactions(_ context.Context, userID uuid.UUID, limit, offset int) ([]models.Transaction, error) {
	defer q.lock()()
	var out []models.Transaction
	for i := len(q.s.txOrder) - 1; i >= 0; i-- {
		t := q.s.txs[q.s.txOrder[i]]
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	return paginate(out, limit, offset), nil
}

func (q *queries) SumWithdrawalsSince(_ context.Context, userID uuid.UUID, since time.Time) (int64, error) {
	defer q.lock()()
	var total int64
	for _, t := range q.s.txs {
		if t.UserID != userID || t.Kind != domain.TxKindWithdrawal || t.CreatedAt.Before(since) {
			continue
		}
		if t.Status == domain.TxStatusPending || t.Status == domain.TxStatusCompleted {
			total += t.Amount
		}
	}
	return total, nil
}

func (q *queries) ListPendingWithdrawals(_ context.Context, limit int) ([]models.Transaction, error) {
	defer q.lock()()
	var out []models.Transaction
	for _, id := range q.s.txOrder {
		t := q.s.txs[id]
		if t.Kind == domain.TxKindWithdrawal && t.Status == domain.TxStatusPending {
			out = append(out, *t)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (q *queries) InsertInstance(_ context.Context, inst *models.MarketInstance) (bool, error) {
	defer q.lock()()
	key := instanceKey{duration: inst.Duration, sequence: inst.Sequence}
	if _, ok := q.s.instSeq[key]; ok {
		return false, nil
	}
	if _, ok := q.s.instances[inst.ID]; ok {
		return false, nil
	}
	stored := cloneInstance(inst)
	stored.Pools = nil
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	q.s.instances[inst.ID] = stored
	q.s.instSeq[key] = inst.ID
	pools := make(models.PoolTotals, len(domain.Selections))
	for _, sel := range domain.Selections {
		pools[sel] = 0
	}
	q.s.pools[inst.ID] = pools
	id := inst.ID
	q.record(func() {
		delete(q.s.instances, id)
		delete(q.s.instSeq, key)
		delete(q.s.pools, id)
	})
	return true, nil
}

func (q *queries) getInstance(id uuid.UUID) (*models.MarketInstance, error) {
	inst, ok := q.s.instances[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := cloneInstance(inst)
	out.Pools = q.s.pools[id].Clone()
	return out, nil
}

func (q *queries) GetInstance(_ context.Context, id uuid.UUID) (*models.MarketInstance, error) {
	defer q.lock()()
	return q.getInstance(id)
}

func (q *queries) GetInstanceForShare(ctx context.Context, id uuid.UUID) (*models.MarketInstance, error) {
	return q.GetInstance(ctx, id)
}

func (q *queries) GetInstanceForUpdate(ctx context.Context, id uuid.UUID) (*models.MarketInstance, error) {
	return q.GetInstance(ctx, id)
}

func (q *queries) TransitionInstance(_ context.Context, id uuid.UUID, from, to string) (bool, error) {
	defer q.lock()()
	inst, ok := q.s.instances[id]
	if !ok || inst.Status != from {
		return false, nil
	}
	inst.Status = to
	q.record(func() { inst.Status = from })
	return true, nil
}

func (q *queries) SaveInstanceOutcome(_ context.Context, id uuid.UUID, outcome *models.Outcome, summary *models.SettlementSummary) error {
	defer q.lock()()
	inst, ok := q.s.instances[id]
	if !ok {
		return domain.ErrNotFound
	}
	prevOutcome, prevSummary := inst.Outcome, inst.Summary
	inst.Outcome = cloneOutcome(outcome)
	if summary != nil {
		s := *summary
		inst.Summary = &s
	}
	q.record(func() {
		inst.Outcome = prevOutcome
		inst.Summary = prevSummary
	})
	return nil
}

func (q *queries) MarkInstanceSettled(_ context.Context, id uuid.UUID, at time.Time, voided bool) (bool, error) {
	defer q.lock()()
	inst, ok := q.s.instances[id]
	if !ok || inst.Status != domain.InstanceStatusFrozen {
		return false, nil
	}
	prev := *inst
	settledAt := at
	inst.Status = domain.InstanceStatusSettled
	inst.SettledAt = &settledAt
	inst.Voided = voided
	q.record(func() { *inst = prev })
	return true, nil
}

func (q *queries) ListUnsettledInstances(_ context.Context) ([]models.MarketInstance, error) {
	defer q.lock()()
	var out []models.MarketInstance
	for id, inst := range q.s.instances {
		if inst.Status == domain.InstanceStatusSettled {
			continue
		}
		full, _ := q.getInstance(id)
		out = append(out, *full)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].WindowStart.Equal(out[j].WindowStart) {
			return out[i].WindowStart.Before(out[j].WindowStart)
		}
		return out[i].Duration < out[j].Duration
	})
	return out, nil
}

func (q *queries) LatestInstance(_ context.Context, duration time.Duration) (*models.MarketInstance, error) {
	defer q.lock()()
	var latest *models.MarketInstance
	for _, inst := range q.s.instances {
		if inst.Duration != duration {
			continue
		}
		if latest == nil || inst.Sequence > latest.Sequence {
			latest = inst
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	return q.getInstance(latest.ID)
}

func (q *queries) ListSettledInstances(_ context.Context, duration time.Duration, limit, offset int) ([]models.MarketInstance, error) {
	defer q.lock()()
	var out []models.MarketInstance
	for id, inst := range q.s.instances {
		if inst.Duration != duration || inst.Status != domain.InstanceStatusSettled {
			continue
		}
		full, _ := q.getInstance(id)
		out = append(out, *full)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence > out[j].Sequence })
	return paginate(out, limit, offset), nil
}

func (q *queries) ListSettledBetween(_ context.Context, from, to time.Time) ([]models.MarketInstance, error) {
	defer q.lock()()
	var out []models.MarketInstance
	for id, inst := range q.s.instances {
		if inst.SettledAt == nil || inst.SettledAt.Before(from) || !inst.SettledAt.Before(to) {
			continue
		}
		full, _ := q.getInstance(id)
		out = append(out, *full)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SettledAt.Before(*out[j].SettledAt) })
	return out, nil
}

func (q *queries) IncrementPool(_ context.Context, instanceID uuid.UUID, sel domain.Selection, delta int64) error {
	defer q.lock()()
	pools, ok := q.s.pools[instanceID]
	if !ok {
		return domain.ErrNotFound
	}
	if pools[sel]+delta < 0 {
		return domain.ErrInvalidAmount
	}
	pools[sel] += delta
	q.record(func() { pools[sel] -= delta })
	return nil
}

func (q *queries) GetPools(_ context.Context, instanceID uuid.UUID) (models.PoolTotals, error) {
	defer q.lock()()
	pools, ok := q.s.pools[instanceID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return pools.Clone(), nil
}

func (q *queries) InsertBet(_ context.Context, b *models.Bet) error {
	defer q.lock()()
	if b.IdempotencyKey != nil {
		if _, ok := q.s.betKeys[betKey{userID: b.UserID, key: *b.IdempotencyKey}]; ok {
			return domain.ErrConcurrencyConflict
		}
	}
	stored := *b
	q.s.bets[b.ID] = &stored
	q.s.betOrder = append(q.s.betOrder, b.ID)
	var key *betKey
	if b.IdempotencyKey != nil {
		key = &betKey{userID: b.UserID, key: *b.IdempotencyKey}
		q.s.betKeys[*key] = b.ID
	}
	id := b.ID
	q.record(func() {
		delete(q.s.bets, id)
		q.s.betOrder = q.s.betOrder[:len(q.s.betOrder)-1]
		if key != nil {
			delete(q.s.betKeys, *key)
		}
	})
	return nil
}

func (q *queries) GetBet(_ context.Context, id uuid.UUID) (*models.Bet, error) {
	defer q.lock()()
	b, ok := q.s.bets[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *b
	return &out, nil
}

func (q *queries) GetBetForUpdate(ctx context.Context, id uuid.UUID) (*models.Bet, error) {
	return q.GetBet(ctx, id)
}

func (q *queries) GetBetByKey(_ context.Context, userID uuid.UUID, key string) (*models.Bet, error) {
	defer q.lock()()
	id, ok := q.s.betKeys[betKey{userID: userID, key: key}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *q.s.bets[id]
	return &out, nil
}

func (q *queries) UpdateBetResult(_ context.Context, b *models.Bet) error {
	defer q.lock()()
	stored, ok := q.s.bets[b.ID]
	if !ok {
		return domain.ErrNotFound
	}
	prev := *stored
	stored.Status = b.Status
	stored.Payout = b.Payout
	stored.Settled = b.Settled
	stored.SettledAt = b.SettledAt
	q.record(func() { *stored = prev })
	return nil
}

func (q *queries) ListBetsByInstance(_ context.Context, instanceID uuid.UUID) ([]models.Bet, error) {
	defer q.lock()()
	var out []models.Bet
	for _, id := range q.s.betOrder {
		if b := q.s.bets[id]; b.InstanceID == instanceID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (q *queries) ListBetsByUser(_ context.Context, userID uuid.UUID, limit, offset int) ([]models.Bet, error) {
	defer q.lock()()
	var out []models.Bet
	for i := len(q.s.betOrder) - 1; i >= 0; i-- {
		if b := q.s.bets[q.s.betOrder[i]]; b.UserID == userID {
			out = append(out, *b)
		}
	}
	return paginate(out, limit, offset), nil
}

func (q *queries) ListHoldChecks(_ context.Context) ([]store.HoldCheck, error) {
	defer q.lock()()
	checks := make(map[uuid.UUID]*store.HoldCheck, len(q.s.wallets))
	for id, w := range q.s.wallets {
		checks[id] = &store.HoldCheck{UserID: id, Held: w.Held}
	}
	for _, b := range q.s.bets {
		if c, ok := checks[b.UserID]; ok && b.Status == domain.BetStatusAccepted {
			c.OpenBetStakes += b.Stake
		}
	}
	for _, t := range q.s.txs {
		if c, ok := checks[t.UserID]; ok && t.Kind == domain.TxKindWithdrawal && t.Status == domain.TxStatusPending {
			c.PendingWithdrawals += t.Amount + t.Fee
		}
	}
	out := make([]store.HoldCheck, 0, len(checks))
	for _, c := range checks {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID.String() < out[j].UserID.String() })
	return out, nil
}

func (q *queries) GetSupply(_ context.Context) (*store.Supply, error) {
	defer q.lock()()
	var s store.Supply
	for _, w := range q.s.wallets {
		s.Balances += w.Available + w.Held
	}
	for _, t := range q.s.txs {
		if t.Status != domain.TxStatusCompleted {
			continue
		}
		switch t.Kind {
		case domain.TxKindDeposit:
			s.Deposits += t.Amount
		case domain.TxKindCommission:
			s.Commissions += t.Amount
		case domain.TxKindWithdrawal:
			s.Withdrawals += t.Amount
		}
	}
	return &s, nil
}

func cloneInstance(inst *models.MarketInstance) *models.MarketInstance {
	out := *inst
	if inst.Pools != nil {
		out.Pools = inst.Pools.Clone()
	}
	out.Outcome = cloneOutcome(inst.Outcome)
	if inst.Summary != nil {
		s := *inst.Summary
		out.Summary = &s
	}
	if inst.SettledAt != nil {
		at := *inst.SettledAt
		out.SettledAt = &at
	}
	return &out
}

func cloneOutcome(o *models.Outcome) *models.Outcome {
	if o == nil {
		return nil
	}
	out := &models.Outcome{
		Winners:             make(map[domain.Market]domain.Selection, len(o.Winners)),
		TiedMarkets:         append([]domain.Market(nil), o.TiedMarkets...),
		IndecisionTriggered: o.IndecisionTriggered,
	}
	for k, v := range o.Winners {
		out.Winners[k] = v
	}
	return out
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
