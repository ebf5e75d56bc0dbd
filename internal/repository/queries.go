package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/models"
	"github.com/ayo6706/minority-rounds/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Queries struct {
	db DBTX
}

var _ store.Queries = (*Queries)(nil)

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

// mapErr translates pgx errors into the domain taxonomy.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03": // serialization_failure, deadlock_detected, lock_not_available
			return fmt.Errorf("%w: %s", domain.ErrConcurrencyConflict, pgErr.Message)
		case "23505": // unique_violation
			if strings.Contains(pgErr.ConstraintName, "idempotency_key") || strings.Contains(pgErr.ConstraintName, "duration_seconds_sequence") {
				return fmt.Errorf("%w: %s", domain.ErrConcurrencyConflict, pgErr.ConstraintName)
			}
		}
	}
	return err
}

const walletColumns = `user_id, available_micros, held_micros, total_deposited_micros, total_withdrawn_micros,
	total_won_micros, total_lost_micros, created_at, updated_at`

func scanWallet(row pgx.Row) (*models.Wallet, error) {
	var w models.Wallet
	err := row.Scan(&w.UserID, &w.Available, &w.Held, &w.TotalDeposited, &w.TotalWithdrawn,
		&w.TotalWon, &w.TotalLost, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &w, nil
}

func (q *Queries) CreateWallet(ctx context.Context, w *models.Wallet) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		INSERT INTO wallets (user_id, available_micros, held_micros, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (user_id) DO NOTHING`,
		w.UserID, w.Available, w.Held)
	if err != nil {
		return false, fmt.Errorf("create wallet: %w", mapErr(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (q *Queries) GetWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	return scanWallet(q.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID))
}

func (q *Queries) GetWalletForUpdate(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	return scanWallet(q.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, userID))
}

func (q *Queries) UpdateWalletBalances(ctx context.Context, w *models.Wallet) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE wallets
		SET available_micros = $2, held_micros = $3,
			total_deposited_micros = $4, total_withdrawn_micros = $5,
			total_won_micros = $6, total_lost_micros = $7,
			updated_at = NOW()
		WHERE user_id = $1`,
		w.UserID, w.Available, w.Held, w.TotalDeposited, w.TotalWithdrawn, w.TotalWon, w.TotalLost)
	if err != nil {
		return fmt.Errorf("update wallet: %w", mapErr(err))
	}
	return requireExactlyOne(tag.RowsAffected(), "update wallet")
}

const transactionColumns = `id, user_id, kind, amount_micros, fee_micros, status, idempotency_key, reference,
	created_at, updated_at, completed_at`

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(&t.ID, &t.UserID, &t.Kind, &t.Amount, &t.Fee, &t.Status, &t.IdempotencyKey, &t.Reference,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}

func collectTransactions(rows pgx.Rows, err error) ([]models.Transaction, error) {
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, mapErr(rows.Err())
}

func (q *Queries) InsertTransaction(ctx context.Context, t *models.Transaction) error {
	err := q.db.QueryRow(ctx, `
		INSERT INTO transactions (id, user_id, kind, amount_micros, fee_micros, status, idempotency_key, reference, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW(), $9)
		RETURNING created_at, updated_at`,
		t.ID, t.UserID, t.Kind, t.Amount, t.Fee, t.Status, t.IdempotencyKey, t.Reference, t.CompletedAt,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", mapErr(err))
	}
	return nil
}

func (q *Queries) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return scanTransaction(q.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
}

func (q *Queries) GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return scanTransaction(q.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
}

func (q *Queries) GetTransactionByKey(ctx context.Context, key string) (*models.Transaction, error) {
	return scanTransaction(q.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = $1`, key))
}

func (q *Queries) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, from, to string, at time.Time) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE transactions
		SET status = $3, updated_at = $4,
			completed_at = CASE WHEN $3 = 'COMPLETED' THEN $4 ELSE completed_at END
		WHERE id = $1 AND status = $2`,
		id, from, to, at)
	if err != nil {
		return false, fmt.Errorf("update transaction status: %w", mapErr(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (q *Queries) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Transaction, error) {
	return collectTransactions(q.db.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`, userID, limit, offset))
}

func (q *Queries) SumWithdrawalsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error) {
	var total int64
	err := q.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_micros), 0)::BIGINT
		FROM transactions
		WHERE user_id = $1 AND kind = 'withdrawal'
		  AND status IN ('PENDING', 'COMPLETED')
		  AND created_at >= $2`, userID, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum withdrawals: %w", mapErr(err))
	}
	return total, nil
}

func (q *Queries) ListPendingWithdrawals(ctx context.Context, limit int) ([]models.Transaction, error) {
	return collectTransactions(q.db.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE kind = 'withdrawal' AND status = 'PENDING'
		ORDER BY created_at
		LIMIT $1`, limit))
}

const instanceColumns = `i.id, i.duration_seconds, i.sequence, i.window_start, i.window_end, i.freeze_at, i.master_start,
	i.status, i.outcome, i.summary, i.voided, i.created_at, i.settled_at,
	COALESCE((SELECT jsonb_object_agg(p.selection, p.amount_micros) FROM instance_pools p WHERE p.instance_id = i.id), '{}'::jsonb)`

func scanInstance(row pgx.Row) (*models.MarketInstance, error) {
	var (
		inst                   models.MarketInstance
		durationSeconds        int64
		outcome, summary, pool []byte
	)
	err := row.Scan(&inst.ID, &durationSeconds, &inst.Sequence, &inst.WindowStart, &inst.WindowEnd, &inst.FreezeAt,
		&inst.MasterStart, &inst.Status, &outcome, &summary, &inst.Voided, &inst.CreatedAt, &inst.SettledAt, &pool)
	if err != nil {
		return nil, mapErr(err)
	}
	inst.Duration = time.Duration(durationSeconds) * time.Second
	if len(outcome) > 0 {
		inst.Outcome = &models.Outcome{}
		if err := json.Unmarshal(outcome, inst.Outcome); err != nil {
			return nil, fmt.Errorf("decode outcome: %w", err)
		}
	}
	if len(summary) > 0 {
		inst.Summary = &models.SettlementSummary{}
		if err := json.Unmarshal(summary, inst.Summary); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
	}
	raw := models.PoolTotals{}
	if err := json.Unmarshal(pool, &raw); err != nil {
		return nil, fmt.Errorf("decode pools: %w", err)
	}
	inst.Pools = raw.Clone()
	return &inst, nil
}

func collectInstances(rows pgx.Rows, err error) ([]models.MarketInstance, error) {
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []models.MarketInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, mapErr(rows.Err())
}

func (q *Queries) InsertInstance(ctx context.Context, inst *models.MarketInstance) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		INSERT INTO market_instances (id, duration_seconds, sequence, window_start, window_end, freeze_at, master_start, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT DO NOTHING`,
		inst.ID, int64(inst.Duration/time.Second), inst.Sequence, inst.WindowStart, inst.WindowEnd, inst.FreezeAt,
		inst.MasterStart, inst.Status)
	if err != nil {
		return false, fmt.Errorf("insert instance: %w", mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	selections := make([]string, 0, len(domain.Selections))
	for _, sel := range domain.Selections {
		selections = append(selections, string(sel))
	}
	if _, err := q.db.Exec(ctx, `
		INSERT INTO instance_pools (instance_id, selection, amount_micros)
		SELECT $1, s, 0 FROM unnest($2::TEXT[]) AS s
		ON CONFLICT DO NOTHING`, inst.ID, selections); err != nil {
		return false, fmt.Errorf("insert instance pools: %w", mapErr(err))
	}
	return true, nil
}

func (q *Queries) GetInstance(ctx context.Context, id uuid.UUID) (*models.MarketInstance, error) {
	return scanInstance(q.db.QueryRow(ctx, `SELECT `+instanceColumns+` FROM market_instances i WHERE i.id = $1`, id))
}

func (q *Queries) GetInstanceForShare(ctx context.Context, id uuid.UUID) (*models.MarketInstance, error) {
	return scanInstance(q.db.QueryRow(ctx, `SELECT `+instanceColumns+` FROM market_instances i WHERE i.id = $1 FOR SHARE OF i`, id))
}

func (q *Queries) GetInstanceForUpdate(ctx context.Context, id uuid.UUID) (*models.MarketInstance, error) {
	return scanInstance(q.db.QueryRow(ctx, `SELECT `+instanceColumns+` FROM market_instances i WHERE i.id = $1 FOR UPDATE OF i`, id))
}

func (q *Queries) TransitionInstance(ctx context.Context, id uuid.UUID, from, to string) (bool, error) {
	tag, err := q.db.Exec(ctx, `UPDATE market_instances SET status = $3 WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("transition instance: %w", mapErr(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (q *Queries) SaveInstanceOutcome(ctx context.Context, id uuid.UUID, outcome *models.Outcome, summary *models.SettlementSummary) error {
	outcomeJSON, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	tag, err := q.db.Exec(ctx, `UPDATE market_instances SET outcome = $2, summary = $3 WHERE id = $1`, id, outcomeJSON, summaryJSON)
	if err != nil {
		return fmt.Errorf("save outcome: %w", mapErr(err))
	}
	return requireExactlyOne(tag.RowsAffected(), "save outcome")
}

func (q *Queries) MarkInstanceSettled(ctx context.Context, id uuid.UUID, at time.Time, voided bool) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE market_instances
		SET status = 'SETTLED', settled_at = $2, voided = $3
		WHERE id = $1 AND status = 'FROZEN'`, id, at, voided)
	if err != nil {
		return false, fmt.Errorf("mark instance settled: %w", mapErr(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (q *Queries) ListUnsettledInstances(ctx context.Context) ([]models.MarketInstance, error) {
	return collectInstances(q.db.Query(ctx, `
		SELECT `+instanceColumns+`
		FROM market_instances i
		WHERE i.status <> 'SETTLED'
		ORDER BY i.window_start, i.duration_seconds`))
}

func (q *Queries) LatestInstance(ctx context.Context, duration time.Duration) (*models.MarketInstance, error) {
	return scanInstance(q.db.QueryRow(ctx, `
		SELECT `+instanceColumns+`
		FROM market_instances i
		WHERE i.duration_seconds = $1
		ORDER BY i.sequence DESC
		LIMIT 1`, int64(duration/time.Second)))
}

func (q *Queries) ListSettledInstances(ctx context.Context, duration time.Duration, limit, offset int) ([]models.MarketInstance, error) {
	return collectInstances(q.db.Query(ctx, `
		SELECT `+instanceColumns+`
		FROM market_instances i
		WHERE i.duration_seconds = $1 AND i.status = 'SETTLED'
		ORDER BY i.sequence DESC
		LIMIT $2 OFFSET $3`, int64(duration/time.Second), limit, offset))
}

func (q *Queries) ListSettledBetween(ctx context.Context, from, to time.Time) ([]models.MarketInstance, error) {
	return collectInstances(q.db.Query(ctx, `
		SELECT `+instanceColumns+`
		FROM market_instances i
		WHERE i.settled_at >= $1 AND i.settled_at < $2
		ORDER BY i.settled_at`, from, to))
}

func (q *Queries) IncrementPool(ctx context.Context, instanceID uuid.UUID, sel domain.Selection, delta int64) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE instance_pools
		SET amount_micros = amount_micros + $3
		WHERE instance_id = $1 AND selection = $2`, instanceID, string(sel), delta)
	if err != nil {
		return fmt.Errorf("increment pool: %w", mapErr(err))
	}
	return requireExactlyOne(tag.RowsAffected(), "increment pool")
}

func (q *Queries) GetPools(ctx context.Context, instanceID uuid.UUID) (models.PoolTotals, error) {
	rows, err := q.db.Query(ctx, `SELECT selection, amount_micros FROM instance_pools WHERE instance_id = $1`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("get pools: %w", mapErr(err))
	}
	defer rows.Close()
	pools := models.PoolTotals{}
	found := false
	for rows.Next() {
		var (
			sel    string
			amount int64
		)
		if err := rows.Scan(&sel, &amount); err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		pools[domain.Selection(sel)] = amount
		found = true
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	if !found {
		return nil, domain.ErrNotFound
	}
	return pools.Clone(), nil
}

const betColumns = `id, user_id, instance_id, duration_seconds, market, selection, stake_micros, status, payout_micros,
	settled, hold_transaction_id, idempotency_key, placed_at, settled_at`

func scanBet(row pgx.Row) (*models.Bet, error) {
	var (
		b               models.Bet
		durationSeconds int64
		market, sel     string
	)
	err := row.Scan(&b.ID, &b.UserID, &b.InstanceID, &durationSeconds, &market, &sel, &b.Stake, &b.Status, &b.Payout,
		&b.Settled, &b.HoldTxID, &b.IdempotencyKey, &b.PlacedAt, &b.SettledAt)
	if err != nil {
		return nil, mapErr(err)
	}
	b.Duration = time.Duration(durationSeconds) * time.Second
	b.Market = domain.Market(market)
	b.Selection = domain.Selection(sel)
	return &b, nil
}

func collectBets(rows pgx.Rows, err error) ([]models.Bet, error) {
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []models.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, mapErr(rows.Err())
}

func (q *Queries) InsertBet(ctx context.Context, b *models.Bet) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO bets (id, user_id, instance_id, duration_seconds, market, selection, stake_micros, status,
			payout_micros, settled, hold_transaction_id, idempotency_key, placed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, FALSE, $9, $10, $11)`,
		b.ID, b.UserID, b.InstanceID, int64(b.Duration/time.Second), string(b.Market), string(b.Selection), b.Stake,
		b.Status, b.HoldTxID, b.IdempotencyKey, b.PlacedAt)
	if err != nil {
		return fmt.Errorf("insert bet: %w", mapErr(err))
	}
	return nil
}

func (q *Queries) GetBet(ctx context.Context, id uuid.UUID) (*models.Bet, error) {
	return scanBet(q.db.QueryRow(ctx, `SELECT `+betColumns+` FROM bets WHERE id = $1`, id))
}

func (q *Queries) GetBetForUpdate(ctx context.Context, id uuid.UUID) (*models.Bet, error) {
	return scanBet(q.db.QueryRow(ctx, `SELECT `+betColumns+` FROM bets WHERE id = $1 FOR UPDATE`, id))
}

func (q *Queries) GetBetByKey(ctx context.Context, userID uuid.UUID, key string) (*models.Bet, error) {
	return scanBet(q.db.QueryRow(ctx, `SELECT `+betColumns+` FROM bets WHERE user_id = $1 AND idempotency_key = $2`, userID, key))
}

func (q *Queries) UpdateBetResult(ctx context.Context, b *models.Bet) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE bets
		SET status = $2, payout_micros = $3, settled = $4, settled_at = $5
		WHERE id = $1`, b.ID, b.Status, b.Payout, b.Settled, b.SettledAt)
	if err != nil {
		return fmt.Errorf("update bet: %w", mapErr(err))
	}
	return requireExactlyOne(tag.RowsAffected(), "update bet")
}

func (q *Queries) ListBetsByInstance(ctx context.Context, instanceID uuid.UUID) ([]models.Bet, error) {
	return collectBets(q.db.Query(ctx, `
		SELECT `+betColumns+`
		FROM bets
		WHERE instance_id = $1
		ORDER BY placed_at, id`, instanceID))
}

func (q *Queries) ListBetsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Bet, error) {
	return collectBets(q.db.Query(ctx, `
		SELECT `+betColumns+`
		FROM bets
		WHERE user_id = $1
		ORDER BY placed_at DESC, id
		LIMIT $2 OFFSET $3`, userID, limit, offset))
}

func (q *Queries) ListHoldChecks(ctx context.Context) ([]store.HoldCheck, error) {
	rows, err := q.db.Query(ctx, `
		SELECT w.user_id, w.held_micros,
			COALESCE((SELECT SUM(b.stake_micros) FROM bets b WHERE b.user_id = w.user_id AND b.status = 'ACCEPTED'), 0)::BIGINT,
			COALESCE((SELECT SUM(t.amount_micros + t.fee_micros) FROM transactions t
				WHERE t.user_id = w.user_id AND t.kind = 'withdrawal' AND t.status = 'PENDING'), 0)::BIGINT
		FROM wallets w
		ORDER BY w.user_id`)
	if err != nil {
		return nil, fmt.Errorf("list hold checks: %w", mapErr(err))
	}
	defer rows.Close()
	var out []store.HoldCheck
	for rows.Next() {
		var c store.HoldCheck
		if err := rows.Scan(&c.UserID, &c.Held, &c.OpenBetStakes, &c.PendingWithdrawals); err != nil {
			return nil, fmt.Errorf("scan hold check: %w", err)
		}
		out = append(out, c)
	}
	return out, mapErr(rows.Err())
}

func (q *Queries) GetSupply(ctx context.Context) (*store.Supply, error) {
	var s store.Supply
	err := q.db.QueryRow(ctx, `
		SELECT
			(SELECT COALESCE(SUM(available_micros + held_micros), 0) FROM wallets)::BIGINT,
			COALESCE(SUM(amount_micros) FILTER (WHERE kind = 'deposit'), 0)::BIGINT,
			COALESCE(SUM(amount_micros) FILTER (WHERE kind = 'commission'), 0)::BIGINT,
			COALESCE(SUM(amount_micros) FILTER (WHERE kind = 'withdrawal'), 0)::BIGINT
		FROM transactions
		WHERE status = 'COMPLETED'`).Scan(&s.Balances, &s.Deposits, &s.Commissions, &s.Withdrawals)
	if err != nil {
		return nil, fmt.Errorf("get supply: %w", mapErr(err))
	}
	return &s, nil
}

func requireExactlyOne(rows int64, operation string) error {
	if rows != 1 {
		return fmt.Errorf("%s affected %d rows", operation, rows)
	}
	return nil
}
