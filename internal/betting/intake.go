// Package betting accepts and cancels bets against open market instances.
package betting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ayo6706/minority-rounds/internal/accounts"
	"github.com/ayo6706/minority-rounds/internal/book"
	"github.com/ayo6706/minority-rounds/internal/clock"
	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/ledger"
	"github.com/ayo6706/minority-rounds/internal/models"
	"github.com/ayo6706/minority-rounds/internal/observability"
	"github.com/ayo6706/minority-rounds/internal/pool"
	"github.com/ayo6706/minority-rounds/internal/rounds"
	"github.com/ayo6706/minority-rounds/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Limits bounds a single stake. The maximum depends on the account tier.
type Limits struct {
	Min         int64
	MaxStandard int64
	MaxPremium  int64
}

// DefaultLimits are $1 minimum, $100 standard and $1000 premium maximum.
var DefaultLimits = Limits{
	Min:         domain.Dollars(1).Micros(),
	MaxStandard: domain.Dollars(100).Micros(),
	MaxPremium:  domain.Dollars(1000).Micros(),
}

func (l Limits) max(acc *models.Account) int64 {
	if acc.IsPremium() {
		return l.MaxPremium
	}
	return l.MaxStandard
}

// Service is the bet intake. It never talks to the scheduler; instance
// status and the freeze point are read from the book inside the bet
// transaction.
type Service struct {
	books    book.Set
	accounts accounts.Directory
	clock    clock.Clock
	limits   Limits
}

func NewService(books book.Set, dir accounts.Directory, clk clock.Clock, limits Limits) *Service {
	if dir == nil {
		dir = accounts.NewStaticDirectory()
	}
	if clk == nil {
		clk = clock.System{}
	}
	if limits == (Limits{}) {
		limits = DefaultLimits
	}
	return &Service{books: books, accounts: dir, clock: clk, limits: limits}
}

type PlaceBetRequest struct {
	UserID         uuid.UUID
	InstanceID     uuid.UUID
	Market         domain.Market
	Selection      domain.Selection
	Amount         int64
	Demo           bool
	IdempotencyKey string
}

type PlaceBetResult struct {
	Bet      models.Bet     `json:"bet"`
	Wallet   *models.Wallet `json:"wallet"`
	Replayed bool           `json:"replayed"`
}

// PlaceBet validates the request, holds the stake and records the bet in
// one transaction. A repeated idempotency key returns the original bet.
func (s *Service) PlaceBet(ctx context.Context, req PlaceBetRequest) (*PlaceBetResult, error) {
	b, err := s.book(req.Demo)
	if err != nil {
		return nil, err
	}
	if err := domain.ValidateSelection(req.Market, req.Selection); err != nil {
		return nil, err
	}
	acc, err := s.accounts.Account(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolve account: %w", err)
	}
	if req.Amount < s.limits.Min || req.Amount > s.limits.max(acc) {
		return nil, fmt.Errorf("%w: stake must be between %s and %s", domain.ErrInvalidAmount,
			domain.Money(s.limits.Min), domain.Money(s.limits.max(acc)))
	}
	if !req.Demo && !acc.ComplianceCleared {
		return nil, domain.ErrComplianceRequired
	}

	var (
		res    *PlaceBetResult
		commit pool.Commit
	)
	err = store.RunInTxRetry(ctx, b.Store, func(q store.Queries) error {
		res, commit = nil, nil
		if req.IdempotencyKey != "" {
			prior, err := q.GetBetByKey(ctx, req.UserID, req.IdempotencyKey)
			if err == nil {
				if prior.InstanceID != req.InstanceID || prior.Selection != req.Selection || prior.Stake != req.Amount {
					return domain.ErrIdempotencyMismatch
				}
				w, err := q.GetWallet(ctx, req.UserID)
				if err != nil {
					return err
				}
				res = &PlaceBetResult{Bet: *prior, Wallet: w, Replayed: true}
				return nil
			}
			if !errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("lookup bet key: %w", err)
			}
		}

		inst, err := q.GetInstanceForShare(ctx, req.InstanceID)
		if err != nil {
			return fmt.Errorf("lock instance: %w", err)
		}
		if domain.IsPremiumDuration(inst.Duration) && !acc.IsPremium() {
			return domain.ErrPremiumRequired
		}
		if err := s.checkOpen(inst); err != nil {
			return err
		}

		betID := uuid.New()
		hold, w, err := b.Ledger.HoldTx(ctx, q, req.UserID, req.Amount, betID.String())
		if err != nil {
			return err
		}
		commit, err = b.Pools.AddStakeTx(ctx, q, inst.ID, req.Selection, req.Amount)
		if err != nil {
			return err
		}

		bet := &models.Bet{
			ID:         betID,
			UserID:     req.UserID,
			InstanceID: inst.ID,
			Duration:   inst.Duration,
			Market:     req.Market,
			Selection:  req.Selection,
			Stake:      req.Amount,
			Demo:       b.Demo,
			Status:     domain.BetStatusAccepted,
			HoldTxID:   hold.ID,
			PlacedAt:   s.clock.Now(),
		}
		if req.IdempotencyKey != "" {
			key := req.IdempotencyKey
			bet.IdempotencyKey = &key
		}
		if err := q.InsertBet(ctx, bet); err != nil {
			return fmt.Errorf("insert bet: %w", err)
		}
		res = &PlaceBetResult{Bet: *bet, Wallet: w}
		return nil
	})
	if err != nil {
		observability.IncrementBet(b.Name, "unknown", betRejection(err))
		return nil, err
	}
	if res.Replayed {
		observability.IncrementBet(b.Name, domain.DurationLabel(res.Bet.Duration), "replayed")
		return res, nil
	}

	commit(ctx)
	observability.IncrementBet(b.Name, domain.DurationLabel(res.Bet.Duration), "accepted")
	zap.L().Info("bet accepted",
		zap.String("book", b.Name),
		zap.String("bet_id", res.Bet.ID.String()),
		zap.String("user_id", req.UserID.String()),
		zap.String("instance_id", req.InstanceID.String()),
		zap.String("selection", string(req.Selection)),
		zap.Int64("stake_micros", req.Amount),
	)
	return res, nil
}

type CancelBetResult struct {
	Bet    models.Bet     `json:"bet"`
	Wallet *models.Wallet `json:"wallet"`
}

// CancelBet returns the stake of an accepted bet while its instance is
// still open and before the freeze point.
func (s *Service) CancelBet(ctx context.Context, userID, betID uuid.UUID, demo bool) (*CancelBetResult, error) {
	b, err := s.book(demo)
	if err != nil {
		return nil, err
	}

	var (
		res    *CancelBetResult
		commit pool.Commit
	)
	err = store.RunInTxRetry(ctx, b.Store, func(q store.Queries) error {
		bet, err := q.GetBetForUpdate(ctx, betID)
		if err != nil {
			return err
		}
		if bet.UserID != userID {
			return domain.ErrNotFound
		}
		if bet.Status != domain.BetStatusAccepted || bet.Settled {
			return fmt.Errorf("bet is %s: %w", bet.Status, domain.ErrBetNotCancellable)
		}
		inst, err := q.GetInstanceForShare(ctx, bet.InstanceID)
		if err != nil {
			return fmt.Errorf("lock instance: %w", err)
		}
		if err := s.checkOpen(inst); err != nil {
			return err
		}

		w, err := b.Ledger.ReleaseTx(ctx, q, userID, bet.Stake, bet.HoldTxID, ledger.ReleaseCancel)
		if err != nil {
			return err
		}
		commit, err = b.Pools.SubtractStakeTx(ctx, q, inst.ID, bet.Selection, bet.Stake)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		bet.Status = domain.BetStatusCancelled
		bet.Settled = true
		bet.SettledAt = &now
		if err := q.UpdateBetResult(ctx, bet); err != nil {
			return fmt.Errorf("update bet: %w", err)
		}
		res = &CancelBetResult{Bet: *bet, Wallet: w}
		return nil
	})
	if err != nil {
		return nil, err
	}
	commit(ctx)
	observability.IncrementBet(b.Name, domain.DurationLabel(res.Bet.Duration), "cancelled")
	return res, nil
}

// checkOpen enforces the freeze point on the server clock.
func (s *Service) checkOpen(inst *models.MarketInstance) error {
	if inst.Status != domain.InstanceStatusOpen {
		return fmt.Errorf("instance %s is %s: %w", inst.ID, inst.Status, domain.ErrInstanceNotOpen)
	}
	if !s.clock.Now().Before(inst.FreezeAt) {
		return domain.ErrLateSubmission
	}
	return nil
}

// InstanceView is the live state of an instance as shown to bettors.
type InstanceView struct {
	Instance         models.MarketInstance `json:"instance"`
	Pools            models.PoolTotals     `json:"pools"`
	Remaining        time.Duration         `json:"-"`
	RemainingSeconds int64                 `json:"remaining_seconds"`
	ServerNow        time.Time             `json:"server_time"`
}

// GetOpenInstance returns the newest unsettled instance of duration d with
// its live pools.
func (s *Service) GetOpenInstance(ctx context.Context, d time.Duration, demo bool) (*InstanceView, error) {
	b, err := s.book(demo)
	if err != nil {
		return nil, err
	}
	inst, err := b.Store.Queries().LatestInstance(ctx, d)
	if err != nil {
		return nil, err
	}
	if inst.Status == domain.InstanceStatusSettled {
		return nil, fmt.Errorf("no live %s instance: %w", domain.DurationLabel(d), domain.ErrNotFound)
	}
	pools, err := b.Pools.Totals(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	remaining := rounds.Remaining(inst, now)
	return &InstanceView{
		Instance:         *inst,
		Pools:            pools,
		Remaining:        remaining,
		RemainingSeconds: int64(remaining / time.Second),
		ServerNow:        now,
	}, nil
}

// GetHistory pages through settled instances of duration d, newest first.
// Pages start at 1.
func (s *Service) GetHistory(ctx context.Context, d time.Duration, demo bool, page, limit int) ([]models.MarketInstance, error) {
	b, err := s.book(demo)
	if err != nil {
		return nil, err
	}
	page, limit = normalizePage(page, limit)
	return b.Store.Queries().ListSettledInstances(ctx, d, limit, (page-1)*limit)
}

// ListBets returns the user's bets, newest first.
func (s *Service) ListBets(ctx context.Context, userID uuid.UUID, demo bool, page, limit int) ([]models.Bet, error) {
	b, err := s.book(demo)
	if err != nil {
		return nil, err
	}
	page, limit = normalizePage(page, limit)
	return b.Store.Queries().ListBetsByUser(ctx, userID, limit, (page-1)*limit)
}

func (s *Service) book(demo bool) (*book.Book, error) {
	b := s.books.For(demo)
	if b == nil {
		return nil, fmt.Errorf("demo book disabled: %w", domain.ErrForbidden)
	}
	return b, nil
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return page, limit
}

func betRejection(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, domain.ErrLateSubmission):
		return "late"
	case errors.Is(err, domain.ErrInstanceNotOpen):
		return "not_open"
	case errors.Is(err, domain.ErrPremiumRequired):
		return "premium_required"
	default:
		return "rejected"
	}
}
