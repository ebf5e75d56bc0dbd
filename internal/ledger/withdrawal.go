package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ayo6706/minority-rounds/internal/clock"
	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/models"
	"github.com/ayo6706/minority-rounds/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type WithdrawalRequest struct {
	UserID         uuid.UUID
	Amount         int64
	IdempotencyKey string
}

// Withdraw holds amount plus fee and records a pending withdrawal. The
// daily cap is checked under the wallet lock so concurrent requests from
// the same user cannot both pass it.
func (l *Ledger) Withdraw(ctx context.Context, req WithdrawalRequest) (*EntryResult, error) {
	if l.demo {
		return nil, fmt.Errorf("withdraw from demo wallet: %w", domain.ErrForbidden)
	}
	if req.UserID == domain.HouseUserID {
		return nil, fmt.Errorf("withdraw from house wallet: %w", domain.ErrForbidden)
	}
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	premium := false
	if l.accounts != nil {
		acc, err := l.accounts.Account(ctx, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("resolve account: %w", err)
		}
		premium = acc.IsPremium()
	}

	fee := domain.Fee(req.Amount)
	entry := EntryRequest{
		UserID:         req.UserID,
		Amount:         req.Amount,
		Kind:           domain.TxKindWithdrawal,
		IdempotencyKey: userKey(domain.TxKindWithdrawal, req.UserID, req.IdempotencyKey),
	}

	var res *EntryResult
	err := store.RunInTxRetry(ctx, l.store, func(q store.Queries) error {
		// 1. Lock the wallet; every other withdrawal of this user waits here.
		w, err := l.lockWallet(ctx, q, req.UserID, false)
		if err != nil {
			return err
		}
		if res, err = l.replay(ctx, q, entry); res != nil || err != nil {
			return err
		}

		// 2. Daily cap over pending and completed withdrawals of the UTC day.
		if !premium && l.dailyWithdrawalCap > 0 {
			used, err := q.SumWithdrawalsSince(ctx, req.UserID, clock.StartOfDay(l.clock.Now()))
			if err != nil {
				return err
			}
			if used+req.Amount > l.dailyWithdrawalCap {
				return domain.ErrDailyCapExceeded
			}
		}

		// 3. Hold amount + fee until the gateway answers.
		if w.Available < req.Amount+fee {
			return domain.ErrInsufficientFunds
		}
		w.Available -= req.Amount + fee
		w.Held += req.Amount + fee
		if err := q.UpdateWalletBalances(ctx, w); err != nil {
			return fmt.Errorf("hold withdrawal funds: %w", err)
		}

		t := l.newTransaction(req.UserID, domain.TxKindWithdrawal, req.Amount, fee, entry.IdempotencyKey, "")
		if err := q.InsertTransaction(ctx, t); err != nil {
			return fmt.Errorf("insert withdrawal: %w", err)
		}
		res = &EntryResult{Transaction: *t, Wallet: w}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ListPendingWithdrawals returns up to limit withdrawals awaiting the gateway, oldest first.
func (l *Ledger) ListPendingWithdrawals(ctx context.Context, limit int) ([]models.Transaction, error) {
	return l.store.Queries().ListPendingWithdrawals(ctx, limit)
}

// CompleteWithdrawal releases the held funds of a sent withdrawal and
// credits its fee to the house. Finalizing an already final withdrawal is
// a no-op that returns its current state.
func (l *Ledger) CompleteWithdrawal(ctx context.Context, txID uuid.UUID) (*models.Transaction, error) {
	return l.finalizeWithdrawal(ctx, txID, true)
}

// FailWithdrawal returns the held amount and fee to the available balance.
func (l *Ledger) FailWithdrawal(ctx context.Context, txID uuid.UUID) (*models.Transaction, error) {
	return l.finalizeWithdrawal(ctx, txID, false)
}

func (l *Ledger) finalizeWithdrawal(ctx context.Context, txID uuid.UUID, success bool) (*models.Transaction, error) {
	var (
		t       *models.Transaction
		changed bool
	)
	err := store.RunInTxRetry(ctx, l.store, func(q store.Queries) error {
		changed = false
		var err error
		t, err = q.GetTransaction(ctx, txID)
		if err != nil {
			return fmt.Errorf("get withdrawal %s: %w", txID, err)
		}
		if t.Kind != domain.TxKindWithdrawal {
			return fmt.Errorf("transaction %s is %s, not a withdrawal: %w", txID, t.Kind, domain.ErrInvalidStateChange)
		}
		if t.Status != domain.TxStatusPending {
			return nil
		}

		w, err := l.lockWallet(ctx, q, t.UserID, false)
		if err != nil {
			return err
		}
		t, err = q.GetTransactionForUpdate(ctx, txID)
		if err != nil {
			return err
		}
		if t.Status != domain.TxStatusPending {
			return nil
		}

		held := t.Amount + t.Fee
		if w.Held < held {
			return fmt.Errorf("held balance %d below withdrawal %d: %w", w.Held, held, domain.ErrSettlementInvariantViolation)
		}
		next := domain.TxStatusFailed
		w.Held -= held
		if success {
			next = domain.TxStatusCompleted
			w.TotalWithdrawn += t.Amount
		} else {
			w.Available += held
		}

		if err := transitionTransaction(ctx, q, t, next, l.clock.Now()); err != nil {
			return err
		}
		if err := q.UpdateWalletBalances(ctx, w); err != nil {
			return fmt.Errorf("finalize withdrawal: %w", err)
		}
		if success && t.Fee > 0 {
			_, err := l.CreditTx(ctx, q, EntryRequest{
				UserID:         domain.HouseUserID,
				Amount:         t.Fee,
				Kind:           domain.TxKindFee,
				IdempotencyKey: "withdrawal-fee:" + t.ID.String(),
				Reference:      t.ID.String(),
			})
			if err != nil {
				return fmt.Errorf("credit withdrawal fee: %w", err)
			}
		}
		changed = true
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrSettlementInvariantViolation) {
			l.logger().Error("withdrawal hold mismatch", zap.String("transaction_id", txID.String()), zap.Error(err))
		}
		return nil, err
	}
	if changed {
		l.notify(ctx, *t)
	}
	return t, nil
}
