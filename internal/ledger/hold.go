package ledger

import (
	"context"
	"fmt"

	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/models"
	"github.com/ayo6706/minority-rounds/internal/store"
	"github.com/google/uuid"
)

// ReleaseMode selects how a bet hold is reversed.
type ReleaseMode int

const (
	// ReleaseCancel returns the stake to the available balance.
	ReleaseCancel ReleaseMode = iota
	// ReleaseLoss forfeits the stake.
	ReleaseLoss
)

func (m ReleaseMode) String() string {
	if m == ReleaseLoss {
		return "loss"
	}
	return "cancel"
}

// HoldTx moves amount from available to held and records a pending
// bet_hold transaction. It must run inside the caller's transaction.
func (l *Ledger) HoldTx(ctx context.Context, q store.Queries, userID uuid.UUID, amount int64, reference string) (*models.Transaction, *models.Wallet, error) {
	if amount <= 0 {
		return nil, nil, domain.ErrInvalidAmount
	}
	w, err := l.lockWallet(ctx, q, userID, false)
	if err != nil {
		return nil, nil, err
	}
	if w.Available < amount {
		return nil, nil, domain.ErrInsufficientFunds
	}

	w.Available -= amount
	w.Held += amount
	if err := q.UpdateWalletBalances(ctx, w); err != nil {
		return nil, nil, fmt.Errorf("hold funds: %w", err)
	}

	t := l.newTransaction(userID, domain.TxKindBetHold, amount, 0, "", reference)
	if err := q.InsertTransaction(ctx, t); err != nil {
		return nil, nil, fmt.Errorf("insert hold transaction: %w", err)
	}
	return t, w, nil
}

// ReleaseTx reverses the hold holdTxID. The hold is finalized with a
// compare-and-set, so a second release of the same hold fails with
// domain.ErrInvalidStateChange and changes nothing.
func (l *Ledger) ReleaseTx(ctx context.Context, q store.Queries, userID uuid.UUID, amount int64, holdTxID uuid.UUID, mode ReleaseMode) (*models.Wallet, error) {
	w, hold, err := l.lockHold(ctx, q, userID, amount, holdTxID)
	if err != nil {
		return nil, err
	}

	now := l.clock.Now()
	w.Held -= amount
	kind, holdStatus := domain.TxKindRefund, domain.TxStatusFailed
	if mode == ReleaseLoss {
		kind, holdStatus = domain.TxKindBetLoss, domain.TxStatusCompleted
		w.TotalLost += amount
	} else {
		w.Available += amount
	}

	if err := transitionTransaction(ctx, q, hold, holdStatus, now); err != nil {
		return nil, err
	}
	if err := q.UpdateWalletBalances(ctx, w); err != nil {
		return nil, fmt.Errorf("release hold: %w", err)
	}
	if _, err := l.insertCompleted(ctx, q, userID, kind, amount, 0, "", hold.Reference); err != nil {
		return nil, err
	}
	return w, nil
}

// SettleWinTx releases the stake of a winning bet and pays out payout,
// which includes the returned stake.
func (l *Ledger) SettleWinTx(ctx context.Context, q store.Queries, userID uuid.UUID, stake, payout int64, holdTxID uuid.UUID) (*models.Wallet, error) {
	if payout < stake {
		return nil, fmt.Errorf("payout %d below stake %d: %w", payout, stake, domain.ErrSettlementInvariantViolation)
	}
	w, hold, err := l.lockHold(ctx, q, userID, stake, holdTxID)
	if err != nil {
		return nil, err
	}

	w.Held -= stake
	w.Available += payout
	w.TotalWon += payout - stake

	if err := transitionTransaction(ctx, q, hold, domain.TxStatusCompleted, l.clock.Now()); err != nil {
		return nil, err
	}
	if err := q.UpdateWalletBalances(ctx, w); err != nil {
		return nil, fmt.Errorf("settle win: %w", err)
	}
	if _, err := l.insertCompleted(ctx, q, userID, domain.TxKindBetWin, payout, 0, "", hold.Reference); err != nil {
		return nil, err
	}
	return w, nil
}

func (l *Ledger) lockHold(ctx context.Context, q store.Queries, userID uuid.UUID, amount int64, holdTxID uuid.UUID) (*models.Wallet, *models.Transaction, error) {
	w, err := l.lockWallet(ctx, q, userID, false)
	if err != nil {
		return nil, nil, err
	}
	hold, err := q.GetTransactionForUpdate(ctx, holdTxID)
	if err != nil {
		return nil, nil, fmt.Errorf("get hold %s: %w", holdTxID, err)
	}
	if hold.Kind != domain.TxKindBetHold || hold.UserID != userID || hold.Amount != amount {
		return nil, nil, fmt.Errorf("hold %s does not match release of %d for %s: %w", holdTxID, amount, userID, domain.ErrInvalidStateChange)
	}
	if w.Held < amount {
		return nil, nil, fmt.Errorf("held balance %d below release %d: %w", w.Held, amount, domain.ErrSettlementInvariantViolation)
	}
	return w, hold, nil
}
