package ledger

import (
	"context"
	"fmt"

	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/models"
	"github.com/ayo6706/minority-rounds/internal/store"
	"github.com/google/uuid"
)

type TransferRequest struct {
	From           uuid.UUID
	To             uuid.UUID
	Amount         int64
	IdempotencyKey string
}

type TransferResult struct {
	Sent     models.Transaction `json:"sent"`
	Received models.Transaction `json:"received"`
	Fee      int64              `json:"fee_micros"`
	Wallet   *models.Wallet     `json:"wallet"`
	Replayed bool               `json:"replayed"`
}

// Transfer moves Amount between two users. The sender also pays the fee,
// which is credited to the house wallet.
func (l *Ledger) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if l.demo {
		return nil, fmt.Errorf("transfer demo funds: %w", domain.ErrForbidden)
	}
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if req.From == req.To {
		return nil, domain.ErrSelfTransfer
	}
	if req.From == domain.HouseUserID || req.To == domain.HouseUserID {
		return nil, fmt.Errorf("transfer involving house wallet: %w", domain.ErrForbidden)
	}

	fee := domain.Fee(req.Amount)
	sentKey := userKey(domain.TxKindTransferSent, req.From, req.IdempotencyKey)
	var receivedKey string
	if sentKey != "" {
		receivedKey = sentKey + ":received"
	}

	var res *TransferResult
	err := store.RunInTxRetry(ctx, l.store, func(q store.Queries) error {
		// 1. Lock both wallets in a consistent order to prevent deadlocks.
		first, second := req.From, req.To
		if first.String() > second.String() {
			first, second = second, first
		}
		locked := make(map[uuid.UUID]*models.Wallet, 2)
		for _, id := range []uuid.UUID{first, second} {
			w, err := l.lockWallet(ctx, q, id, false)
			if err != nil {
				return err
			}
			locked[id] = w
		}
		from, to := locked[req.From], locked[req.To]

		// 2. Replay.
		if sentKey != "" {
			prior, err := l.replay(ctx, q, EntryRequest{UserID: req.From, Amount: req.Amount, Kind: domain.TxKindTransferSent, IdempotencyKey: sentKey})
			if err != nil {
				return err
			}
			if prior != nil {
				received, err := q.GetTransactionByKey(ctx, receivedKey)
				if err != nil {
					return fmt.Errorf("load received leg: %w", err)
				}
				if received.UserID != req.To {
					return domain.ErrIdempotencyMismatch
				}
				res = &TransferResult{Sent: prior.Transaction, Received: *received, Fee: prior.Transaction.Fee, Wallet: from, Replayed: true}
				return nil
			}
		}

		// 3. Move the money.
		if from.Available < req.Amount+fee {
			return domain.ErrInsufficientFunds
		}
		from.Available -= req.Amount + fee
		to.Available += req.Amount
		if err := q.UpdateWalletBalances(ctx, from); err != nil {
			return fmt.Errorf("debit sender: %w", err)
		}
		if err := q.UpdateWalletBalances(ctx, to); err != nil {
			return fmt.Errorf("credit receiver: %w", err)
		}

		sent, err := l.insertCompleted(ctx, q, req.From, domain.TxKindTransferSent, req.Amount, fee, sentKey, req.To.String())
		if err != nil {
			return err
		}
		received, err := l.insertCompleted(ctx, q, req.To, domain.TxKindTransferReceived, req.Amount, 0, receivedKey, req.From.String())
		if err != nil {
			return err
		}

		// 4. Fee to the house, always locked last.
		if fee > 0 {
			_, err := l.CreditTx(ctx, q, EntryRequest{
				UserID:         domain.HouseUserID,
				Amount:         fee,
				Kind:           domain.TxKindFee,
				IdempotencyKey: "transfer-fee:" + sent.ID.String(),
				Reference:      sent.ID.String(),
			})
			if err != nil {
				return fmt.Errorf("credit transfer fee: %w", err)
			}
		}

		res = &TransferResult{Sent: *sent, Received: *received, Fee: fee, Wallet: from}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
