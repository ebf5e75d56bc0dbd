// Package affiliate credits referrers a share of the fee schedule applied
// to their referrals' completed deposits and withdrawals.
package affiliate

import (
	"context"

	"github.com/ayo6706/minority-rounds/internal/accounts"
	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/ledger"
	"github.com/ayo6706/minority-rounds/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultShare of the fee schedule paid as commission.
var DefaultShare = decimal.RequireFromString("0.5")

// Service implements ledger.Hook for the real book.
type Service struct {
	ledger   *ledger.Ledger
	accounts accounts.Directory
	share    decimal.Decimal
}

func NewService(l *ledger.Ledger, dir accounts.Directory, share decimal.Decimal) *Service {
	if share.IsNegative() || share.IsZero() {
		share = DefaultShare
	}
	return &Service{ledger: l, accounts: dir, share: share}
}

// Commission returns the referrer's cut for a qualifying amount.
func (s *Service) Commission(amount int64) int64 {
	return domain.Money(domain.Fee(amount)).Multiply(s.share).Micros()
}

// TransactionCompleted is called after commit; failures are logged and the
// triggering transaction is unaffected. The commission key is derived from
// the triggering transaction, so a redelivered notification pays once.
func (s *Service) TransactionCompleted(ctx context.Context, tx models.Transaction) {
	if tx.Demo || s.ledger.Demo() {
		return
	}
	if tx.Kind != domain.TxKindDeposit && tx.Kind != domain.TxKindWithdrawal {
		return
	}
	logger := zap.L().With(zap.String("transaction_id", tx.ID.String()), zap.String("user_id", tx.UserID.String()))

	acc, err := s.accounts.Account(ctx, tx.UserID)
	if err != nil {
		logger.Warn("commission skipped: account lookup failed", zap.Error(err))
		return
	}
	if acc.ReferrerID == nil || *acc.ReferrerID == tx.UserID {
		return
	}
	amount := s.Commission(tx.Amount)
	if amount <= 0 {
		return
	}

	res, err := s.ledger.Credit(ctx, ledger.EntryRequest{
		UserID:         *acc.ReferrerID,
		Amount:         amount,
		Kind:           domain.TxKindCommission,
		IdempotencyKey: "commission:" + tx.ID.String(),
		Reference:      tx.ID.String(),
	})
	if err != nil {
		logger.Error("commission credit failed", zap.String("referrer_id", acc.ReferrerID.String()), zap.Error(err))
		return
	}
	if !res.Replayed {
		logger.Info("commission credited",
			zap.String("referrer_id", acc.ReferrerID.String()),
			zap.Int64("commission_micros", amount),
		)
	}
}

var _ ledger.Hook = (*Service)(nil)
