package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/ayo6706/minority-rounds/internal/gateway"
	"github.com/ayo6706/minority-rounds/internal/ledger"
	"github.com/ayo6706/minority-rounds/internal/observability"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// WithdrawalService pushes pending withdrawals to the payout gateway and
// finalizes them in the ledger.
type WithdrawalService struct {
	ledger  *ledger.Ledger
	gateway gateway.Gateway
	limiter *rate.Limiter
}

// NewWithdrawalService paces gateway calls with limiter; nil means unlimited.
func NewWithdrawalService(l *ledger.Ledger, gw gateway.Gateway, limiter *rate.Limiter) *WithdrawalService {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &WithdrawalService{ledger: l, gateway: gw, limiter: limiter}
}

// ProcessWithdrawals sends up to batchSize pending withdrawals. Several
// nodes may process the same withdrawal concurrently: the gateway is
// idempotent by withdrawal id and finalization is a compare-and-set, so
// the money moves once.
func (s *WithdrawalService) ProcessWithdrawals(ctx context.Context, batchSize int) error {
	pending, err := s.ledger.ListPendingWithdrawals(ctx, batchSize)
	if err != nil {
		return fmt.Errorf("list pending withdrawals: %w", err)
	}

	for _, tx := range pending {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		logger := zap.L().With(
			zap.String("transaction_id", tx.ID.String()),
			zap.String("user_id", tx.UserID.String()),
			zap.Int64("amount_micros", tx.Amount),
		)

		gatewayRef, err := s.gateway.SendWithdrawal(ctx, tx.ID.String(), tx.UserID, tx.Amount)
		if err != nil {
			if !errors.Is(err, gateway.ErrDeclined) {
				observability.IncrementWithdrawal("retry")
				logger.Warn("withdrawal gateway call failed; will retry", zap.Error(err))
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			if _, err := s.ledger.FailWithdrawal(ctx, tx.ID); err != nil {
				logger.Error("failed to mark declined withdrawal as failed", zap.Error(err))
				continue
			}
			observability.IncrementWithdrawal("failed")
			logger.Info("withdrawal declined; hold returned")
			continue
		}

		if _, err := s.ledger.CompleteWithdrawal(ctx, tx.ID); err != nil {
			// The gateway returns the same reference on the next attempt.
			logger.Error("withdrawal paid at gateway but local finalization failed",
				zap.String("gateway_ref", gatewayRef), zap.Error(err))
			continue
		}
		observability.IncrementWithdrawal("completed")
		logger.Info("withdrawal completed", zap.String("gateway_ref", gatewayRef))
	}
	return nil
}
