package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/ayo6706/minority-rounds/internal/book"
	"github.com/ayo6706/minority-rounds/internal/observability"
	"github.com/ayo6706/minority-rounds/internal/store"
	"go.uber.org/zap"
)

// ReconciliationReport summarizes one pass over a book.
type ReconciliationReport struct {
	Book            string
	WalletsChecked  int
	HoldMismatches  []store.HoldCheck
	SupplyImbalance int64
}

// Balanced reports whether the pass found nothing wrong.
func (r ReconciliationReport) Balanced() bool {
	return len(r.HoldMismatches) == 0 && r.SupplyImbalance == 0
}

// ReconciliationService verifies ledger integrity invariants.
type ReconciliationService struct {
	books []*book.Book
}

// NewReconciliationService creates a reconciliation service.
func NewReconciliationService(books ...*book.Book) *ReconciliationService {
	return &ReconciliationService{books: books}
}

// Run checks every book: each wallet's held balance must equal its open bet
// stakes plus pending withdrawal holds, and the money in wallets must equal
// what entered minus what left. Imbalances are reported, never repaired.
func (s *ReconciliationService) Run(ctx context.Context) ([]ReconciliationReport, error) {
	var (
		reports []ReconciliationReport
		errs    []error
	)
	for _, b := range s.books {
		report, err := s.check(ctx, b)
		if err != nil {
			errs = append(errs, fmt.Errorf("reconcile %s book: %w", b.Name, err))
			continue
		}
		reports = append(reports, report)
	}
	return reports, errors.Join(errs...)
}

func (s *ReconciliationService) check(ctx context.Context, b *book.Book) (ReconciliationReport, error) {
	report := ReconciliationReport{Book: b.Name}
	queries := b.Store.Queries()

	checks, err := queries.ListHoldChecks(ctx)
	if err != nil {
		return report, fmt.Errorf("run hold check query: %w", err)
	}
	report.WalletsChecked = len(checks)
	for _, c := range checks {
		if c.Held == c.Expected() {
			continue
		}
		report.HoldMismatches = append(report.HoldMismatches, c)
		observability.IncrementLedgerImbalance(b.Name, "hold")
		zap.L().Error("CRITICAL: held balance mismatch",
			zap.String("book", b.Name),
			zap.String("user_id", c.UserID.String()),
			zap.Int64("held_micros", c.Held),
			zap.Int64("open_bet_micros", c.OpenBetStakes),
			zap.Int64("pending_withdrawal_micros", c.PendingWithdrawals),
		)
	}

	supply, err := queries.GetSupply(ctx)
	if err != nil {
		return report, fmt.Errorf("run supply query: %w", err)
	}
	report.SupplyImbalance = supply.Imbalance()
	if report.SupplyImbalance != 0 {
		observability.IncrementLedgerImbalance(b.Name, "supply")
		zap.L().Error("CRITICAL: money supply imbalance",
			zap.String("book", b.Name),
			zap.Int64("imbalance_micros", report.SupplyImbalance),
			zap.Int64("balances_micros", supply.Balances),
			zap.Int64("deposits_micros", supply.Deposits),
			zap.Int64("commissions_micros", supply.Commissions),
			zap.Int64("withdrawals_micros", supply.Withdrawals),
		)
	}

	if report.Balanced() {
		zap.L().Info("ledger balanced", zap.String("book", b.Name), zap.Int("wallets", report.WalletsChecked))
	}
	return report, nil
}
