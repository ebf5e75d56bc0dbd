package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ayo6706/minority-rounds/internal/alert"
	"github.com/ayo6706/minority-rounds/internal/observability"
	"github.com/ayo6706/minority-rounds/internal/service"
	"go.uber.org/zap"
)

type reconciler interface {
	Run(ctx context.Context) ([]service.ReconciliationReport, error)
}

// ReconciliationWorker checks every book on an interval and pages the
// operator when a book first goes out of balance. A book that stays
// imbalanced is not re-alerted on every pass; recovery is logged.
type ReconciliationWorker struct {
	svc      reconciler
	notifier alert.Notifier
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once

	mu         sync.Mutex
	imbalanced map[string]bool
}

func NewReconciliationWorker(svc reconciler, notifier alert.Notifier) *ReconciliationWorker {
	if notifier == nil {
		notifier = alert.LogNotifier{}
	}
	return &ReconciliationWorker{
		svc:        svc,
		notifier:   notifier,
		interval:   time.Hour,
		stopCh:     make(chan struct{}),
		imbalanced: make(map[string]bool),
	}
}

func (w *ReconciliationWorker) WithInterval(interval time.Duration) *ReconciliationWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// Start runs one pass immediately, then one per interval until stopped.
func (w *ReconciliationWorker) Start(ctx context.Context) {
	zap.L().Info("reconciliation worker starting", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

func (w *ReconciliationWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *ReconciliationWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

// RunOnce performs a single pass. A failed book does not hide the reports of
// the books that were checked.
func (w *ReconciliationWorker) RunOnce(ctx context.Context) {
	reports, err := w.svc.Run(ctx)
	if err != nil {
		observability.IncrementWorkerRun("reconciliation", "failed")
		zap.L().Error("reconciliation run failed", zap.Error(err))
	}

	result := "success"
	for _, r := range reports {
		if !r.Balanced() {
			result = "imbalanced"
		}
		if w.transition(r.Book, !r.Balanced()) {
			w.report(ctx, r)
		}
	}
	if err == nil {
		observability.IncrementWorkerRun("reconciliation", result)
	}
}

// transition records the book's state and reports whether it changed.
func (w *ReconciliationWorker) transition(bookName string, imbalanced bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.imbalanced[bookName] == imbalanced {
		return false
	}
	w.imbalanced[bookName] = imbalanced
	return true
}

func (w *ReconciliationWorker) report(ctx context.Context, r service.ReconciliationReport) {
	if r.Balanced() {
		zap.L().Info("ledger back in balance", zap.String("book", r.Book))
		return
	}
	w.notifier.Notify(ctx, "ledger imbalance",
		fmt.Sprintf("book=%s hold_mismatches=%d supply_imbalance_micros=%d wallets_checked=%d",
			r.Book, len(r.HoldMismatches), r.SupplyImbalance, r.WalletsChecked))
}
