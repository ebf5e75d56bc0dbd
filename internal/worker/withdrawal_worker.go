package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ayo6706/minority-rounds/internal/observability"
	"github.com/ayo6706/minority-rounds/internal/service"
	"go.uber.org/zap"
)

// WithdrawalWorker sends pending withdrawals to the payout gateway.
// Safe to run on several nodes; see service.WithdrawalService.
type WithdrawalWorker struct {
	svc          *service.WithdrawalService
	pollInterval time.Duration
	batchSize    int
	stopCh       chan struct{}
	stopOnce     sync.Once
}

// NewWithdrawalWorker creates a new WithdrawalWorker instance.
func NewWithdrawalWorker(svc *service.WithdrawalService) *WithdrawalWorker {
	return &WithdrawalWorker{
		svc:          svc,
		pollInterval: 10 * time.Second,
		batchSize:    10,
		stopCh:       make(chan struct{}),
	}
}

// WithPollInterval sets the poll interval for the worker.
func (w *WithdrawalWorker) WithPollInterval(interval time.Duration) *WithdrawalWorker {
	if interval > 0 {
		w.pollInterval = interval
	}
	return w
}

// WithBatchSize sets the batch size for the worker.
func (w *WithdrawalWorker) WithBatchSize(size int) *WithdrawalWorker {
	if size > 0 {
		w.batchSize = size
	}
	return w
}

// Start runs the poll loop until Stop is called or the context is canceled.
func (w *WithdrawalWorker) Start(ctx context.Context) {
	zap.L().Info("withdrawal worker starting", zap.Duration("interval", w.pollInterval), zap.Int("batch", w.batchSize))

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("withdrawal worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("withdrawal worker stop signal received")
			return
		case <-ticker.C:
			if err := w.ProcessOnce(ctx); err != nil {
				zap.L().Error("withdrawal batch failed", zap.Error(err))
			}
		}
	}
}

// Stop signals the worker to stop.
func (w *WithdrawalWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// ProcessOnce processes a single batch immediately.
func (w *WithdrawalWorker) ProcessOnce(ctx context.Context) error {
	err := w.svc.ProcessWithdrawals(ctx, w.batchSize)
	if err != nil {
		observability.IncrementWorkerRun("withdrawals", "failed")
		return err
	}
	observability.IncrementWorkerRun("withdrawals", "success")
	return nil
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *WithdrawalWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

func (w *WithdrawalWorker) String() string {
	return fmt.Sprintf("WithdrawalWorker(interval=%v, batch=%d)", w.pollInterval, w.batchSize)
}
