package worker

import (
	"context"
	"sync"
	"time"

	"github.com/ayo6706/minority-rounds/internal/observability"
	"github.com/ayo6706/minority-rounds/internal/rounds"
	"go.uber.org/zap"
)

// RoundWorker drives the round scheduler on a fixed tick.
type RoundWorker struct {
	scheduler *rounds.Scheduler
	interval  time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

// NewRoundWorker ticks every 250ms unless configured otherwise.
func NewRoundWorker(s *rounds.Scheduler) *RoundWorker {
	return &RoundWorker{
		scheduler: s,
		interval:  250 * time.Millisecond,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// WithInterval updates the tick interval.
func (w *RoundWorker) WithInterval(interval time.Duration) *RoundWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// Start resumes unsettled instances and then ticks until stopped.
func (w *RoundWorker) Start(ctx context.Context) {
	defer close(w.done)
	zap.L().Info("round worker starting", zap.Duration("interval", w.interval))

	if err := w.scheduler.Resume(ctx); err != nil {
		zap.L().Error("round resume failed", zap.Error(err))
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			zap.L().Info("round worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("round worker stop signal received")
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *RoundWorker) tick(ctx context.Context) {
	if _, err := w.scheduler.Tick(ctx); err != nil {
		observability.IncrementWorkerRun("rounds", "failed")
		return
	}
	observability.IncrementWorkerRun("rounds", "success")
}

// Stop stops the loop and waits for an in-flight tick to finish.
func (w *RoundWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	<-w.done
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *RoundWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}
