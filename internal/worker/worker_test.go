package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ayo6706/minority-rounds/internal/book"
	"github.com/ayo6706/minority-rounds/internal/clock"
	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/ledger"
	"github.com/ayo6706/minority-rounds/internal/memstore"
	"github.com/ayo6706/minority-rounds/internal/pool"
	"github.com/ayo6706/minority-rounds/internal/rounds"
	"github.com/ayo6706/minority-rounds/internal/service"
	"github.com/ayo6706/minority-rounds/internal/settlement"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundWorker_CreatesInstancesAndStops(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))
	st := memstore.New()
	b := book.New(st, ledger.New(st, nil, false), pool.NewAggregator(st, nil))
	resolver := settlement.NewResolver(decimal.NewFromInt(2), clk, nil, nil)
	scheduler := rounds.NewScheduler(clk, book.Set{Real: b}, resolver, 30*time.Second)

	stop := NewRoundWorker(scheduler).WithInterval(5 * time.Millisecond).Run(context.Background())
	require.Eventually(t, func() bool {
		return scheduler.Current(domain.Duration20m) != nil
	}, time.Second, 5*time.Millisecond)
	stop()

	for _, d := range domain.Durations {
		inst := scheduler.Current(d)
		require.NotNil(t, inst, d)
		assert.Equal(t, domain.InstanceStatusOpen, inst.Status)
	}
}

type recordingNotifier struct {
	mu       sync.Mutex
	subjects []string
}

func (n *recordingNotifier) Notify(_ context.Context, subject, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subjects = append(n.subjects, subject)
}

type scriptedReconciler struct {
	passes [][]service.ReconciliationReport
	calls  int
}

func (s *scriptedReconciler) Run(context.Context) ([]service.ReconciliationReport, error) {
	r := s.passes[s.calls]
	s.calls++
	return r, nil
}

func TestReconciliationWorker_AlertsOncePerImbalance(t *testing.T) {
	balanced := service.ReconciliationReport{Book: "real", WalletsChecked: 3}
	drifted := service.ReconciliationReport{Book: "real", WalletsChecked: 3, SupplyImbalance: 7}
	svc := &scriptedReconciler{passes: [][]service.ReconciliationReport{
		{balanced}, {drifted}, {drifted}, {balanced}, {drifted},
	}}
	notifier := &recordingNotifier{}
	w := NewReconciliationWorker(svc, notifier)

	for range svc.passes {
		w.RunOnce(context.Background())
	}

	assert.Equal(t, []string{"ledger imbalance", "ledger imbalance"}, notifier.subjects)
}
