package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce           sync.Once
	httpDurationHistogram  *prometheus.HistogramVec
	ledgerImbalanceCounter *prometheus.CounterVec
	idempotencyCounter     *prometheus.CounterVec
	withdrawalCounter      *prometheus.CounterVec
	workerRunCounter       *prometheus.CounterVec
	betCounter             *prometheus.CounterVec
	settlementCounter      *prometheus.CounterVec
	invariantCounter       *prometheus.CounterVec
	transitionCounter      *prometheus.CounterVec
	houseProfitCounter     *prometheus.CounterVec
	tickDurationHistogram  prometheus.Histogram
	broadcastDropCounter   *prometheus.CounterVec
	subscriberGauge        prometheus.Gauge
	liveCounterErrors      *prometheus.CounterVec
	httpRejectCounter      *prometheus.CounterVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		ledgerImbalanceCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_imbalance_total",
			Help: "Number of reconciliation checks that found unaccounted money",
		}, []string{"book", "check"})

		idempotencyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idempotency_events_total",
			Help: "Idempotency middleware outcomes",
		}, []string{"outcome"})

		withdrawalCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "withdrawals_processed_total",
			Help: "Withdrawal gateway outcomes",
		}, []string{"result"})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		betCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bets_total",
			Help: "Bet intake outcomes",
		}, []string{"book", "duration", "result"})

		settlementCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "instance_settlements_total",
			Help: "Settlement attempts per instance duration",
		}, []string{"book", "duration", "result"})

		invariantCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_invariant_violations_total",
			Help: "Settlements halted because money would not be conserved",
		}, []string{"book", "duration"})

		transitionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "instance_transitions_total",
			Help: "Market instance state transitions",
		}, []string{"duration", "status"})

		houseProfitCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "house_profit_dollars_total",
			Help: "House profit credited at settlement",
		}, []string{"book"})

		tickDurationHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scheduler_tick_duration_seconds",
			Help:    "Time spent applying due transitions in one scheduler tick",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
		})

		broadcastDropCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcast_dropped_total",
			Help: "Broadcast events not delivered",
		}, []string{"reason"})

		subscriberGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broadcast_subscribers",
			Help: "Currently connected broadcast subscribers",
		})

		liveCounterErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_live_counter_errors_total",
			Help: "Failures updating or reading live pool counters",
		}, []string{"op"})

		httpRejectCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_rejected_total",
			Help: "Requests refused before reaching a handler, by reason",
		}, []string{"reason"})

		prometheus.MustRegister(
			httpDurationHistogram,
			ledgerImbalanceCounter,
			idempotencyCounter,
			withdrawalCounter,
			workerRunCounter,
			betCounter,
			settlementCounter,
			invariantCounter,
			transitionCounter,
			houseProfitCounter,
			tickDurationHistogram,
			broadcastDropCounter,
			subscriberGauge,
			liveCounterErrors,
			httpRejectCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func IncrementLedgerImbalance(book, check string) {
	if ledgerImbalanceCounter == nil {
		return
	}
	ledgerImbalanceCounter.WithLabelValues(book, check).Inc()
}

func IncrementIdempotencyEvent(outcome string) {
	if idempotencyCounter == nil {
		return
	}
	idempotencyCounter.WithLabelValues(outcome).Inc()
}

func IncrementWithdrawal(result string) {
	if withdrawalCounter == nil {
		return
	}
	withdrawalCounter.WithLabelValues(result).Inc()
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}

func IncrementBet(book, duration, result string) {
	if betCounter == nil {
		return
	}
	betCounter.WithLabelValues(book, duration, result).Inc()
}

func IncrementSettlement(book, duration, result string) {
	if settlementCounter == nil {
		return
	}
	settlementCounter.WithLabelValues(book, duration, result).Inc()
}

func IncrementInvariantViolation(book, duration string) {
	if invariantCounter == nil {
		return
	}
	invariantCounter.WithLabelValues(book, duration).Inc()
}

func IncrementTransition(duration, status string) {
	if transitionCounter == nil {
		return
	}
	transitionCounter.WithLabelValues(duration, status).Inc()
}

func AddHouseProfit(book string, micros int64) {
	if houseProfitCounter == nil || micros <= 0 {
		return
	}
	houseProfitCounter.WithLabelValues(book).Add(float64(micros) / 1_000_000)
}

func ObserveTick(duration time.Duration) {
	if tickDurationHistogram == nil {
		return
	}
	tickDurationHistogram.Observe(duration.Seconds())
}

func IncrementBroadcastDrop(reason string) {
	if broadcastDropCounter == nil {
		return
	}
	broadcastDropCounter.WithLabelValues(reason).Inc()
}

func SetSubscribers(n int) {
	if subscriberGauge == nil {
		return
	}
	subscriberGauge.Set(float64(n))
}

func IncrementLiveCounterError(op string) {
	if liveCounterErrors == nil {
		return
	}
	liveCounterErrors.WithLabelValues(op).Inc()
}

// IncrementHTTPReject counts rate limited, unauthenticated and panicked requests.
func IncrementHTTPReject(reason string) {
	if httpRejectCounter == nil {
		return
	}
	httpRejectCounter.WithLabelValues(reason).Inc()
}
