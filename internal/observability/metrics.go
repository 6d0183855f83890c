package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce              sync.Once
	httpDurationHistogram     *prometheus.HistogramVec
	httpRejectionCounter      *prometheus.CounterVec
	ledgerImbalanceCounter    *prometheus.CounterVec
	ledgerDriftCounter        *prometheus.CounterVec
	invariantViolationCounter *prometheus.CounterVec
	ledgerOperationCounter    *prometheus.CounterVec
	idempotentReplayCounter   *prometheus.CounterVec
	pendingResolutionCounter  *prometheus.CounterVec
	txRetryCounter            *prometheus.CounterVec
	workerRunCounter          *prometheus.CounterVec
	gatewayBreakerGauge       *prometheus.GaugeVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		httpRejectionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_rejections_total",
			Help: "Requests refused by middleware before reaching a ledger handler",
		}, []string{"reason"})

		ledgerImbalanceCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_imbalance_total",
			Help: "Number of times the global entry net for a unit was non-zero",
		}, []string{"unit"})

		ledgerDriftCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_drift_total",
			Help: "Accounts whose stored balance diverged from the entry replay",
		}, []string{"unit"})

		invariantViolationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_invariant_violations_total",
			Help: "Fatal bug-class failures that aborted a ledger transaction",
		}, []string{"kind"})

		ledgerOperationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Ledger operation outcomes",
		}, []string{"operation", "result"})

		idempotentReplayCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_idempotent_replays_total",
			Help: "Operations answered from an existing record instead of being applied again",
		}, []string{"operation", "source"})

		pendingResolutionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_pending_resolutions_total",
			Help: "Pending transaction resolutions by final status",
		}, []string{"status"})

		txRetryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_tx_retries_total",
			Help: "Ledger transactions retried after a lock or serialization conflict",
		}, []string{"operation"})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		gatewayBreakerGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "payout_gateway_breaker_state",
			Help: "Payout gateway circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"gateway"})

		prometheus.MustRegister(
			httpDurationHistogram,
			httpRejectionCounter,
			ledgerImbalanceCounter,
			ledgerDriftCounter,
			invariantViolationCounter,
			ledgerOperationCounter,
			idempotentReplayCounter,
			pendingResolutionCounter,
			txRetryCounter,
			workerRunCounter,
			gatewayBreakerGauge,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

// IncrementHTTPRejection counts rate-limited, unauthenticated and panicked requests.
func IncrementHTTPRejection(reason string) {
	if httpRejectionCounter == nil {
		return
	}
	httpRejectionCounter.WithLabelValues(reason).Inc()
}

func IncrementLedgerImbalance(unit string) {
	if ledgerImbalanceCounter == nil {
		return
	}
	ledgerImbalanceCounter.WithLabelValues(unit).Inc()
}

func IncrementLedgerDrift(unit string) {
	if ledgerDriftCounter == nil {
		return
	}
	ledgerDriftCounter.WithLabelValues(unit).Inc()
}

func IncrementInvariantViolation(kind string) {
	if invariantViolationCounter == nil {
		return
	}
	invariantViolationCounter.WithLabelValues(kind).Inc()
}

func IncrementLedgerOperation(operation, result string) {
	if ledgerOperationCounter == nil {
		return
	}
	ledgerOperationCounter.WithLabelValues(operation, result).Inc()
}

func IncrementIdempotentReplay(operation, source string) {
	if idempotentReplayCounter == nil {
		return
	}
	idempotentReplayCounter.WithLabelValues(operation, source).Inc()
}

func IncrementPendingResolution(status string) {
	if pendingResolutionCounter == nil {
		return
	}
	pendingResolutionCounter.WithLabelValues(status).Inc()
}

func IncrementTxRetry(operation string) {
	if txRetryCounter == nil {
		return
	}
	txRetryCounter.WithLabelValues(operation).Inc()
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}

func SetGatewayBreakerState(gateway string, state float64) {
	if gatewayBreakerGauge == nil {
		return
	}
	gatewayBreakerGauge.WithLabelValues(gateway).Set(state)
}
