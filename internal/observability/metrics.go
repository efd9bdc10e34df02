// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Ingestion metrics
	TransferEventsReceived prometheus.Counter
	TransferEventsByResult *prometheus.CounterVec
	DecodeErrors           prometheus.Counter
	HighestBlockSeen       prometheus.Gauge

	// Reconciliation metrics
	PaymentTransitions *prometheus.CounterVec
	ActiveWatchers     prometheus.Gauge
	WatcherAttempts    prometheus.Counter

	// Request-path metrics
	VerificationOutcomes *prometheus.CounterVec
	WithdrawalOutcomes   *prometheus.CounterVec
	AuthRejections       *prometheus.CounterVec
	RateLimited          prometheus.Counter

	// Latency metrics
	RPCCallLatency     *prometheus.HistogramVec
	WithdrawalDuration prometheus.Histogram

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "payment_reconciler"
	}

	return &Metrics{
		TransferEventsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "transfer_events_received_total",
			Help:      "Total number of transfer events received from the ledger",
		}),
		TransferEventsByResult: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "transfer_events_processed_total",
			Help:      "Total number of transfer events processed by disposition",
		}, []string{"disposition"}),
		DecodeErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "log_decode_errors_total",
			Help:      "Total number of logs skipped because they did not decode as Transfer",
		}),
		HighestBlockSeen: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "highest_block_seen",
			Help:      "Highest block number seen in a transfer event",
		}),

		PaymentTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciliation",
			Name:      "payment_transitions_total",
			Help:      "Total number of payment state transitions by target status",
		}, []string{"status"}),
		ActiveWatchers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconciliation",
			Name:      "active_watchers",
			Help:      "Number of confirmation watchers currently running",
		}),
		WatcherAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciliation",
			Name:      "watcher_attempts_total",
			Help:      "Total number of confirmation polls",
		}),

		VerificationOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "verification_outcomes_total",
			Help:      "Payment verification outcomes",
		}, []string{"outcome"}),
		WithdrawalOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "withdrawal_outcomes_total",
			Help:      "Withdrawal outcomes",
		}, []string{"outcome"}),
		AuthRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "auth_rejections_total",
			Help:      "Rejected requests by reason",
		}, []string{"reason"}),
		RateLimited: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "rate_limited_total",
			Help:      "Requests refused by the per-client rate limiter",
		}),

		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "rpc_call_latency_seconds",
			Help:      "Ledger RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		WithdrawalDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "withdrawal_duration_seconds",
			Help:      "Time from withdrawal request to final outcome",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),

		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordTransferReceived increments the transfer events received counter.
func RecordTransferReceived(blockNumber uint64) {
	DefaultMetrics.TransferEventsReceived.Inc()
	DefaultMetrics.HighestBlockSeen.Set(float64(blockNumber))
}

// RecordTransferDisposition records how the engine handled an event.
func RecordTransferDisposition(disposition string) {
	DefaultMetrics.TransferEventsByResult.WithLabelValues(disposition).Inc()
}

// RecordDecodeError increments the skipped-log counter.
func RecordDecodeError() {
	DefaultMetrics.DecodeErrors.Inc()
}

// RecordPaymentTransition records a payment reaching a status.
func RecordPaymentTransition(status string) {
	DefaultMetrics.PaymentTransitions.WithLabelValues(status).Inc()
}

// WatcherStarted and WatcherStopped track the active watcher gauge.
func WatcherStarted() { DefaultMetrics.ActiveWatchers.Inc() }

func WatcherStopped() { DefaultMetrics.ActiveWatchers.Dec() }

// RecordWatcherAttempt increments the confirmation poll counter.
func RecordWatcherAttempt() {
	DefaultMetrics.WatcherAttempts.Inc()
}

// RecordVerification records a verification outcome.
func RecordVerification(outcome string) {
	DefaultMetrics.VerificationOutcomes.WithLabelValues(outcome).Inc()
}

// RecordWithdrawal records a withdrawal outcome and its duration.
func RecordWithdrawal(outcome string, seconds float64) {
	DefaultMetrics.WithdrawalOutcomes.WithLabelValues(outcome).Inc()
	DefaultMetrics.WithdrawalDuration.Observe(seconds)
}

// RecordAuthRejection records a rejected request.
func RecordAuthRejection(reason string) {
	DefaultMetrics.AuthRejections.WithLabelValues(reason).Inc()
}

// RecordRateLimited counts a request refused by the rate limiter.
func RecordRateLimited() {
	DefaultMetrics.RateLimited.Inc()
}

// RecordRPCLatency records RPC call latency.
func RecordRPCLatency(method string, seconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(seconds)
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
