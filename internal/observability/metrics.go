package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for StakeFlow.
type Metrics struct {
	// --- Orchestrator ---
	RequestsTotal      *prometheus.CounterVec
	RequestsRejected   *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	OperationsInFlight prometheus.Gauge
	PhaseTransitions   *prometheus.CounterVec

	// --- Ledger Gateway ---
	LedgerCalls      *prometheus.CounterVec
	ConfirmationWait *prometheus.HistogramVec

	// --- Balance Synchronizer ---
	RefreshTotal    *prometheus.CounterVec
	RefreshFailures *prometheus.CounterVec
	RefreshDuration *prometheus.HistogramVec

	// --- Sinks ---
	EventDrops       prometheus.Counter
	EventsPublished  *prometheus.CounterVec
	JournalRows      prometheus.Counter
	JournalErrors    prometheus.Counter
	JournalBatchDur  prometheus.Histogram
	IntentsReceived  *prometheus.CounterVec
	IntentsDiscarded *prometheus.CounterVec

	// --- API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	confirmBuckets := []float64{0.5, 1, 2, 4, 8, 15, 30, 60, 120, 300}
	readBuckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	return &Metrics{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stakeflow_requests_total",
			Help: "Orchestration requests by kind and final status",
		}, []string{"kind", "status"}),

		RequestsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stakeflow_requests_rejected_total",
			Help: "Requests rejected before reaching the ledger",
		}, []string{"kind", "reason"}),

		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stakeflow_operation_duration_seconds",
			Help:    "Admission to Idle, including confirmations and refresh",
			Buckets: confirmBuckets,
		}, []string{"kind"}),

		OperationsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "stakeflow_operations_in_flight",
			Help: "Accounts whose machine is outside Idle",
		}),

		PhaseTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stakeflow_phase_transitions_total",
			Help: "State machine transitions by target phase",
		}, []string{"phase"}),

		LedgerCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stakeflow_ledger_calls_total",
			Help: "Ledger gateway interactions by op, method and result",
		}, []string{"op", "method", "result"}),

		ConfirmationWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stakeflow_confirmation_wait_seconds",
			Help:    "Submission to confirmation latency",
			Buckets: confirmBuckets,
		}, []string{"method"}),

		RefreshTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stakeflow_refresh_total",
			Help: "Balance synchronizer refreshes by scope",
		}, []string{"scope"}),

		RefreshFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stakeflow_refresh_key_failures_total",
			Help: "Per-key read failures that left a stale snapshot",
		}, []string{"key"}),

		RefreshDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stakeflow_refresh_duration_seconds",
			Help:    "Fan-out refresh latency",
			Buckets: readBuckets,
		}, []string{"scope"}),

		EventDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "stakeflow_event_drops_total",
			Help: "Lifecycle events dropped due to a full channel",
		}),

		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stakeflow_events_published_total",
			Help: "Lifecycle events published by sink and result",
		}, []string{"sink", "result"}),

		JournalRows: f.NewCounter(prometheus.CounterOpts{
			Name: "stakeflow_journal_rows_written_total",
			Help: "Operation journal rows written to Postgres",
		}),

		JournalErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "stakeflow_journal_errors_total",
			Help: "Operation journal batch failures",
		}),

		JournalBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "stakeflow_journal_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		IntentsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stakeflow_intents_received_total",
			Help: "Intents consumed from NATS by kind",
		}, []string{"kind"}),

		IntentsDiscarded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stakeflow_intents_discarded_total",
			Help: "Intents acked without dispatch",
		}, []string{"reason"}),

		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stakeflow_api_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "code"}),

		APIDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stakeflow_api_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: confirmBuckets,
		}, []string{"route"}),
	}
}
