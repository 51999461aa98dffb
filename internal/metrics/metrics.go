package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TaskDispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helios_task_dispatches_total",
			Help: "Total number of task dispatches",
		},
		[]string{"task", "outcome"}, // outcome: hold|act|error|panic|skipped
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "helios_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"task"},
	)

	TaskLastRun = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "helios_task_last_run_timestamp",
			Help: "Unix timestamp of last task dispatch",
		},
		[]string{"task"},
	)

	TaskDegraded = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "helios_task_degraded",
			Help: "Whether the task is currently marked degraded (0/1)",
		},
		[]string{"task"},
	)

	// Provider metrics
	ProviderAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helios_provider_attempts_total",
			Help: "Total number of inference attempts per provider",
		},
		[]string{"provider", "status"}, // status: success|error|skipped_open|rate_limited
	)

	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "helios_provider_latency_seconds",
			Help:    "Provider call latency in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"provider"},
	)

	ProviderTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helios_provider_tokens_total",
			Help: "Total tokens consumed per provider",
		},
		[]string{"provider", "type"}, // type: input|output
	)

	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "helios_circuit_state",
			Help: "Circuit state per provider (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)

	// Cache metrics
	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "helios_cache_hits_total",
			Help: "Total cache hits",
		},
	)

	CacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "helios_cache_misses_total",
			Help: "Total cache misses",
		},
	)

	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "helios_cache_entries",
			Help: "Current number of live cache entries",
		},
	)

	// Safety metrics
	KillSwitchActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "helios_kill_switch_active",
			Help: "Whether the global kill switch is active (0/1)",
		},
	)

	CumulativePnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "helios_cumulative_pnl",
			Help: "Cumulative realized PnL across all tasks",
		},
	)

	// Trigger metrics
	TriggerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helios_trigger_events_total",
			Help: "Total trigger events received",
		},
		[]string{"source", "status"}, // status: dispatched|unmatched|invalid
	)
)

// Register registers all collectors with the default registry
func Register() {
	prometheus.MustRegister(
		TaskDispatches,
		TaskDuration,
		TaskLastRun,
		TaskDegraded,
		ProviderAttempts,
		ProviderLatency,
		ProviderTokens,
		CircuitState,
		CacheHits,
		CacheMisses,
		CacheEntries,
		KillSwitchActive,
		CumulativePnL,
		TriggerEvents,
	)
}

// Serve starts the metrics HTTP server on the given address
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		_ = srv.ListenAndServe()
	}()

	return srv
}
