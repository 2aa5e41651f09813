package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Call outcomes used as the "outcome" label of areasched_api_calls_total.
const (
	OutcomeOK        = "ok"
	OutcomeTransport = "transport"
	OutcomeAPIError  = "api_error"
	OutcomeMalformed = "malformed"
)

// Metrics groups the collectors for one process. Each instance owns its own
// registry so tests and repeated batches do not collide on global state.
type Metrics struct {
	Registry *prometheus.Registry

	APICalls     *prometheus.CounterVec
	CallDuration prometheus.Histogram
	Splits       prometheus.Counter
	Leaves       prometheus.Counter
	Intervals    prometheus.Counter
	WorkerErrors prometheus.Counter
	InFlight     prometheus.Gauge
	LastRun      prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		APICalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "areasched_api_calls_total",
			Help: "Device API calls by outcome.",
		}, []string{"outcome"}),
		CallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "areasched_api_call_duration_seconds",
			Help:    "Device API call latency.",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
		}),
		Splits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "areasched_window_splits_total",
			Help: "Windows bisected because their device count exceeded the threshold.",
		}),
		Leaves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "areasched_leaves_persisted_total",
			Help: "Leaf windows whose artifacts were written.",
		}),
		Intervals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "areasched_intervals_completed_total",
			Help: "Top-level intervals that produced a summary row.",
		}),
		WorkerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "areasched_worker_errors_total",
			Help: "Top-level intervals aborted by an executor error.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "areasched_api_calls_in_flight",
			Help: "Device API calls currently running.",
		}),
		LastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "areasched_last_run_timestamp_seconds",
			Help: "Unix time the last batch finished.",
		}),
	}
	m.Registry.MustRegister(
		m.APICalls, m.CallDuration, m.Splits, m.Leaves,
		m.Intervals, m.WorkerErrors, m.InFlight, m.LastRun,
	)
	return m
}

// ObserveCall records one finished API call.
func (m *Metrics) ObserveCall(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.APICalls.WithLabelValues(outcome).Inc()
	m.CallDuration.Observe(d.Seconds())
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
