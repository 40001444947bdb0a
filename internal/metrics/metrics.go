// Package metrics wraps the in-process Prometheus registry used to expose
// pipeline counters and gauges. No HTTP endpoint is served — the registry
// exists to give the stop-summary and health monitor typed, labeled
// counters rather than ad-hoc integers, matching how the rest of this
// pipeline's telemetry is structured even though the dashboard server
// itself is out of scope.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles the counters and gauges this pipeline reports.
type Registry struct {
	SamplesReceived  *prometheus.CounterVec
	SamplesDropped   *prometheus.CounterVec
	RestartAttempts  *prometheus.CounterVec
	CircuitOpen      *prometheus.GaugeVec
	IncidentsTotal   *prometheus.CounterVec
	FilterFailures   *prometheus.CounterVec
	SessionPeakRSS   prometheus.Gauge
}

// New registers and returns a fresh metric set on its own registry, so
// multiple sessions in the same process (e.g. under test) never collide
// on global default-registry registration.
func New() (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()

	r := &Registry{
		SamplesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "motiontracker_samples_received_total",
			Help: "Samples received per sensor.",
		}, []string{"sensor"}),
		SamplesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "motiontracker_samples_dropped_total",
			Help: "Samples dropped per (sensor, filter) queue due to backpressure.",
		}, []string{"sensor", "filter"}),
		RestartAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "motiontracker_restart_attempts_total",
			Help: "Daemon restart attempts per sensor.",
		}, []string{"sensor"}),
		CircuitOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "motiontracker_circuit_open",
			Help: "1 if a sensor's restart circuit is open, else 0.",
		}, []string{"sensor"}),
		IncidentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "motiontracker_incidents_total",
			Help: "Incidents emitted per kind.",
		}, []string{"kind"}),
		FilterFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "motiontracker_filter_failures_total",
			Help: "Recovered per-sample update failures per filter.",
		}, []string{"filter"}),
		SessionPeakRSS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "motiontracker_session_peak_rss_bytes",
			Help: "Peak resident set size observed during the session.",
		}),
	}

	reg.MustRegister(
		r.SamplesReceived,
		r.SamplesDropped,
		r.RestartAttempts,
		r.CircuitOpen,
		r.IncidentsTotal,
		r.FilterFailures,
		r.SessionPeakRSS,
	)
	return r, reg
}
