// Package telemetry exposes Prometheus collectors for the sync pipeline.
// A nil *Metrics is valid and records nothing.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vitalsync"

// Metrics holds every collector the pipeline reports to
type Metrics struct {
	runsAdmitted     prometheus.Counter
	runsCoalesced    prometheus.Counter
	runsTerminal     *prometheus.CounterVec
	runDuration      prometheus.Histogram
	metricResults    *prometheus.CounterVec
	uploadAttempts   prometheus.Counter
	uploadDeliveries *prometheus.CounterVec
	outboxDepth      prometheus.Gauge
	schedulerState   *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_admitted_total",
			Help:      "Sync runs admitted by the scheduler",
		}),
		runsCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_coalesced_total",
			Help:      "Run requests coalesced into an in-flight run",
		}),
		runsTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_terminal_total",
			Help:      "Sync runs by terminal state",
		}, []string{"state"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Time from execution start to terminal state",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		metricResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metric_results_total",
			Help:      "Per-metric results recorded in runs",
		}, []string{"metric_id", "status"}),
		uploadAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_attempts_total",
			Help:      "Network attempts made by the upload session",
		}),
		uploadDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_deliveries_total",
			Help:      "Terminal upload outcomes",
		}, []string{"outcome"}),
		outboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending",
			Help:      "Payloads waiting in the durable outbox",
		}),
		schedulerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_state",
			Help:      "Current scheduler state (1=active, 0=inactive)",
		}, []string{"state"}),
	}

	reg.MustRegister(
		m.runsAdmitted,
		m.runsCoalesced,
		m.runsTerminal,
		m.runDuration,
		m.metricResults,
		m.uploadAttempts,
		m.uploadDeliveries,
		m.outboxDepth,
		m.schedulerState,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) RunAdmitted() {
	if m == nil {
		return
	}
	m.runsAdmitted.Inc()
}

func (m *Metrics) RunCoalesced() {
	if m == nil {
		return
	}
	m.runsCoalesced.Inc()
}

// RunFinished records a terminal run and, if it started, its duration
func (m *Metrics) RunFinished(state string, started, finished time.Time) {
	if m == nil {
		return
	}
	m.runsTerminal.WithLabelValues(state).Inc()
	if !started.IsZero() && finished.After(started) {
		m.runDuration.Observe(finished.Sub(started).Seconds())
	}
}

func (m *Metrics) MetricResult(metricID, status string) {
	if m == nil {
		return
	}
	m.metricResults.WithLabelValues(metricID, status).Inc()
}

func (m *Metrics) UploadAttempt() {
	if m == nil {
		return
	}
	m.uploadAttempts.Inc()
}

func (m *Metrics) UploadDelivered(success bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.uploadDeliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetOutboxDepth(n int) {
	if m == nil {
		return
	}
	m.outboxDepth.Set(float64(n))
}

// SetSchedulerState marks current as the only active state
func (m *Metrics) SetSchedulerState(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		m.schedulerState.WithLabelValues(s).Set(0)
	}
	m.schedulerState.WithLabelValues(current).Set(1)
}
