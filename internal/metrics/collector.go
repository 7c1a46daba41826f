// Package metrics exports agent counters and gauges for Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"paylock/internal/directive"
	"paylock/internal/incident"
)

const namespace = "paylock"

// Collector holds the agent's metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	ticksTotal        *prometheus.CounterVec
	tickDuration      prometheus.Histogram
	comparisonsTotal  *prometheus.CounterVec
	mismatchesTotal   *prometheus.CounterVec
	lockState         *prometheus.GaugeVec
	queueDepth        prometheus.Gauge
	directivesDropped *prometheus.CounterVec
	directivesDone    *prometheus.CounterVec
	dequeuedTotal     *prometheus.CounterVec
	storageDegraded   *prometheus.CounterVec
	backendRequests   *prometheus.CounterVec
	incidentsTotal    *prometheus.CounterVec
}

// New creates a Collector registered on a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		ticksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_ticks_total",
			Help:      "Heartbeat ticks by connectivity mode",
		}, []string{"mode"}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "heartbeat_tick_duration_seconds",
			Help:      "Duration of a heartbeat tick",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		comparisonsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "comparisons_total",
			Help:      "Snapshot comparisons by mode and overall severity",
		}, []string{"mode", "severity"}),
		mismatchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mismatches_total",
			Help:      "Mismatched fields by field class",
		}, []string{"class"}),
		lockState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lock_state",
			Help:      "1 for the current lock state, 0 otherwise",
		}, []string{"kind"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Directives waiting in the queue",
		}),
		directivesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directives_dropped_total",
			Help:      "Directives dropped before execution by reason",
		}, []string{"reason"}),
		directivesDone: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directives_completed_total",
			Help:      "Executed directives by type and outcome",
		}, []string{"type", "status"}),
		dequeuedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directives_dequeued_total",
			Help:      "Directives handed to the executor by authentication outcome",
		}, []string{"auth"}),
		storageDegraded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_degraded_total",
			Help:      "Records written without encryption",
		}, []string{"record"}),
		backendRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Backend heartbeat calls by outcome",
		}, []string{"outcome"}),
		incidentsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_total",
			Help:      "Reported incidents by kind and severity",
		}, []string{"kind", "severity"}),
	}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Tick records one heartbeat tick.
func (c *Collector) Tick(mode string, d time.Duration) {
	c.ticksTotal.WithLabelValues(mode).Inc()
	c.tickDuration.Observe(d.Seconds())
}

// Comparison records a comparison outcome and its mismatches per class.
func (c *Collector) Comparison(mode, severity string, classes []string) {
	c.comparisonsTotal.WithLabelValues(mode, severity).Inc()
	for _, class := range classes {
		c.mismatchesTotal.WithLabelValues(class).Inc()
	}
}

// LockState sets the one-hot lock state gauge.
func (c *Collector) LockState(kind string, all []string) {
	for _, k := range all {
		v := 0.0
		if k == kind {
			v = 1
		}
		c.lockState.WithLabelValues(k).Set(v)
	}
}

// BackendRequest counts a backend call outcome ("ok", "error", "offline").
func (c *Collector) BackendRequest(outcome string) {
	c.backendRequests.WithLabelValues(outcome).Inc()
}

// StorageDegraded counts an unencrypted write.
func (c *Collector) StorageDegraded(record string) {
	c.storageDegraded.WithLabelValues(record).Inc()
}

// DirectiveCompleted counts an executed or failed directive.
func (c *Collector) DirectiveCompleted(typ directive.Type, status directive.Status) {
	c.directivesDone.WithLabelValues(string(typ), string(status)).Inc()
}

// Report implements incident.Sink by counting the incident.
func (c *Collector) Report(_ context.Context, inc incident.Incident) error {
	c.incidentsTotal.WithLabelValues(string(inc.Kind), inc.Severity.String()).Inc()
	return nil
}

// QueueDepth implements cmdqueue.Observer.
func (c *Collector) QueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// DirectiveDropped implements cmdqueue.Observer.
func (c *Collector) DirectiveDropped(reason string) {
	c.directivesDropped.WithLabelValues(reason).Inc()
}

// DirectiveDequeued implements cmdqueue.Observer.
func (c *Collector) DirectiveDequeued(auth directive.Auth) {
	c.dequeuedTotal.WithLabelValues(string(auth)).Inc()
}
