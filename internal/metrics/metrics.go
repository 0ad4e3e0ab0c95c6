// Package metrics exposes Prometheus metrics for R sessions, blob transfer
// and broker switching.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rtvs"

// Outcome labels.
const (
	OutcomeOK           = "ok"
	OutcomeError        = "error"
	OutcomeCanceled     = "canceled"
	OutcomeDisconnected = "disconnected"
	OutcomeSuperseded   = "superseded"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	evaluations        *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec
	hostStarts         *prometheus.CounterVec
	hostDisconnects    prometheus.Counter
	sessionsRunning    prometheus.Gauge
	interactions       prometheus.Counter
	cancelAlls         prometheus.Counter
	blobBytes          *prometheus.CounterVec
	brokerSwitches     *prometheus.CounterVec
	cacheLookups       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Evaluations sent to R hosts by kind and outcome.",
		}, []string{"kind", "outcome"}),
		evaluationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Time from sending an evaluation to its result.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"kind"}),
		hostStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "host_starts_total",
			Help:      "Host start attempts by outcome.",
		}, []string{"outcome"}),
		hostDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "host_disconnects_total",
			Help:      "Hosts lost without an explicit stop.",
		}),
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_running",
			Help:      "Sessions with a running host.",
		}),
		interactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interactions_granted_total",
			Help:      "Interactions granted a prompt.",
		}),
		cancelAlls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancel_all_total",
			Help:      "Session-wide cancellations requested.",
		}),
		blobBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blob_bytes_total",
			Help:      "Blob bytes transferred by direction.",
		}, []string{"direction"}),
		brokerSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_switches_total",
			Help:      "Broker switch requests by outcome.",
		}, []string{"outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eval_cache_lookups_total",
			Help:      "Evaluation cache lookups by result.",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.evaluations,
			m.evaluationDuration,
			m.hostStarts,
			m.hostDisconnects,
			m.sessionsRunning,
			m.interactions,
			m.cancelAlls,
			m.blobBytes,
			m.brokerSwitches,
			m.cacheLookups,
		)
	}
	return m
}

// NewRegistry returns a registry with the Go and process collectors and the
// session metrics registered.
func NewRegistry() (*prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, New(reg)
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveEvaluation records a finished evaluation.
func (m *Metrics) ObserveEvaluation(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(kind, outcome).Inc()
	m.evaluationDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// HostStarted records a start attempt.
func (m *Metrics) HostStarted(outcome string) {
	if m == nil {
		return
	}
	m.hostStarts.WithLabelValues(outcome).Inc()
	if outcome == OutcomeOK {
		m.sessionsRunning.Inc()
	}
}

// HostEnded records a running host going away. lost is true when the host
// disconnected on its own.
func (m *Metrics) HostEnded(lost bool) {
	if m == nil {
		return
	}
	m.sessionsRunning.Dec()
	if lost {
		m.hostDisconnects.Inc()
	}
}

// InteractionGranted records a prompt handed to a caller.
func (m *Metrics) InteractionGranted() {
	if m == nil {
		return
	}
	m.interactions.Inc()
}

// CancelAll records a session-wide cancellation.
func (m *Metrics) CancelAll() {
	if m == nil {
		return
	}
	m.cancelAlls.Inc()
}

// BlobTransferred records bytes sent to or received from a host.
func (m *Metrics) BlobTransferred(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.blobBytes.WithLabelValues(direction).Add(float64(n))
}

// BrokerSwitch records the outcome of a switch request.
func (m *Metrics) BrokerSwitch(outcome string) {
	if m == nil {
		return
	}
	m.brokerSwitches.WithLabelValues(outcome).Inc()
}

// CacheLookup records an evaluation cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}
