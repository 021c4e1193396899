// Package metrics exposes pipeline counters on a private Prometheus registry.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	rateLimited    *prometheus.CounterVec
	authOutcomes   *prometheus.CounterVec
	detections     *prometheus.CounterVec
	eventsDropped  prometheus.Counter
	sinkFailures   *prometheus.CounterVec
	alertsDropped  prometheus.Counter
	trackedClients *prometheus.GaugeVec
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "jokeguard"
	}
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests observed by the pipeline",
		}, []string{"event_type", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from admission to response",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter",
		}, []string{"tier"}),
		authOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_outcomes_total",
			Help:      "Credential checks by outcome",
		}, []string{"outcome"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Abuse detections emitted",
		}, []string{"event_type"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Event records that never reached a sink",
		}),
		sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_sink_failures_total",
			Help:      "Failed writes per event sink",
		}, []string{"sink"}),
		alertsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_archive_dropped_total",
			Help:      "Detections not archived because the queue was full",
		}),
		trackedClients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_clients",
			Help:      "Live entries in the abuse state",
		}, []string{"table"}),
	}
	reg.MustRegister(
		m.requests, m.latency, m.rateLimited, m.authOutcomes, m.detections,
		m.eventsDropped, m.sinkFailures, m.alertsDropped, m.trackedClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveRequest(eventType, method string, status int, seconds float64) {
	m.requests.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(method).Observe(seconds)
}

func (m *Metrics) RateLimited(tier string) { m.rateLimited.WithLabelValues(tier).Inc() }

func (m *Metrics) AuthOutcome(outcome string) { m.authOutcomes.WithLabelValues(outcome).Inc() }

func (m *Metrics) Detection(eventType string) { m.detections.WithLabelValues(eventType).Inc() }

func (m *Metrics) EventDropped() { m.eventsDropped.Inc() }

func (m *Metrics) SinkFailed(sink string) { m.sinkFailures.WithLabelValues(sink).Inc() }

func (m *Metrics) AlertDropped() { m.alertsDropped.Inc() }

func (m *Metrics) SetTracked(table string, n int) {
	m.trackedClients.WithLabelValues(table).Set(float64(n))
}
