package app

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/transfa/bridge-service/internal/domain"
	"github.com/transfa/bridge-service/pkg/gateway"
)

// Metrics holds the service's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	transfers       *prometheus.CounterVec
	remoteCalls     *prometheus.CounterVec
	transferSeconds *prometheus.HistogramVec
	recovered       prometheus.Counter
	limbo           prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// NewMetrics registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "transfers",
			Name:      "finished_total",
			Help:      "Transfers that reached a status, by direction.",
		}, []string{"direction", "status"}),
		remoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "remote",
			Name:      "calls_total",
			Help:      "Remote gateway calls by system, leg and outcome.",
		}, []string{"system", "leg", "outcome"}),
		transferSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bridge",
			Subsystem: "transfers",
			Name:      "drive_duration_seconds",
			Help:      "Time spent driving a transfer to a terminal or parked status.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"direction"}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "transfers",
			Name:      "recovered_total",
			Help:      "Stale transfers resumed by the recovery sweep.",
		}),
		limbo: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "transfers",
			Name:      "funds_in_limbo",
			Help:      "Transfers flagged for operator review at the last sweep.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bridge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "path"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.transfers, m.remoteCalls, m.transferSeconds, m.recovered, m.limbo, m.httpRequests, m.httpDuration,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeTransfer(direction domain.Direction, status domain.TransferStatus) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(string(direction), string(status)).Inc()
}

func (m *Metrics) observeRemote(system, leg string, outcome gateway.Outcome) {
	if m == nil {
		return
	}
	m.remoteCalls.WithLabelValues(system, leg, outcome.String()).Inc()
}

func (m *Metrics) observeDrive(direction domain.Direction, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.transferSeconds.WithLabelValues(string(direction)).Observe(elapsed.Seconds())
}

func (m *Metrics) observeRecovered(n int) {
	if m == nil {
		return
	}
	m.recovered.Add(float64(n))
}

func (m *Metrics) setLimbo(n int) {
	if m == nil {
		return
	}
	m.limbo.Set(float64(n))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, path, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
