package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RelayMetrics instruments the worker that moves audit entries from the
// bus into the durable store.
type RelayMetrics struct {
	registry *prometheus.Registry

	relayTotal    *prometheus.CounterVec
	relayDuration *prometheus.HistogramVec
	relayInFlight prometheus.Gauge
	relayLag      *prometheus.HistogramVec
}

func NewRelayMetrics(service string) *RelayMetrics {
	registry := prometheus.NewRegistry()

	relayTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "audit_relay_total",
			Help:      "Total relayed audit entries by status.",
		},
		[]string{"service", "status"},
	)
	relayDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "audit_relay_duration_seconds",
			Help:      "Audit entry relay duration in seconds by status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "status"},
	)
	relayInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "audit_relay_in_flight",
			Help:      "Number of in-flight audit relays.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	relayLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "audit_relay_lag_seconds",
			Help:      "Delay between audit entry creation and persistence.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"service"},
	)

	registry.MustRegister(relayTotal, relayDuration, relayInFlight, relayLag)

	return &RelayMetrics{
		registry:      registry,
		relayTotal:    relayTotal,
		relayDuration: relayDuration,
		relayInFlight: relayInFlight,
		relayLag:      relayLag,
	}
}

func (m *RelayMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *RelayMetrics) StartRelay() {
	m.relayInFlight.Inc()
}

func (m *RelayMetrics) FinishRelay(service string, duration time.Duration, err error) {
	m.relayInFlight.Dec()

	status := "success"
	if err != nil {
		status = "error"
	}

	m.relayTotal.WithLabelValues(service, status).Inc()
	m.relayDuration.WithLabelValues(service, status).Observe(duration.Seconds())
}

func (m *RelayMetrics) ObserveLag(service string, lag time.Duration) {
	if lag < 0 {
		return
	}
	m.relayLag.WithLabelValues(service).Observe(lag.Seconds())
}
