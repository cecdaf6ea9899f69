package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/invoice-intake/internal/core/domain"
)

// PipelineMetrics observes extraction batches and finalization. It satisfies
// usecase.ExtractionObserver and usecase.FinalizeObserver.
type PipelineMetrics struct {
	service string

	documentsTotal     *prometheus.CounterVec
	extractionDuration *prometheus.HistogramVec
	aiAttempts         *prometheus.CounterVec
	reprompts          *prometheus.CounterVec
	finalizeTotal      *prometheus.CounterVec
	activeBatches      prometheus.Gauge
}

func NewPipelineMetrics(service string, registerer prometheus.Registerer) *PipelineMetrics {
	documentsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extraction",
			Name:      "documents_total",
			Help:      "Documents processed by extraction method and outcome.",
		},
		[]string{"service", "method", "outcome"},
	)
	extractionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "extraction",
			Name:      "document_duration_seconds",
			Help:      "Per-document extraction duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"service", "method"},
	)
	aiAttempts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extraction",
			Name:      "ai_attempts_total",
			Help:      "AI extraction attempts by outcome.",
		},
		[]string{"service", "outcome"},
	)
	reprompts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extraction",
			Name:      "reprompts_total",
			Help:      "Document number re-queries by outcome.",
		},
		[]string{"service", "outcome"},
	)
	finalizeTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "finalize",
			Name:      "documents_total",
			Help:      "Finalization attempts by outcome.",
		},
		[]string{"service", "outcome"},
	)
	activeBatches := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "extraction",
			Name:      "active_batches",
			Help:      "Number of batches currently being extracted.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)

	if registerer != nil {
		registerer.MustRegister(documentsTotal, extractionDuration, aiAttempts, reprompts, finalizeTotal, activeBatches)
	}

	return &PipelineMetrics{
		service:            service,
		documentsTotal:     documentsTotal,
		extractionDuration: extractionDuration,
		aiAttempts:         aiAttempts,
		reprompts:          reprompts,
		finalizeTotal:      finalizeTotal,
		activeBatches:      activeBatches,
	}
}

func (m *PipelineMetrics) BatchStarted() {
	m.activeBatches.Inc()
}

func (m *PipelineMetrics) BatchFinished() {
	m.activeBatches.Dec()
}

func (m *PipelineMetrics) ObserveDocument(method domain.ExtractionMethod, outcome string, duration time.Duration) {
	label := string(method)
	if label == "" {
		label = "none"
	}
	m.documentsTotal.WithLabelValues(m.service, label, outcome).Inc()
	m.extractionDuration.WithLabelValues(m.service, label).Observe(duration.Seconds())
}

func (m *PipelineMetrics) ObserveAIAttempt(outcome string) {
	m.aiAttempts.WithLabelValues(m.service, outcome).Inc()
}

func (m *PipelineMetrics) ObserveReprompt(outcome string) {
	m.reprompts.WithLabelValues(m.service, outcome).Inc()
}

func (m *PipelineMetrics) ObserveFinalize(outcome string) {
	m.finalizeTotal.WithLabelValues(m.service, outcome).Inc()
}
