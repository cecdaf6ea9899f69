package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/invoice-intake/internal/config"
	"github.com/kirillkom/invoice-intake/internal/core/domain"
	"github.com/kirillkom/invoice-intake/internal/core/ports"
	"github.com/kirillkom/invoice-intake/internal/infrastructure/queue/nats"
	"github.com/kirillkom/invoice-intake/internal/infrastructure/resilience"
	"github.com/kirillkom/invoice-intake/internal/observability/metrics"
)

const relayService = "worker"

// Relay moves audit entries published by the API into the durable store.
type Relay struct {
	Bus     *nats.AuditBus
	Sink    ports.AuditLog
	Metrics *metrics.RelayMetrics

	closeFn func()
}

func NewRelay(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Relay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store, closeStore, err := OpenDurableStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	bus, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSAuditSubject, nats.Options{
		Name:               "invoice-intake-worker",
		ResilienceExecutor: resilience.NewExecutorWithLogger(resilience.PublisherConfig(), logger),
		Logger:             logger,
	})
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("init audit bus: %w", err)
	}

	relay := newRelay(store, metrics.NewRelayMetrics(relayService))
	relay.Bus = bus
	relay.closeFn = func() {
		bus.Close()
		closeStore()
	}
	return relay, nil
}

func newRelay(sink ports.AuditLog, relayMetrics *metrics.RelayMetrics) *Relay {
	return &Relay{Sink: sink, Metrics: relayMetrics}
}

// Run blocks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	return r.Bus.SubscribeAudit(ctx, r.Handle)
}

// Handle persists one entry. Duplicate deliveries are absorbed by the sink;
// failures are logged by the bus.
func (r *Relay) Handle(ctx context.Context, entry domain.AuditEntry) error {
	start := time.Now()
	r.Metrics.StartRelay()
	err := r.Sink.Append(ctx, entry)
	r.Metrics.FinishRelay(relayService, time.Since(start), err)
	if err != nil {
		return err
	}
	if !entry.CreatedAt.IsZero() {
		r.Metrics.ObserveLag(relayService, time.Since(entry.CreatedAt))
	}
	return nil
}

func (r *Relay) Close() {
	if r.closeFn != nil {
		r.closeFn()
	}
}
