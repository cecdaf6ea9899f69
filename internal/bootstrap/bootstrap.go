package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/invoice-intake/internal/config"
	"github.com/kirillkom/invoice-intake/internal/core/domain"
	"github.com/kirillkom/invoice-intake/internal/core/ports"
	"github.com/kirillkom/invoice-intake/internal/core/usecase"
	"github.com/kirillkom/invoice-intake/internal/infrastructure/dispatch/inprocess"
	"github.com/kirillkom/invoice-intake/internal/infrastructure/extractor/pdftext"
	"github.com/kirillkom/invoice-intake/internal/infrastructure/llm/anthropic"
	"github.com/kirillkom/invoice-intake/internal/infrastructure/llm/openai"
	"github.com/kirillkom/invoice-intake/internal/infrastructure/queue/nats"
	"github.com/kirillkom/invoice-intake/internal/infrastructure/repository/filestore"
	"github.com/kirillkom/invoice-intake/internal/infrastructure/repository/sqlstore"
	"github.com/kirillkom/invoice-intake/internal/infrastructure/resilience"
	"github.com/kirillkom/invoice-intake/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/invoice-intake/internal/infrastructure/taxonomy/yamlstore"
	"github.com/kirillkom/invoice-intake/internal/infrastructure/tracker/memory"
	"github.com/kirillkom/invoice-intake/internal/observability/metrics"
)

const batchRetention = 24 * time.Hour

// DurableStore is a document store that also keeps the audit trail.
type DurableStore interface {
	ports.DocumentStore
	ports.AuditLog
	ports.AuditHistory
}

type App struct {
	Config config.Config

	Store      DurableStore
	Audit      ports.AuditLog
	DocTypes   ports.DocTypeAdmin
	Intake     *usecase.UploadIntake
	Batches    *usecase.BatchQuery
	Documents  *usecase.DocumentUseCase
	Finalizer  *usecase.FinalizationService
	Dispatcher *inprocess.Dispatcher
	Tracker    *memory.Tracker

	HTTPMetrics *metrics.HTTPServerMetrics

	closeFn func()
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, closeStore, err := OpenDurableStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	closers := []func(){closeStore}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	taxonomy, err := yamlstore.Open(cfg.DocTypesFile)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("open doc type taxonomy: %w", err)
	}

	provider, err := newProvider(cfg, logger)
	if err != nil {
		closeAll()
		return nil, err
	}

	var audit ports.AuditLog = store
	if cfg.AuditSink == "nats" {
		bus, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSAuditSubject, nats.Options{
			Name:               "invoice-intake-api",
			ResilienceExecutor: resilience.NewExecutorWithLogger(resilience.PublisherConfig(), logger),
			Logger:             logger,
		})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("init audit bus: %w", err)
		}
		closers = append(closers, bus.Close)
		audit = bus
	}

	httpMetrics := metrics.NewHTTPServerMetrics("api")
	pipeline := metrics.NewPipelineMetrics("api", httpMetrics.Registry())

	tracker := memory.New(batchRetention)
	engine := usecase.NewExtractionEngine(
		store,
		storage,
		pdftext.NewExtractor(),
		provider,
		taxonomy,
		tracker,
		pipeline,
		domain.ExtractionLimits{AITimeout: cfg.AITimeout},
		logger,
	)
	dispatcher := inprocess.New(engine, cfg.MaxConcurrentBatches, logger)

	app := &App{
		Config: cfg,

		Store:      store,
		Audit:      audit,
		DocTypes:   taxonomy,
		Intake:     usecase.NewUploadIntake(store, storage, tracker, dispatcher, logger),
		Batches:    usecase.NewBatchQuery(tracker),
		Documents:  usecase.NewDocumentUseCase(store, storage, taxonomy, audit, logger).WithHistory(store),
		Finalizer:  usecase.NewFinalizationService(store, storage, taxonomy, audit, pipeline, cfg.ArchivePrefix, logger),
		Dispatcher: dispatcher,
		Tracker:    tracker,

		HTTPMetrics: httpMetrics,

		closeFn: closeAll,
	}

	logger.Info("bootstrap.ready",
		"store_driver", cfg.StoreDriver,
		"audit_sink", auditSinkName(cfg),
		"ai_provider", providerName(cfg),
	)
	return app, nil
}

// Shutdown waits for in-flight batches, bounded by ctx.
func (a *App) Shutdown(ctx context.Context) error {
	if a.Dispatcher == nil {
		return nil
	}
	return a.Dispatcher.Shutdown(ctx)
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

// OpenDurableStore opens the configured document store. The returned func
// releases its resources.
func OpenDurableStore(ctx context.Context, cfg config.Config) (DurableStore, func(), error) {
	switch cfg.StoreDriver {
	case "", "file":
		store, err := filestore.New(cfg.StorePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open file store: %w", err)
		}
		return store, func() {}, nil
	case "postgres":
		db, err := sqlstore.OpenPostgres(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return ensureSQLStore(ctx, db, sqlstore.Postgres)
	case "sqlite":
		db, err := sqlstore.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return ensureSQLStore(ctx, db, sqlstore.SQLite)
	default:
		return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

func ensureSQLStore(ctx context.Context, db *sql.DB, dialect sqlstore.Dialect) (DurableStore, func(), error) {
	store := sqlstore.New(db, dialect)
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ensure %s schema: %w", dialect.Name, err)
	}
	return store, func() { _ = db.Close() }, nil
}

// newProvider returns a nil interface when no credential is configured, so
// the engine runs regex-only.
func newProvider(cfg config.Config, logger *slog.Logger) (ports.ExtractionProvider, error) {
	if !cfg.AIEnabled() {
		return nil, nil
	}
	executor := resilience.NewExecutorWithLogger(
		resilience.ProviderConfig(cfg.AIRetryMaxAttempts, cfg.AIBreakerEnabled),
		logger,
	)

	switch cfg.AIProvider {
	case "", "openai":
		return openai.New(openai.Config{
			BaseURL:      cfg.AIBaseURL,
			APIKey:       cfg.AIAPIKey,
			Model:        cfg.AIModel,
			MaxTokens:    cfg.AIMaxTokens,
			RateLimitRPS: cfg.AIRateLimitRPS,
		}, executor, logger), nil
	case "anthropic":
		return anthropic.New(anthropic.Config{
			BaseURL:      cfg.AIBaseURL,
			APIKey:       cfg.AIAPIKey,
			Model:        cfg.AIModel,
			MaxTokens:    cfg.AIMaxTokens,
			RateLimitRPS: cfg.AIRateLimitRPS,
		}, executor, logger), nil
	default:
		return nil, errors.New("unknown AI_PROVIDER " + cfg.AIProvider)
	}
}

func providerName(cfg config.Config) string {
	if !cfg.AIEnabled() {
		return "none"
	}
	if cfg.AIProvider == "" {
		return "openai"
	}
	return cfg.AIProvider
}

func auditSinkName(cfg config.Config) string {
	if cfg.AuditSink == "nats" {
		return "nats"
	}
	return "store"
}
