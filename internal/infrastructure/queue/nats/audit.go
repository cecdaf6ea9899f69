package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/invoice-intake/internal/core/domain"
	"github.com/kirillkom/invoice-intake/internal/infrastructure/resilience"
	"github.com/nats-io/nats.go"
)

const DefaultAuditSubject = "documents.audit"

// AuditBus publishes document audit entries and relays them to a durable sink.
type AuditBus struct {
	conn     *nats.Conn
	subject  string
	executor *resilience.Executor
	logger   *slog.Logger
}

type Options struct {
	Name                 string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
}

func New(url, subject string) (*AuditBus, error) {
	return NewWithOptions(url, subject, Options{})
}

func NewWithOptions(url, subject string, options Options) (*AuditBus, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := strings.TrimSpace(options.Name)
	if name == "" {
		name = "invoice-intake"
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = DefaultAuditSubject
	}
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name(name),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &AuditBus{
		conn:     conn,
		subject:  subject,
		executor: options.ResilienceExecutor,
		logger:   logger,
	}, nil
}

func (b *AuditBus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

// Append publishes entry. It satisfies ports.AuditLog.
func (b *AuditBus) Append(ctx context.Context, entry domain.AuditEntry) error {
	payload, err := encodeAuditEntry(entry)
	if err != nil {
		return err
	}
	call := func(_ context.Context) error {
		if err := b.conn.Publish(b.subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if b.executor != nil {
		err = b.executor.Execute(ctx, "nats.publish_audit", call, classifyPublishError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return publishError(err)
	}
	return nil
}

// SubscribeAudit hands every published entry to handler until ctx is done,
// then drains the subscription. Subscribers share one queue group so each
// entry is relayed once.
func (b *AuditBus) SubscribeAudit(ctx context.Context, handler func(context.Context, domain.AuditEntry) error) error {
	sub, err := b.conn.QueueSubscribe(b.subject, "audit-relay", func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		entry, err := decodeAuditEntry(msg.Data)
		if err != nil {
			b.logger.Error("audit_decode_failed", "error", err, "bytes", len(msg.Data))
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, entry); err != nil {
			b.logger.Error("audit_relay_failed",
				"document_id", entry.DocumentID,
				"project", entry.Project,
				"action", entry.Action,
				"error", err,
			)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := b.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func encodeAuditEntry(entry domain.AuditEntry) ([]byte, error) {
	if strings.TrimSpace(entry.Project) == "" || strings.TrimSpace(entry.DocumentID) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "encode audit entry", fmt.Errorf("project and document id are required"))
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal audit entry: %w", err)
	}
	return payload, nil
}

func decodeAuditEntry(data []byte) (domain.AuditEntry, error) {
	var entry domain.AuditEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return domain.AuditEntry{}, fmt.Errorf("unmarshal audit entry: %w", err)
	}
	if entry.Project == "" || entry.DocumentID == "" {
		return domain.AuditEntry{}, fmt.Errorf("audit entry without project or document id")
	}
	return entry, nil
}
