package nats

import (
	"context"
	"errors"

	"github.com/kirillkom/invoice-intake/internal/core/domain"
	"github.com/kirillkom/invoice-intake/internal/infrastructure/resilience"
	"github.com/nats-io/nats.go"
)

// rejectedPublish reports errors caused by the audit message itself. Retrying
// them cannot succeed and they say nothing about broker health.
func rejectedPublish(err error) bool {
	return errors.Is(err, nats.ErrMaxPayload) ||
		errors.Is(err, nats.ErrBadSubject) ||
		errors.Is(err, nats.ErrInvalidMsg) ||
		errors.Is(err, nats.ErrInvalidConnection)
}

func brokerUnavailable(err error) bool {
	return errors.Is(err, nats.ErrNoServers) ||
		errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrDisconnected) ||
		errors.Is(err, nats.ErrConnectionReconnecting) ||
		errors.Is(err, nats.ErrReconnectBufExceeded)
}

func classifyPublishError(err error) resilience.ErrorClassification {
	switch {
	case err == nil:
		return resilience.ErrorClassification{}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return resilience.ErrorClassification{}
	case rejectedPublish(err):
		return resilience.ErrorClassification{}
	case resilience.IsCircuitOpen(err):
		// The breaker already counted the failures that opened it.
		return resilience.ErrorClassification{Retryable: true}
	case brokerUnavailable(err):
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	default:
		return resilience.ErrorClassification{RecordFailure: true}
	}
}

// publishError maps a failed audit publish onto the domain error kinds.
func publishError(err error) error {
	if err == nil {
		return nil
	}
	if domain.IsKind(err, domain.ErrTemporary) || domain.IsKind(err, domain.ErrInvalidInput) {
		return err
	}
	if rejectedPublish(err) {
		return domain.WrapError(domain.ErrInvalidInput, "publish audit entry", err)
	}
	if resilience.IsCircuitOpen(err) || brokerUnavailable(err) {
		return domain.WrapError(domain.ErrTemporary, "publish audit entry", err)
	}
	return err
}
