package inprocess

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/kirillkom/invoice-intake/internal/core/domain"
	"github.com/kirillkom/invoice-intake/internal/core/ports"
)

// Dispatcher runs each batch on its own goroutine. Documents inside a batch
// are handled sequentially by the processor; separate batches run
// concurrently, bounded by maxConcurrent when it is positive.
type Dispatcher struct {
	processor ports.DocumentProcessor
	logger    *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	slots   chan struct{}

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

func New(processor ports.DocumentProcessor, maxConcurrent int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		processor: processor,
		logger:    logger,
		baseCtx:   ctx,
		cancel:    cancel,
	}
	if maxConcurrent > 0 {
		d.slots = make(chan struct{}, maxConcurrent)
	}
	return d
}

// Dispatch returns immediately. The batch outlives the request context.
func (d *Dispatcher) Dispatch(_ context.Context, job domain.BatchJob) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return domain.WrapError(domain.ErrTemporary, "dispatch batch", errors.New("dispatcher is shutting down"))
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if d.slots != nil {
			select {
			case d.slots <- struct{}{}:
				defer func() { <-d.slots }()
			case <-d.baseCtx.Done():
			}
		}
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("batch.panic", "batch_id", job.BatchID, "project", job.Project, "panic", r)
			}
		}()
		d.processor.ProcessBatch(d.baseCtx, job)
	}()
	return nil
}

// Shutdown stops accepting batches and waits for running ones. When ctx
// expires first, running batches are cancelled and their remaining
// documents end up as errors.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.wg.Wait()
	}()

	select {
	case <-done:
		d.cancel()
		d.logger.Info("dispatcher_drained")
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		d.logger.Warn("dispatcher_shutdown_interrupted")
		return ctx.Err()
	}
}
