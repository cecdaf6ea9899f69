package usecase

import (
	"context"
	"fmt"

	"github.com/kirillkom/invoice-intake/internal/core/domain"
	"github.com/kirillkom/invoice-intake/internal/core/ports"
)

// BatchQuery scopes tracker reads to the calling project.
type BatchQuery struct {
	tracker ports.BatchTracker
}

func NewBatchQuery(tracker ports.BatchTracker) *BatchQuery {
	return &BatchQuery{tracker: tracker}
}

func (q *BatchQuery) Progress(_ context.Context, project, batchID string) (domain.BatchProgress, error) {
	progress, err := q.tracker.Progress(batchID)
	if err != nil {
		return domain.BatchProgress{}, err
	}
	if progress.Project != project {
		return domain.BatchProgress{}, batchNotFound(batchID)
	}
	return progress, nil
}

func (q *BatchQuery) Rows(ctx context.Context, project, batchID string) ([]domain.Document, error) {
	if _, err := q.Progress(ctx, project, batchID); err != nil {
		return nil, err
	}
	return q.tracker.Rows(batchID)
}

func batchNotFound(batchID string) error {
	return domain.WrapError(domain.ErrNotFound, "batch progress", fmt.Errorf("batch_id=%s", batchID))
}
