package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/kirillkom/invoice-intake/internal/core/domain"
)

const defaultRetention = 24 * time.Hour

type batch struct {
	progress   domain.BatchProgress
	rows       []domain.Document
	settled    map[string]bool
	finishedAt time.Time
}

// Tracker holds batch progress in process memory. Each row is counted at
// most once, so done and errors never decrease and never exceed total.
// Finished batches are dropped after the retention window.
type Tracker struct {
	mu        sync.Mutex
	batches   map[string]*batch
	retention time.Duration
	now       func() time.Time
}

func New(retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Tracker{
		batches:   make(map[string]*batch),
		retention: retention,
		now:       time.Now,
	}
}

func (t *Tracker) Start(batchID, project string, rows []domain.Document) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictLocked()

	b := &batch{
		progress: domain.BatchProgress{
			BatchID: batchID,
			Project: project,
			Total:   len(rows),
			Status:  domain.BatchProcessing,
		},
		rows:    make([]domain.Document, len(rows)),
		settled: make(map[string]bool, len(rows)),
	}
	for i := range rows {
		b.rows[i] = *rows[i].Clone()
	}
	if b.progress.Finished() {
		b.progress.Status = domain.BatchFinished
		b.finishedAt = t.now()
	}
	t.batches[batchID] = b
}

func (t *Tracker) MarkDone(batchID string, row domain.Document) {
	t.mark(batchID, row, false)
}

func (t *Tracker) MarkError(batchID string, row domain.Document) {
	t.mark(batchID, row, true)
}

func (t *Tracker) mark(batchID string, row domain.Document, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.batches[batchID]
	if !ok {
		return
	}
	idx := -1
	for i := range b.rows {
		if b.rows[i].ID == row.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	b.rows[idx] = *row.Clone()
	if b.settled[row.ID] {
		return
	}
	b.settled[row.ID] = true
	if failed {
		b.progress.Errors++
	} else {
		b.progress.Done++
	}
	if b.progress.Finished() && b.progress.Status != domain.BatchFinished {
		b.progress.Status = domain.BatchFinished
		b.finishedAt = t.now()
	}
}

func (t *Tracker) Progress(batchID string) (domain.BatchProgress, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.batches[batchID]
	if !ok {
		return domain.BatchProgress{}, domain.WrapError(domain.ErrNotFound, "batch progress", fmt.Errorf("batch_id=%s", batchID))
	}
	return b.progress, nil
}

func (t *Tracker) Rows(batchID string) ([]domain.Document, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.batches[batchID]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "batch rows", fmt.Errorf("batch_id=%s", batchID))
	}
	out := make([]domain.Document, len(b.rows))
	for i := range b.rows {
		out[i] = *b.rows[i].Clone()
	}
	return out, nil
}

// Active counts batches that are still processing.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, b := range t.batches {
		if b.progress.Status == domain.BatchProcessing {
			n++
		}
	}
	return n
}

func (t *Tracker) evictLocked() {
	cutoff := t.now().Add(-t.retention)
	for id, b := range t.batches {
		if b.progress.Status == domain.BatchFinished && b.finishedAt.Before(cutoff) {
			delete(t.batches, id)
		}
	}
}
