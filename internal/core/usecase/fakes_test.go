package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/invoice-intake/internal/core/domain"
)

type memoryStoreFake struct {
	mu        sync.Mutex
	docs      map[string]*domain.Document
	updateErr map[string]error
}

func newMemoryStoreFake() *memoryStoreFake {
	return &memoryStoreFake{docs: map[string]*domain.Document{}, updateErr: map[string]error{}}
}

func storeKey(project, id string) string { return project + "/" + id }

func (f *memoryStoreFake) List(_ context.Context, project string, filter domain.DocumentFilter) ([]domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []domain.Document{}
	for _, doc := range f.docs {
		if doc.Project == project && filter.Matches(doc) {
			out = append(out, *doc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *memoryStoreFake) Get(_ context.Context, project, id string) (*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[storeKey(project, id)]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "get document", fmt.Errorf("id=%s", id))
	}
	return doc.Clone(), nil
}

func (f *memoryStoreFake) Save(_ context.Context, project string, doc *domain.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := doc.Clone()
	stored.Project = project
	stored.SyncDocType()
	f.docs[storeKey(project, doc.ID)] = stored
	return nil
}

func (f *memoryStoreFake) Update(_ context.Context, project, id string, patch domain.DocumentPatch) (*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.updateErr[id]; err != nil {
		return nil, err
	}
	doc, ok := f.docs[storeKey(project, id)]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "update document", fmt.Errorf("id=%s", id))
	}
	next := doc.Clone()
	if err := patch.Apply(next, time.Now().UTC()); err != nil {
		return nil, err
	}
	if next.Status == domain.StatusFinalized {
		for _, other := range f.docs {
			if other.ID != id && other.Project == project && other.Status == domain.StatusFinalized &&
				domain.SameIdentity(other.DocType, other.DocNumber, next.DocType, next.DocNumber) {
				return nil, domain.WrapError(domain.ErrDuplicateDocument, "update document", errors.New("finalized sibling exists"))
			}
		}
	}
	f.docs[storeKey(project, id)] = next
	return next.Clone(), nil
}

func (f *memoryStoreFake) Delete(_ context.Context, project, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[storeKey(project, id)]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "delete document", fmt.Errorf("id=%s", id))
	}
	if doc.Status == domain.StatusFinalized {
		return domain.WrapError(domain.ErrStorageConflict, "delete document", fmt.Errorf("document is %s", doc.Status))
	}
	delete(f.docs, storeKey(project, id))
	return nil
}

func (f *memoryStoreFake) doc(project, id string) domain.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.docs[storeKey(project, id)].Clone()
}

type memoryStorageFake struct {
	mu      sync.Mutex
	files   map[string][]byte
	saveErr error
}

func newMemoryStorageFake() *memoryStorageFake {
	return &memoryStorageFake{files: map[string][]byte{}}
}

func (f *memoryStorageFake) Save(_ context.Context, key string, data io.Reader) (int64, error) {
	if f.saveErr != nil {
		return 0, f.saveErr
	}
	payload, err := io.ReadAll(data)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[key] = payload
	return int64(len(payload)), nil
}

func (f *memoryStorageFake) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.files[key]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "open object", fmt.Errorf("key=%s", key))
	}
	return io.NopCloser(bytes.NewReader(payload)), nil
}

func (f *memoryStorageFake) Stat(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.files[key]
	if !ok {
		return 0, domain.WrapError(domain.ErrNotFound, "stat object", fmt.Errorf("key=%s", key))
	}
	return int64(len(payload)), nil
}

func (f *memoryStorageFake) Move(_ context.Context, fromKey, toKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.files[fromKey]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "move object", fmt.Errorf("key=%s", fromKey))
	}
	if _, exists := f.files[toKey]; exists {
		return domain.WrapError(domain.ErrStorageConflict, "move object", fmt.Errorf("key=%s", toKey))
	}
	f.files[toKey] = payload
	delete(f.files, fromKey)
	return nil
}

func (f *memoryStorageFake) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, key)
	return nil
}

func (f *memoryStorageFake) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[key]
	return ok
}

func (f *memoryStorageFake) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.files))
	for key := range f.files {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// textExtractorFake treats the staged bytes as the text layer. Payloads
// starting with "broken" are unparseable.
type textExtractorFake struct{}

func (textExtractorFake) Extract(_ context.Context, data []byte) (domain.TextContent, error) {
	text := string(data)
	if strings.HasPrefix(text, "broken") {
		return domain.TextContent{}, domain.WrapError(domain.ErrParseFailure, "extract pdf text", errors.New("malformed xref"))
	}
	return domain.TextContent{
		Text:     text,
		Pages:    1,
		NeedsOCR: len(strings.TrimSpace(text)) < domain.MinTextLength,
	}, nil
}

type providerFake struct {
	mu          sync.Mutex
	fields      domain.AIExtraction
	fieldsErr   error
	number      string
	numberErr   error
	fieldCalls  int
	numberCalls int
}

func (f *providerFake) ExtractFields(context.Context, string) (domain.AIExtraction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fieldCalls++
	if f.fieldsErr != nil {
		return domain.AIExtraction{}, f.fieldsErr
	}
	return f.fields, nil
}

func (f *providerFake) ExtractDocNumber(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.numberCalls++
	if f.numberErr != nil {
		return "", f.numberErr
	}
	return f.number, nil
}

type taxonomyFake struct {
	defs []domain.DocTypeDefinition
	err  error
}

func (f taxonomyFake) List(context.Context) ([]domain.DocTypeDefinition, error) {
	return f.defs, f.err
}

type trackerFake struct {
	mu      sync.Mutex
	batches map[string]*domain.BatchProgress
	rows    map[string][]domain.Document
	history [][2]int
}

func newTrackerFake() *trackerFake {
	return &trackerFake{batches: map[string]*domain.BatchProgress{}, rows: map[string][]domain.Document{}}
}

func (f *trackerFake) Start(batchID, project string, rows []domain.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches[batchID] = &domain.BatchProgress{BatchID: batchID, Project: project, Total: len(rows), Status: domain.BatchProcessing}
	f.rows[batchID] = append([]domain.Document(nil), rows...)
}

func (f *trackerFake) MarkDone(batchID string, row domain.Document) {
	f.mark(batchID, row, false)
}

func (f *trackerFake) MarkError(batchID string, row domain.Document) {
	f.mark(batchID, row, true)
}

func (f *trackerFake) mark(batchID string, row domain.Document, failed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	progress, ok := f.batches[batchID]
	if !ok {
		return
	}
	if failed {
		progress.Errors++
	} else {
		progress.Done++
	}
	if progress.Finished() {
		progress.Status = domain.BatchFinished
	}
	f.history = append(f.history, [2]int{progress.Done, progress.Errors})
	for i := range f.rows[batchID] {
		if f.rows[batchID][i].ID == row.ID {
			f.rows[batchID][i] = row
		}
	}
}

func (f *trackerFake) Progress(batchID string) (domain.BatchProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	progress, ok := f.batches[batchID]
	if !ok {
		return domain.BatchProgress{}, domain.WrapError(domain.ErrNotFound, "batch progress", fmt.Errorf("batch_id=%s", batchID))
	}
	return *progress, nil
}

func (f *trackerFake) Rows(batchID string) ([]domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows, ok := f.rows[batchID]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "batch rows", fmt.Errorf("batch_id=%s", batchID))
	}
	return append([]domain.Document(nil), rows...), nil
}

type auditFake struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	err     error
}

func (f *auditFake) Append(_ context.Context, entry domain.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, entry)
	return nil
}

func (f *auditFake) History(_ context.Context, project, documentID string) ([]domain.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.AuditEntry, 0)
	for _, entry := range f.entries {
		if entry.Project == project && entry.DocumentID == documentID {
			out = append(out, entry)
		}
	}
	return out, nil
}

type dispatcherFake struct {
	jobs []domain.BatchJob
	err  error
}

func (f *dispatcherFake) Dispatch(_ context.Context, job domain.BatchJob) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}
