package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/invoice-intake/internal/core/domain"
	"github.com/kirillkom/invoice-intake/internal/core/ports"
)

type UploadIntake struct {
	store      ports.DocumentStore
	storage    ports.ObjectStorage
	tracker    ports.BatchTracker
	dispatcher ports.BatchDispatcher
	logger     *slog.Logger
}

func NewUploadIntake(
	store ports.DocumentStore,
	storage ports.ObjectStorage,
	tracker ports.BatchTracker,
	dispatcher ports.BatchDispatcher,
	logger *slog.Logger,
) *UploadIntake {
	if logger == nil {
		logger = slog.Default()
	}
	return &UploadIntake{
		store:      store,
		storage:    storage,
		tracker:    tracker,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Upload stages every file under a fresh batch id and hands the batch to the
// dispatcher. It returns before any extraction runs.
func (uc *UploadIntake) Upload(ctx context.Context, project string, files []domain.UploadFile) (*domain.UploadResult, error) {
	if err := domain.ValidateProject(project); err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload", errors.New("no files"))
	}
	for _, file := range files {
		if !looksLikePDF(file) {
			return nil, domain.WrapError(domain.ErrInvalidInput, "upload", fmt.Errorf("%q is not a pdf", file.Name))
		}
	}

	batchID := uuid.NewString()
	now := time.Now().UTC()
	docs := make([]domain.Document, 0, len(files))

	for _, file := range files {
		doc, err := uc.stage(ctx, project, batchID, file, now)
		if err != nil {
			uc.rollback(ctx, project, docs)
			return nil, err
		}
		docs = append(docs, *doc)
	}

	uc.tracker.Start(batchID, project, docs)

	job := domain.BatchJob{BatchID: batchID, Project: project, DocumentIDs: make([]string, 0, len(docs))}
	for _, doc := range docs {
		job.DocumentIDs = append(job.DocumentIDs, doc.ID)
	}
	if err := uc.dispatcher.Dispatch(ctx, job); err != nil {
		uc.rollback(ctx, project, docs)
		for _, doc := range docs {
			doc.Status = domain.StatusError
			doc.Error = "batch was not dispatched"
			uc.tracker.MarkError(batchID, doc)
		}
		return nil, fmt.Errorf("dispatch batch: %w", err)
	}

	uc.logger.Info("batch.accepted", "batch_id", batchID, "project", project, "documents", len(docs))
	return &domain.UploadResult{BatchID: batchID, Count: len(docs), Documents: docs}, nil
}

func (uc *UploadIntake) stage(ctx context.Context, project, batchID string, file domain.UploadFile, now time.Time) (*domain.Document, error) {
	id := uuid.NewString()
	key := stagingKey(project, batchID, id, file.Name)

	size, err := uc.storage.Save(ctx, key, file.Body)
	if err != nil {
		return nil, fmt.Errorf("stage file: %w", err)
	}

	doc := &domain.Document{
		ID:         id,
		Project:    project,
		BatchID:    batchID,
		Status:     domain.StatusUploaded,
		References: []domain.Reference{},
		FilePath:   key,
		OrigName:   file.Name,
		Size:       size,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := uc.store.Save(ctx, project, doc); err != nil {
		_ = uc.storage.Remove(ctx, key)
		return nil, fmt.Errorf("create document metadata: %w", err)
	}
	return doc, nil
}

// rollback removes what was staged before a later file failed.
func (uc *UploadIntake) rollback(ctx context.Context, project string, docs []domain.Document) {
	for _, doc := range docs {
		if err := uc.store.Delete(ctx, project, doc.ID); err != nil {
			uc.logger.Warn("upload.rollback_failed", "document_id", doc.ID, "error", err)
		}
		if err := uc.storage.Remove(ctx, doc.FilePath); err != nil {
			uc.logger.Warn("upload.rollback_failed", "document_id", doc.ID, "error", err)
		}
	}
}

func stagingKey(project, batchID, id, filename string) string {
	return path.Join("staging", project, batchID, fmt.Sprintf("%s_%s", id, sanitizeFilename(filename)))
}

func looksLikePDF(file domain.UploadFile) bool {
	if strings.EqualFold(filepath.Ext(file.Name), ".pdf") {
		return true
	}
	contentType := strings.ToLower(strings.TrimSpace(file.ContentType))
	return strings.HasPrefix(contentType, "application/pdf")
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." || base == ".." {
		return "document.pdf"
	}
	return base
}
