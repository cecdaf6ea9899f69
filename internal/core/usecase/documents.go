package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/invoice-intake/internal/core/domain"
	"github.com/kirillkom/invoice-intake/internal/core/ports"
)

// editableStatuses are the states a human may still correct.
var editableStatuses = []domain.DocumentStatus{
	domain.StatusUploaded,
	domain.StatusStaging,
	domain.StatusExtracted,
	domain.StatusError,
}

type DocumentUseCase struct {
	store    ports.DocumentStore
	storage  ports.ObjectStorage
	taxonomy ports.DocTypeTaxonomy
	audit    ports.AuditLog
	history  ports.AuditHistory
	logger   *slog.Logger
}

func NewDocumentUseCase(
	store ports.DocumentStore,
	storage ports.ObjectStorage,
	taxonomy ports.DocTypeTaxonomy,
	audit ports.AuditLog,
	logger *slog.Logger,
) *DocumentUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentUseCase{
		store:    store,
		storage:  storage,
		taxonomy: taxonomy,
		audit:    audit,
		logger:   logger,
	}
}

// WithHistory enables audit trail reads. Without it History returns an empty trail.
func (uc *DocumentUseCase) WithHistory(history ports.AuditHistory) *DocumentUseCase {
	uc.history = history
	return uc
}

func (uc *DocumentUseCase) List(ctx context.Context, project string, filter domain.DocumentFilter) ([]domain.Document, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, domain.WrapError(domain.ErrInvalidInput, "list documents", fmt.Errorf("unknown status %q", filter.Status))
	}
	return uc.store.List(ctx, project, filter)
}

func (uc *DocumentUseCase) Get(ctx context.Context, project, id string) (*domain.Document, error) {
	return uc.store.Get(ctx, project, id)
}

// Update applies a human correction. A doc_type change is canonicalized
// again and recorded as a manual decision.
func (uc *DocumentUseCase) Update(ctx context.Context, project, id string, input domain.DocumentUpdate) (*domain.Document, error) {
	patch, err := uc.patchFromUpdate(ctx, input)
	if err != nil {
		return nil, err
	}

	updated, err := uc.store.Update(ctx, project, id, patch)
	if err != nil {
		if domain.IsKind(err, domain.ErrStorageConflict) {
			return nil, domain.WrapError(domain.ErrInvalidInput, "update document", errors.New("finalized documents are read-only"))
		}
		return nil, err
	}

	uc.appendAudit(ctx, domain.AuditEntry{
		Project:    project,
		DocumentID: id,
		Action:     domain.AuditUpdated,
		ToStatus:   updated.Status,
		Details:    strings.Join(changedFields(input), ","),
	})
	return updated, nil
}

func (uc *DocumentUseCase) patchFromUpdate(ctx context.Context, input domain.DocumentUpdate) (domain.DocumentPatch, error) {
	patch := domain.DocumentPatch{
		RequireStatus: editableStatuses,
		Status:        input.Status,
		DocNumber:     trimmed(input.DocNumber),
		Date:          trimmed(input.Date),
		DueDate:       trimmed(input.DueDate),
		Supplier:      trimmed(input.Supplier),
		Customer:      trimmed(input.Customer),
		Total:         input.Total,
		Currency:      trimmed(input.Currency),
		Notes:         input.Notes,
		References:    input.References,
	}

	if input.Status != nil && *input.Status == domain.StatusFinalized {
		return domain.DocumentPatch{}, domain.WrapError(domain.ErrInvalidInput, "update document", errors.New("use finalize to archive a document"))
	}
	if input.Total != nil && input.Total.IsNegative() {
		return domain.DocumentPatch{}, domain.WrapError(domain.ErrInvalidInput, "update document", errors.New("total must not be negative"))
	}
	if input.Date != nil {
		normalized := normalizeDate(*input.Date)
		patch.Date = &normalized
	}
	if input.DueDate != nil {
		normalized := normalizeDate(*input.DueDate)
		patch.DueDate = &normalized
	}

	if input.DocType != nil {
		taxonomy, err := uc.taxonomy.List(ctx)
		if err != nil {
			return domain.DocumentPatch{}, fmt.Errorf("list doc types: %w", err)
		}
		raw := strings.TrimSpace(*input.DocType)
		match := Canonicalize(raw, taxonomy)
		source := domain.MethodManual
		patch.DocTypeRaw = &raw
		patch.DocTypeID = &match.ID
		patch.DocTypeLabel = &match.Label
		patch.DocTypeConfidence = &match.Confidence
		patch.NeedsReviewDocType = &match.NeedsReview
		patch.DocTypeSource = &source
	}

	patch.RefreshNeedsReview = input.Supplier != nil || input.Customer != nil
	return patch, nil
}

// Delete removes the record and its staged file. Archived documents stay.
func (uc *DocumentUseCase) Delete(ctx context.Context, project, id string) error {
	doc, err := uc.store.Get(ctx, project, id)
	if err != nil {
		return err
	}
	if doc.Status == domain.StatusFinalized {
		return domain.WrapError(domain.ErrInvalidInput, "delete document", errors.New("finalized documents cannot be deleted"))
	}

	// The store refuses finalized documents under its own lock, so a finalize
	// that lands after the Get above still wins.
	if err := uc.store.Delete(ctx, project, id); err != nil {
		if domain.IsKind(err, domain.ErrStorageConflict) {
			return domain.WrapError(domain.ErrInvalidInput, "delete document", errors.New("finalized documents cannot be deleted"))
		}
		return err
	}
	if doc.FilePath != "" {
		if err := uc.storage.Remove(ctx, doc.FilePath); err != nil && !domain.IsKind(err, domain.ErrNotFound) {
			uc.logger.Warn("document.file_remove_failed", "document_id", id, "path", doc.FilePath, "error", err)
		}
	}

	uc.appendAudit(ctx, domain.AuditEntry{
		Project:    project,
		DocumentID: id,
		Action:     domain.AuditDeleted,
		FromStatus: doc.Status,
	})
	return nil
}

// History returns the audit trail of a document. Deleted documents keep theirs.
func (uc *DocumentUseCase) History(ctx context.Context, project, id string) ([]domain.AuditEntry, error) {
	if err := domain.ValidateProject(project); err != nil {
		return nil, err
	}
	if uc.history == nil {
		return []domain.AuditEntry{}, nil
	}
	return uc.history.History(ctx, project, id)
}

func (uc *DocumentUseCase) appendAudit(ctx context.Context, entry domain.AuditEntry) {
	if uc.audit == nil {
		return
	}
	entry.ID = uuid.NewString()
	entry.CreatedAt = time.Now().UTC()
	if err := uc.audit.Append(ctx, entry); err != nil {
		uc.logger.Warn("audit.append_failed", "document_id", entry.DocumentID, "action", entry.Action, "error", err)
	}
}

func trimmed(value *string) *string {
	if value == nil {
		return nil
	}
	out := strings.TrimSpace(*value)
	return &out
}

func changedFields(input domain.DocumentUpdate) []string {
	fields := make([]string, 0, 11)
	add := func(set bool, name string) {
		if set {
			fields = append(fields, name)
		}
	}
	add(input.DocType != nil, "doc_type")
	add(input.DocNumber != nil, "doc_number")
	add(input.Date != nil, "date")
	add(input.DueDate != nil, "due_date")
	add(input.Supplier != nil, "supplier")
	add(input.Customer != nil, "customer")
	add(input.Total != nil, "total")
	add(input.Currency != nil, "currency")
	add(input.Notes != nil, "notes")
	add(input.References != nil, "references")
	add(input.Status != nil, "status")
	return fields
}
