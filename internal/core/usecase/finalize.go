package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/kirillkom/invoice-intake/internal/core/domain"
	"github.com/kirillkom/invoice-intake/internal/core/ports"
)

var finalizableStatuses = []domain.DocumentStatus{domain.StatusStaging, domain.StatusExtracted}

// FinalizeObserver receives finalize outcomes.
type FinalizeObserver interface {
	ObserveFinalize(outcome string)
}

type FinalizationService struct {
	store       ports.DocumentStore
	storage     ports.ObjectStorage
	taxonomy    ports.DocTypeTaxonomy
	audit       ports.AuditLog
	observer    FinalizeObserver
	archiveRoot string
	logger      *slog.Logger
	now         func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewFinalizationService(
	store ports.DocumentStore,
	storage ports.ObjectStorage,
	taxonomy ports.DocTypeTaxonomy,
	audit ports.AuditLog,
	observer FinalizeObserver,
	archiveRoot string,
	logger *slog.Logger,
) *FinalizationService {
	if logger == nil {
		logger = slog.Default()
	}
	archiveRoot = strings.Trim(strings.TrimSpace(archiveRoot), "/")
	if archiveRoot == "" {
		archiveRoot = "archive"
	}
	return &FinalizationService{
		store:       store,
		storage:     storage,
		taxonomy:    taxonomy,
		audit:       audit,
		observer:    observer,
		archiveRoot: archiveRoot,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		locks:       make(map[string]*sync.Mutex),
	}
}

// Finalize moves a staged document into the archive. The archive folder is
// derived from the current clock, not from the invoice date.
func (s *FinalizationService) Finalize(ctx context.Context, project string, req domain.FinalizeRequest) (*domain.Document, error) {
	doc, err := s.finalize(ctx, project, req)
	s.observe(err)
	return doc, err
}

// FinalizeBulk finalizes each item independently and reports per-item outcomes.
func (s *FinalizationService) FinalizeBulk(ctx context.Context, project string, reqs []domain.FinalizeRequest) []domain.FinalizeResult {
	results := make([]domain.FinalizeResult, 0, len(reqs))
	for _, req := range reqs {
		result := domain.FinalizeResult{ID: req.ID, OK: true}
		if _, err := s.Finalize(ctx, project, req); err != nil {
			result.OK = false
			result.Error = err.Error()
		}
		results = append(results, result)
	}
	return results
}

func (s *FinalizationService) finalize(ctx context.Context, project string, req domain.FinalizeRequest) (*domain.Document, error) {
	unlock := s.lockProject(project)
	defer unlock()

	doc, err := s.store.Get(ctx, project, req.ID)
	if err != nil {
		return nil, err
	}
	if doc.Status != domain.StatusStaging && doc.Status != domain.StatusExtracted {
		return nil, domain.WrapError(domain.ErrInvalidInput, "finalize", fmt.Errorf("document is %s", doc.Status))
	}

	patch, docType, docNumber, err := s.resolveIdentity(ctx, doc, req)
	if err != nil {
		return nil, err
	}

	if err := s.ensureNoSibling(ctx, project, doc.ID, docType, docNumber); err != nil {
		return nil, err
	}

	size, err := s.storage.Stat(ctx, doc.FilePath)
	if err != nil {
		if domain.IsKind(err, domain.ErrNotFound) {
			return nil, domain.WrapError(domain.ErrNotFound, "finalize", fmt.Errorf("staged file %s is missing", doc.FilePath))
		}
		return nil, fmt.Errorf("stat staged file: %w", err)
	}

	dest := s.archiveKey(project, docType, docNumber)
	if _, err := s.storage.Stat(ctx, dest); err == nil {
		return nil, domain.WrapError(domain.ErrStorageConflict, "finalize", fmt.Errorf("archive file %s already exists", dest))
	} else if !domain.IsKind(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("stat archive file: %w", err)
	}

	if err := s.storage.Move(ctx, doc.FilePath, dest); err != nil {
		return nil, fmt.Errorf("move to archive: %w", err)
	}

	status := domain.StatusFinalized
	patch.RequireStatus = finalizableStatuses
	patch.Status = &status
	patch.FilePath = &dest
	patch.Size = &size

	updated, err := s.store.Update(ctx, project, doc.ID, patch)
	if err != nil {
		s.restore(ctx, project, doc, dest)
		return nil, err
	}

	s.appendAudit(ctx, domain.AuditEntry{
		Project:    project,
		DocumentID: doc.ID,
		Action:     domain.AuditFinalized,
		FromStatus: doc.Status,
		ToStatus:   domain.StatusFinalized,
		Details:    dest,
	})
	s.logger.Info("document.finalized", "project", project, "document_id", doc.ID, "path", dest)
	return updated, nil
}

// resolveIdentity picks the explicit arguments over stored values. The OCR
// sentinel never counts as a document number.
func (s *FinalizationService) resolveIdentity(ctx context.Context, doc *domain.Document, req domain.FinalizeRequest) (domain.DocumentPatch, string, string, error) {
	var patch domain.DocumentPatch

	docNumber := strings.TrimSpace(req.DocNumber)
	if docNumber == "" {
		docNumber = strings.TrimSpace(doc.DocNumber)
	}
	if docNumber == domain.DocNumberOCRRequired {
		docNumber = ""
	}

	docType := strings.TrimSpace(doc.DocType)
	if raw := strings.TrimSpace(req.DocType); raw != "" && !strings.EqualFold(raw, docType) {
		taxonomy, err := s.taxonomy.List(ctx)
		if err != nil {
			return patch, "", "", fmt.Errorf("list doc types: %w", err)
		}
		match := Canonicalize(raw, taxonomy)
		source := domain.MethodManual
		patch.DocTypeRaw = &raw
		patch.DocTypeID = &match.ID
		patch.DocTypeLabel = &match.Label
		patch.DocTypeConfidence = &match.Confidence
		patch.NeedsReviewDocType = &match.NeedsReview
		patch.DocTypeSource = &source
		docType = match.Label
		if docType == "" {
			docType = raw
		}
	}

	if docType == "" || docNumber == "" {
		return patch, "", "", domain.WrapError(domain.ErrInvalidInput, "finalize", errors.New("doc_type and doc_number are required"))
	}
	patch.DocNumber = &docNumber
	return patch, docType, docNumber, nil
}

func (s *FinalizationService) ensureNoSibling(ctx context.Context, project, id, docType, docNumber string) error {
	siblings, err := s.store.List(ctx, project, domain.DocumentFilter{
		Status:    domain.StatusFinalized,
		DocType:   docType,
		DocNumber: docNumber,
	})
	if err != nil {
		return fmt.Errorf("list finalized documents: %w", err)
	}
	for _, sibling := range siblings {
		if sibling.ID != id {
			return domain.WrapError(
				domain.ErrDuplicateDocument,
				"finalize",
				fmt.Errorf("%s %s is already finalized as %s", docType, docNumber, sibling.ID),
			)
		}
	}
	return nil
}

// restore moves the file back after a failed record write. If that also
// fails the document is flagged so an operator can reconcile it.
func (s *FinalizationService) restore(ctx context.Context, project string, doc *domain.Document, dest string) {
	ctx = context.WithoutCancel(ctx)
	err := s.storage.Move(ctx, dest, doc.FilePath)
	if err == nil {
		return
	}
	s.logger.Error("finalize.restore_failed", "document_id", doc.ID, "from", dest, "to", doc.FilePath, "error", err)

	status := domain.StatusError
	message := fmt.Sprintf("archive write failed; file left at %s", dest)
	if _, err := s.store.Update(ctx, project, doc.ID, domain.DocumentPatch{
		Status:   &status,
		Error:    &message,
		FilePath: &dest,
	}); err != nil {
		s.logger.Error("finalize.mark_failed", "document_id", doc.ID, "error", err)
	}
}

func (s *FinalizationService) archiveKey(project, docType, docNumber string) string {
	now := s.now()
	name := fmt.Sprintf("%s-%s.pdf", sanitizeSegment(docType), sanitizeSegment(docNumber))
	return path.Join(s.archiveRoot, project, now.Format("2006"), now.Format("01"), name)
}

func (s *FinalizationService) lockProject(project string) func() {
	s.mu.Lock()
	lock, ok := s.locks[project]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[project] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func (s *FinalizationService) appendAudit(ctx context.Context, entry domain.AuditEntry) {
	if s.audit == nil {
		return
	}
	entry.ID = uuid.NewString()
	entry.CreatedAt = s.now()
	if err := s.audit.Append(ctx, entry); err != nil {
		s.logger.Warn("audit.append_failed", "document_id", entry.DocumentID, "action", entry.Action, "error", err)
	}
}

func (s *FinalizationService) observe(err error) {
	if s.observer == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case domain.IsKind(err, domain.ErrDuplicateDocument):
		outcome = "duplicate"
	case domain.IsKind(err, domain.ErrStorageConflict):
		outcome = "conflict"
	case domain.IsKind(err, domain.ErrInvalidInput):
		outcome = "invalid"
	case domain.IsKind(err, domain.ErrNotFound):
		outcome = "not_found"
	default:
		outcome = "error"
	}
	s.observer.ObserveFinalize(outcome)
}

// sanitizeSegment keeps letters and digits and folds everything else to "_".
func sanitizeSegment(value string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.TrimSpace(value) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteRune('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "unknown"
	}
	return out
}
