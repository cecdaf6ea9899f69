package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/kirillkom/invoice-intake/internal/core/domain"
	"github.com/kirillkom/invoice-intake/internal/core/ports"
)

const (
	aiConfidence          = 0.9
	regexBaseConfidence   = 0.3
	regexFieldConfidence  = 0.1
	maxAcceptedTotal      = 1e7
	defaultMinAITextChars = 200
	defaultRepromptFloor  = 0.7
)

// ExtractionObserver receives pipeline outcomes. Implementations must be safe
// for concurrent use since batches run in parallel.
type ExtractionObserver interface {
	BatchStarted()
	BatchFinished()
	ObserveDocument(method domain.ExtractionMethod, outcome string, duration time.Duration)
	ObserveAIAttempt(outcome string)
	ObserveReprompt(outcome string)
}

type noopObserver struct{}

func (noopObserver) BatchStarted() {}
func (noopObserver) BatchFinished() {}
func (noopObserver) ObserveDocument(domain.ExtractionMethod, string, time.Duration) {}
func (noopObserver) ObserveAIAttempt(string) {}
func (noopObserver) ObserveReprompt(string) {}

type attemptKind string

const (
	attemptAI     attemptKind = "ai"
	attemptRegex  attemptKind = "regex"
	attemptFailed attemptKind = "failed"
)

// extractionAttempt is the tagged outcome of one extraction path.
type extractionAttempt struct {
	kind   attemptKind
	fields extractedFields
	reason error
}

type extractedFields struct {
	method     domain.ExtractionMethod
	confidence float64
	needsOCR   bool

	docTypeRaw string
	docNumber  string
	date       string
	dueDate    string
	supplier   string
	customer   string
	total      decimal.Decimal
	currency   string
	notes      string
	references []domain.Reference
}

type ExtractionEngine struct {
	store     ports.DocumentStore
	storage   ports.ObjectStorage
	extractor ports.TextExtractor
	provider  ports.ExtractionProvider
	taxonomy  ports.DocTypeTaxonomy
	tracker   ports.BatchTracker
	observer  ExtractionObserver
	limits    domain.ExtractionLimits
	logger    *slog.Logger
}

// NewExtractionEngine wires the pipeline. provider may be nil when no AI
// credential is configured; observer and logger fall back to no-op defaults.
func NewExtractionEngine(
	store ports.DocumentStore,
	storage ports.ObjectStorage,
	extractor ports.TextExtractor,
	provider ports.ExtractionProvider,
	taxonomy ports.DocTypeTaxonomy,
	tracker ports.BatchTracker,
	observer ExtractionObserver,
	limits domain.ExtractionLimits,
	logger *slog.Logger,
) *ExtractionEngine {
	if observer == nil {
		observer = noopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if limits.MinAITextLength <= 0 {
		limits.MinAITextLength = defaultMinAITextChars
	}
	if limits.RepromptMinConfidence <= 0 {
		limits.RepromptMinConfidence = defaultRepromptFloor
	}
	return &ExtractionEngine{
		store:     store,
		storage:   storage,
		extractor: extractor,
		provider:  provider,
		taxonomy:  taxonomy,
		tracker:   tracker,
		observer:  observer,
		limits:    limits,
		logger:    logger,
	}
}

// ProcessBatch runs every document of the batch in order on the calling
// goroutine. A failing document is recorded and the batch moves on.
func (e *ExtractionEngine) ProcessBatch(ctx context.Context, job domain.BatchJob) {
	e.observer.BatchStarted()
	defer e.observer.BatchFinished()

	log := e.logger.With("batch_id", job.BatchID, "project", job.Project)
	log.Info("batch.started", "documents", len(job.DocumentIDs))

	for _, id := range job.DocumentIDs {
		if err := ctx.Err(); err != nil {
			log.Warn("extraction.skipped", "document_id", id, "error", err)
			e.fail(ctx, job, id, nil, fmt.Errorf("batch cancelled: %w", err), time.Now())
			continue
		}
		e.processDocument(ctx, job, id)
	}

	if progress, err := e.tracker.Progress(job.BatchID); err == nil {
		log.Info("batch.finished", "total", progress.Total, "done", progress.Done, "errors", progress.Errors)
	}
}

func (e *ExtractionEngine) processDocument(ctx context.Context, job domain.BatchJob, id string) {
	start := time.Now()
	log := e.logger.With("batch_id", job.BatchID, "project", job.Project, "document_id", id)

	var doc *domain.Document
	defer func() {
		if r := recover(); r != nil {
			e.fail(ctx, job, id, doc, fmt.Errorf("extraction panic: %v", r), start)
		}
	}()

	staging := domain.StatusStaging
	doc, err := e.store.Update(ctx, job.Project, id, domain.DocumentPatch{Status: &staging})
	if err != nil {
		e.fail(ctx, job, id, nil, fmt.Errorf("set status=staging: %w", err), start)
		return
	}

	fields, err := e.extract(ctx, doc)
	if err != nil {
		e.fail(ctx, job, id, doc, err, start)
		return
	}

	taxonomy, err := e.taxonomy.List(ctx)
	if err != nil {
		log.Warn("extraction.taxonomy_unavailable", "error", err)
	}
	patch := buildExtractionPatch(fields, Canonicalize(fields.docTypeRaw, taxonomy))

	updated, err := e.store.Update(ctx, job.Project, id, patch)
	if err != nil {
		e.fail(ctx, job, id, doc, fmt.Errorf("persist extraction: %w", err), start)
		return
	}

	e.tracker.MarkDone(job.BatchID, *updated)
	e.observer.ObserveDocument(fields.method, "extracted", time.Since(start))
	log.Info("extraction.completed",
		"method", fields.method,
		"confidence", fields.confidence,
		"needs_ocr", fields.needsOCR,
		"doc_type", updated.DocType,
		"doc_number", updated.DocNumber,
	)
}

func (e *ExtractionEngine) extract(ctx context.Context, doc *domain.Document) (extractedFields, error) {
	data, err := e.readFile(ctx, doc.FilePath)
	if err != nil {
		return extractedFields{}, err
	}

	content, err := e.extractor.Extract(ctx, data)
	if err != nil {
		return extractedFields{}, fmt.Errorf("extract text: %w", err)
	}

	text := strings.TrimSpace(content.Text)
	if content.NeedsOCR || utf8.RuneCountInString(text) < domain.MinTextLength {
		return ocrRequiredFields(), nil
	}

	attempt := e.selectAttempt(ctx, text)
	fields := attempt.fields

	fields.docNumber = gateDocNumber(fields.docNumber)
	if fields.docNumber == "" {
		fields.docNumber = findSerialNumber(text)
	}
	if fields.docNumber == "" && attempt.kind == attemptAI && fields.confidence >= e.limits.RepromptMinConfidence {
		fields.docNumber = e.reprompt(ctx, text)
	}
	return fields, nil
}

func (e *ExtractionEngine) readFile(ctx context.Context, key string) ([]byte, error) {
	reader, err := e.storage.Open(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("open staged file: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read staged file: %w", err)
	}
	return data, nil
}

// selectAttempt runs the AI path when it is eligible and falls back to regex
// when it is not or when the provider attempt failed.
func (e *ExtractionEngine) selectAttempt(ctx context.Context, text string) extractionAttempt {
	if e.provider == nil || utf8.RuneCountInString(text) < e.limits.MinAITextLength {
		return regexAttempt(text, domain.MethodRegex)
	}

	attempt := e.aiAttempt(ctx, text)
	e.observer.ObserveAIAttempt(string(attempt.kind))
	if attempt.kind == attemptAI {
		return attempt
	}

	e.logger.Warn("extraction.ai_failed", "error", attempt.reason)
	return regexAttempt(text, domain.MethodFallbackRegex)
}

func (e *ExtractionEngine) aiAttempt(ctx context.Context, text string) extractionAttempt {
	callCtx, cancel := e.providerContext(ctx)
	defer cancel()

	res, err := e.provider.ExtractFields(callCtx, text)
	if err != nil {
		return extractionAttempt{kind: attemptFailed, reason: domain.WrapError(domain.ErrProviderFailure, "ai extract", err)}
	}

	total := acceptedTotal(res.Total)
	docNumber := strings.TrimSpace(res.DocNumber)
	date := normalizeDate(res.Date)
	if docNumber == "" && date == "" && !total.IsPositive() {
		return extractionAttempt{
			kind:   attemptFailed,
			reason: domain.WrapError(domain.ErrProviderFailure, "ai extract", errors.New("response has no doc number, date or total")),
		}
	}

	return extractionAttempt{
		kind: attemptAI,
		fields: extractedFields{
			method:     domain.MethodAI,
			confidence: aiConfidence,
			docTypeRaw: strings.TrimSpace(res.DocType),
			docNumber:  docNumber,
			date:       date,
			dueDate:    normalizeDate(res.DueDate),
			supplier:   strings.TrimSpace(res.Supplier),
			customer:   strings.TrimSpace(res.Customer),
			total:      total,
			currency:   strings.ToUpper(strings.TrimSpace(res.Currency)),
			notes:      strings.TrimSpace(res.Notes),
			references: cleanReferences(res.References),
		},
	}
}

// reprompt is the single narrow follow-up for a missing doc number.
func (e *ExtractionEngine) reprompt(ctx context.Context, text string) string {
	callCtx, cancel := e.providerContext(ctx)
	defer cancel()

	number, err := e.provider.ExtractDocNumber(callCtx, text)
	if err != nil {
		e.observer.ObserveReprompt("failed")
		e.logger.Warn("extraction.reprompt_failed", "error", err)
		return ""
	}
	number = strings.TrimSpace(number)
	if utf8.RuneCountInString(number) <= 2 || gateDocNumber(number) == "" {
		e.observer.ObserveReprompt("rejected")
		return ""
	}
	e.observer.ObserveReprompt("accepted")
	return number
}

func (e *ExtractionEngine) providerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.limits.AITimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.limits.AITimeout)
}

func (e *ExtractionEngine) fail(ctx context.Context, job domain.BatchJob, id string, doc *domain.Document, cause error, start time.Time) {
	e.logger.Error("extraction.failed",
		"batch_id", job.BatchID,
		"project", job.Project,
		"document_id", id,
		"error", cause,
	)

	status := domain.StatusError
	message := cause.Error()
	snapshot := domain.Document{ID: id, Project: job.Project, BatchID: job.BatchID}
	if doc != nil {
		snapshot = *doc.Clone()
	}
	snapshot.Status = status
	snapshot.Error = message

	// The failure is recorded even if the batch context was cancelled.
	updated, err := e.store.Update(context.WithoutCancel(ctx), job.Project, id, domain.DocumentPatch{
		Status: &status,
		Error:  &message,
	})
	if err != nil {
		e.logger.Error("extraction.mark_failed", "document_id", id, "error", err)
	} else {
		snapshot = *updated
	}

	e.tracker.MarkError(job.BatchID, snapshot)
	e.observer.ObserveDocument("", "error", time.Since(start))
}

func ocrRequiredFields() extractedFields {
	return extractedFields{
		method:     domain.MethodRegex,
		confidence: 0,
		needsOCR:   true,
		docNumber:  domain.DocNumberOCRRequired,
		total:      decimal.Zero,
	}
}

func regexAttempt(text string, method domain.ExtractionMethod) extractionAttempt {
	found := extractWithRegex(text)
	resolved := 0
	if gateDocNumber(found.docNumber) != "" {
		resolved++
	}
	if found.date != "" {
		resolved++
	}
	if found.total.IsPositive() {
		resolved++
	}
	return extractionAttempt{
		kind: attemptRegex,
		fields: extractedFields{
			method:     method,
			confidence: regexBaseConfidence + regexFieldConfidence*float64(resolved),
			docTypeRaw: found.docTypeRaw,
			docNumber:  found.docNumber,
			date:       found.date,
			total:      found.total,
			currency:   found.currency,
		},
	}
}

// acceptedTotal keeps a provider total only when it is a plausible invoice amount.
func acceptedTotal(value float64) decimal.Decimal {
	if math.IsNaN(value) || math.IsInf(value, 0) || value <= 0 || value >= maxAcceptedTotal {
		return decimal.Zero
	}
	return decimal.NewFromFloat(value).Round(2)
}

func cleanReferences(refs []domain.Reference) []domain.Reference {
	out := make([]domain.Reference, 0, len(refs))
	for _, ref := range refs {
		ref.Type = strings.TrimSpace(ref.Type)
		ref.Value = strings.TrimSpace(ref.Value)
		if ref.Value == "" {
			continue
		}
		if ref.Confidence < 0 || ref.Confidence > 1 || math.IsNaN(ref.Confidence) {
			ref.Confidence = 0
		}
		out = append(out, ref)
	}
	return out
}

func buildExtractionPatch(fields extractedFields, match domain.DocTypeMatch) domain.DocumentPatch {
	status := domain.StatusExtracted
	noError := ""
	source := fields.method
	raw := fields.docTypeRaw
	references := fields.references
	if references == nil {
		references = []domain.Reference{}
	}

	return domain.DocumentPatch{
		Status:             &status,
		Error:              &noError,
		DocTypeID:          &match.ID,
		DocTypeLabel:       &match.Label,
		DocTypeRaw:         &raw,
		DocTypeSource:      &source,
		DocTypeConfidence:  &match.Confidence,
		NeedsReviewDocType: &match.NeedsReview,
		DocNumber:          &fields.docNumber,
		Date:               &fields.date,
		DueDate:            &fields.dueDate,
		Supplier:           &fields.supplier,
		Customer:           &fields.customer,
		Total:              &fields.total,
		Currency:           &fields.currency,
		Notes:              &fields.notes,
		References:         &references,
		NeedsOCR:           &fields.needsOCR,
		ExtractionMethod:   &fields.method,
		Confidence:         &fields.confidence,
		RefreshNeedsReview: true,
	}
}
