package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type DocumentStatus string

const (
	StatusUploaded  DocumentStatus = "uploaded"
	StatusStaging   DocumentStatus = "staging"
	StatusExtracted DocumentStatus = "extracted"
	StatusFinalized DocumentStatus = "processado"
	StatusError     DocumentStatus = "error"
)

// statusRank orders the forward lifecycle. StatusError sits outside it.
var statusRank = map[DocumentStatus]int{
	StatusUploaded:  1,
	StatusStaging:   2,
	StatusExtracted: 3,
	StatusFinalized: 4,
}

func (s DocumentStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == StatusError
}

// CanTransition reports whether a document may move from one status to another.
// Finalized documents are terminal; error is reachable from any other state.
func CanTransition(from, to DocumentStatus) bool {
	if from == to {
		return true
	}
	if from == StatusFinalized {
		return false
	}
	if to == StatusError {
		return true
	}
	fromRank, okFrom := statusRank[from]
	toRank, okTo := statusRank[to]
	if !okFrom || !okTo {
		return false
	}
	return toRank > fromRank
}

type ExtractionMethod string

const (
	MethodAI            ExtractionMethod = "ai"
	MethodRegex         ExtractionMethod = "regex"
	MethodFallbackRegex ExtractionMethod = "fallback_regex"
	MethodManual        ExtractionMethod = "manual"
)

// DocNumberOCRRequired marks documents whose text layer was too short to read.
const DocNumberOCRRequired = "SCAN/OCR REQUIRED"

type Reference struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

type Document struct {
	ID      string `json:"id"`
	Project string `json:"project"`
	BatchID string `json:"batch_id"`

	Status DocumentStatus `json:"status"`
	Error  string         `json:"error,omitempty"`

	DocType            string           `json:"doc_type"`
	DocTypeID          string           `json:"doc_type_id,omitempty"`
	DocTypeLabel       string           `json:"doc_type_label,omitempty"`
	DocTypeRaw         string           `json:"doc_type_raw,omitempty"`
	DocTypeSource      ExtractionMethod `json:"doc_type_source,omitempty"`
	DocTypeConfidence  float64          `json:"doc_type_confidence"`
	NeedsReviewDocType bool             `json:"needs_review_doc_type"`

	DocNumber        string           `json:"doc_number"`
	Date             string           `json:"date,omitempty"`
	DueDate          string           `json:"due_date,omitempty"`
	Supplier         string           `json:"supplier,omitempty"`
	Customer         string           `json:"customer,omitempty"`
	Total            decimal.Decimal  `json:"total"`
	Currency         string           `json:"currency,omitempty"`
	Notes            string           `json:"notes,omitempty"`
	References       []Reference      `json:"references"`
	NeedsOCR         bool             `json:"needs_ocr"`
	ExtractionMethod ExtractionMethod `json:"extraction_method,omitempty"`
	Confidence       float64          `json:"confidence"`
	NeedsReview      bool             `json:"needs_review"`

	FilePath string `json:"file_path"`
	OrigName string `json:"orig_name"`
	Size     int64  `json:"size"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SyncDocType recomputes the legacy doc_type field from the canonical pair.
// Every write path calls it so the two never diverge.
func (d *Document) SyncDocType() {
	if d.DocTypeLabel != "" {
		d.DocType = d.DocTypeLabel
		return
	}
	d.DocType = d.DocTypeRaw
}

// PartiesNeedReview flags a missing supplier or a supplier equal to the customer.
func (d *Document) PartiesNeedReview() bool {
	supplier := strings.TrimSpace(d.Supplier)
	if supplier == "" {
		return true
	}
	return strings.EqualFold(supplier, strings.TrimSpace(d.Customer))
}

// Clone returns a deep copy safe to hand to another goroutine.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	if d.References != nil {
		out.References = append([]Reference(nil), d.References...)
	}
	return &out
}

// SameIdentity reports whether two (type, number) pairs collide for finalization.
func SameIdentity(typeA, numberA, typeB, numberB string) bool {
	return strings.EqualFold(strings.TrimSpace(typeA), strings.TrimSpace(typeB)) &&
		strings.EqualFold(strings.TrimSpace(numberA), strings.TrimSpace(numberB))
}

// DocumentFilter narrows DocumentStore.List. Empty fields match everything;
// DocType and DocNumber compare case-insensitively.
type DocumentFilter struct {
	Status    DocumentStatus
	BatchID   string
	DocType   string
	DocNumber string
}

func (f DocumentFilter) Matches(doc *Document) bool {
	if f.Status != "" && doc.Status != f.Status {
		return false
	}
	if f.BatchID != "" && doc.BatchID != f.BatchID {
		return false
	}
	if f.DocType != "" && !strings.EqualFold(strings.TrimSpace(doc.DocType), strings.TrimSpace(f.DocType)) {
		return false
	}
	if f.DocNumber != "" && !strings.EqualFold(strings.TrimSpace(doc.DocNumber), strings.TrimSpace(f.DocNumber)) {
		return false
	}
	return true
}

// DocumentPatch is a partial update. Nil fields are left untouched.
// RequireStatus, when set, makes the update conditional on the stored status.
type DocumentPatch struct {
	RequireStatus []DocumentStatus

	Status *DocumentStatus
	Error  *string

	DocTypeID          *string
	DocTypeLabel       *string
	DocTypeRaw         *string
	DocTypeSource      *ExtractionMethod
	DocTypeConfidence  *float64
	NeedsReviewDocType *bool

	DocNumber        *string
	Date             *string
	DueDate          *string
	Supplier         *string
	Customer         *string
	Total            *decimal.Decimal
	Currency         *string
	Notes            *string
	References       *[]Reference
	NeedsOCR         *bool
	ExtractionMethod *ExtractionMethod
	Confidence       *float64
	NeedsReview      *bool

	FilePath *string
	Size     *int64

	// RefreshNeedsReview recomputes needs_review from the resulting parties.
	RefreshNeedsReview bool
}

// Apply copies the set fields of the patch onto doc, validates the status
// transition and re-derives doc_type.
func (p DocumentPatch) Apply(doc *Document, now time.Time) error {
	if len(p.RequireStatus) > 0 && !slices.Contains(p.RequireStatus, doc.Status) {
		return WrapError(ErrStorageConflict, "apply patch", fmt.Errorf("document is %s", doc.Status))
	}
	if p.Status != nil {
		if !p.Status.Valid() {
			return WrapError(ErrInvalidInput, "apply patch", fmt.Errorf("unknown status %q", *p.Status))
		}
		if !CanTransition(doc.Status, *p.Status) {
			return WrapError(ErrInvalidInput, "apply patch", fmt.Errorf("status %s -> %s is not allowed", doc.Status, *p.Status))
		}
		doc.Status = *p.Status
	}
	setString(&doc.Error, p.Error)
	setString(&doc.DocTypeID, p.DocTypeID)
	setString(&doc.DocTypeLabel, p.DocTypeLabel)
	setString(&doc.DocTypeRaw, p.DocTypeRaw)
	if p.DocTypeSource != nil {
		doc.DocTypeSource = *p.DocTypeSource
	}
	if p.DocTypeConfidence != nil {
		doc.DocTypeConfidence = *p.DocTypeConfidence
	}
	if p.NeedsReviewDocType != nil {
		doc.NeedsReviewDocType = *p.NeedsReviewDocType
	}
	setString(&doc.DocNumber, p.DocNumber)
	setString(&doc.Date, p.Date)
	setString(&doc.DueDate, p.DueDate)
	setString(&doc.Supplier, p.Supplier)
	setString(&doc.Customer, p.Customer)
	if p.Total != nil {
		doc.Total = *p.Total
	}
	setString(&doc.Currency, p.Currency)
	setString(&doc.Notes, p.Notes)
	if p.References != nil {
		doc.References = append([]Reference(nil), (*p.References)...)
	}
	if p.NeedsOCR != nil {
		doc.NeedsOCR = *p.NeedsOCR
	}
	if p.ExtractionMethod != nil {
		doc.ExtractionMethod = *p.ExtractionMethod
	}
	if p.Confidence != nil {
		doc.Confidence = *p.Confidence
	}
	if p.NeedsReview != nil {
		doc.NeedsReview = *p.NeedsReview
	}
	setString(&doc.FilePath, p.FilePath)
	if p.Size != nil {
		doc.Size = *p.Size
	}
	if p.RefreshNeedsReview {
		doc.NeedsReview = doc.PartiesNeedReview()
	}
	if doc.References == nil {
		doc.References = []Reference{}
	}
	doc.SyncDocType()
	doc.UpdatedAt = now
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

// DocumentUpdate is the user-facing partial update accepted by the document service.
// DocType triggers re-canonicalization; Status may not be used to finalize.
type DocumentUpdate struct {
	DocType    *string          `json:"doc_type,omitempty"`
	DocNumber  *string          `json:"doc_number,omitempty"`
	Date       *string          `json:"date,omitempty"`
	DueDate    *string          `json:"due_date,omitempty"`
	Supplier   *string          `json:"supplier,omitempty"`
	Customer   *string          `json:"customer,omitempty"`
	Total      *decimal.Decimal `json:"total,omitempty"`
	Currency   *string          `json:"currency,omitempty"`
	Notes      *string          `json:"notes,omitempty"`
	References *[]Reference     `json:"references,omitempty"`
	Status     *DocumentStatus  `json:"status,omitempty"`
}
