package usecase

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/kirillkom/invoice-intake/internal/core/domain"
	"github.com/kirillkom/invoice-intake/internal/core/ports"
)

const invoiceText = "Fatura FT 2024/15\nData: 15/03/2024\nFornecedor: Acme Lda\nCliente: Beta SA\n" +
	"Descrição: serviços de consultoria prestados durante o mês de março, incluindo deslocações e relatórios.\n" +
	"Subtotal 100,00\nIVA 23,00\nTotal: 123,00 €\n"

const noNumberText = "Documento emitido por Acme Lda para Beta SA.\nData: 15/03/2024\n" +
	"Descrição: serviços de consultoria prestados durante o mês de março, incluindo deslocações, relatórios e reuniões.\n" +
	"Subtotal 100,00\nIVA 23,00\nTotal: 123,00 €\n"

type engineFixture struct {
	engine  *ExtractionEngine
	store   *memoryStoreFake
	storage *memoryStorageFake
	tracker *trackerFake
}

func newEngineFixture(provider ports.ExtractionProvider) *engineFixture {
	store := newMemoryStoreFake()
	storage := newMemoryStorageFake()
	tracker := newTrackerFake()
	engine := NewExtractionEngine(
		store,
		storage,
		textExtractorFake{},
		provider,
		taxonomyFake{defs: testTaxonomy()},
		tracker,
		nil,
		domain.ExtractionLimits{AITimeout: time.Second},
		nil,
	)
	return &engineFixture{engine: engine, store: store, storage: storage, tracker: tracker}
}

// seed stages one payload per document and registers the batch.
func (f *engineFixture) seed(t *testing.T, batchID string, payloads ...string) domain.BatchJob {
	t.Helper()
	job := domain.BatchJob{BatchID: batchID, Project: "acme"}
	rows := make([]domain.Document, 0, len(payloads))
	for i, payload := range payloads {
		id := batchID + "-doc-" + string(rune('a'+i))
		key := "staging/acme/" + batchID + "/" + id + "_file.pdf"
		f.storage.files[key] = []byte(payload)
		doc := &domain.Document{
			ID:         id,
			Project:    "acme",
			BatchID:    batchID,
			Status:     domain.StatusUploaded,
			FilePath:   key,
			OrigName:   "file.pdf",
			Size:       int64(len(payload)),
			References: []domain.Reference{},
		}
		if err := f.store.Save(context.Background(), "acme", doc); err != nil {
			t.Fatalf("seed document: %v", err)
		}
		job.DocumentIDs = append(job.DocumentIDs, id)
		rows = append(rows, *doc)
	}
	f.tracker.Start(batchID, "acme", rows)
	return job
}

func assertDocTypeInvariant(t *testing.T, doc domain.Document) {
	t.Helper()
	want := doc.DocTypeLabel
	if want == "" {
		want = doc.DocTypeRaw
	}
	if doc.DocType != want {
		t.Fatalf("doc_type %q diverged from label/raw %q", doc.DocType, want)
	}
}

func TestProcessBatchShortTextNeedsOCR(t *testing.T) {
	for _, withAI := range []bool{false, true} {
		provider := &providerFake{fields: domain.AIExtraction{DocNumber: "INV-1", Total: 10}}
		var fixture *engineFixture
		if withAI {
			fixture = newEngineFixture(provider)
		} else {
			fixture = newEngineFixture(nil)
		}
		job := fixture.seed(t, "b1", "scanned page")

		fixture.engine.ProcessBatch(context.Background(), job)

		doc := fixture.store.doc("acme", job.DocumentIDs[0])
		if !doc.NeedsOCR || doc.Confidence != 0 {
			t.Fatalf("withAI=%v: expected needs_ocr and zero confidence, got %+v", withAI, doc)
		}
		if doc.DocNumber != domain.DocNumberOCRRequired {
			t.Fatalf("withAI=%v: expected OCR sentinel, got %q", withAI, doc.DocNumber)
		}
		if doc.ExtractionMethod != domain.MethodRegex || doc.Status != domain.StatusExtracted {
			t.Fatalf("withAI=%v: unexpected method/status %s/%s", withAI, doc.ExtractionMethod, doc.Status)
		}
		if !doc.NeedsReviewDocType {
			t.Fatalf("withAI=%v: expected doc type review flag", withAI)
		}
		if provider.fieldCalls != 0 {
			t.Fatalf("withAI=%v: provider must not be called for short text", withAI)
		}
	}
}

func TestProcessBatchAIAccepted(t *testing.T) {
	provider := &providerFake{fields: domain.AIExtraction{
		DocType:    "Fatura",
		DocNumber:  "INV-2024-001",
		Date:       "15/03/2024",
		Supplier:   "Acme Lda",
		Customer:   "Beta SA",
		Total:      123.456,
		Currency:   "eur",
		References: []domain.Reference{{Type: "order", Value: " PO-77 ", Confidence: 0.8}, {Type: "empty", Value: " "}},
	}}
	fixture := newEngineFixture(provider)
	job := fixture.seed(t, "b1", invoiceText)

	fixture.engine.ProcessBatch(context.Background(), job)

	doc := fixture.store.doc("acme", job.DocumentIDs[0])
	if doc.ExtractionMethod != domain.MethodAI || doc.Confidence != 0.9 {
		t.Fatalf("expected ai path, got %s %.2f", doc.ExtractionMethod, doc.Confidence)
	}
	if doc.DocNumber != "INV-2024-001" || doc.Date != "2024-03-15" {
		t.Fatalf("unexpected number/date %q %q", doc.DocNumber, doc.Date)
	}
	if !doc.Total.Equal(decimal.RequireFromString("123.46")) || doc.Currency != "EUR" {
		t.Fatalf("unexpected total %s %s", doc.Total, doc.Currency)
	}
	if doc.DocTypeID != "fatura" || doc.DocType != "Fatura" || doc.DocTypeSource != domain.MethodAI {
		t.Fatalf("unexpected type fields %+v", doc)
	}
	if len(doc.References) != 1 || doc.References[0].Value != "PO-77" {
		t.Fatalf("unexpected references %+v", doc.References)
	}
	if doc.NeedsReview {
		t.Fatalf("distinct supplier/customer should not need review")
	}
	if provider.numberCalls != 0 {
		t.Fatalf("reprompt must not run when the number is known")
	}
	assertDocTypeInvariant(t, doc)
}

func TestProcessBatchAINegativeTotalIsZeroedBeforeAcceptance(t *testing.T) {
	provider := &providerFake{fields: domain.AIExtraction{Total: -5, Supplier: "Acme Lda"}}
	fixture := newEngineFixture(provider)
	job := fixture.seed(t, "b1", invoiceText)

	fixture.engine.ProcessBatch(context.Background(), job)

	doc := fixture.store.doc("acme", job.DocumentIDs[0])
	if doc.ExtractionMethod != domain.MethodFallbackRegex {
		t.Fatalf("expected fallback_regex after rejected ai response, got %s", doc.ExtractionMethod)
	}
	if !doc.Total.Equal(decimal.RequireFromString("123")) {
		t.Fatalf("expected regex total, got %s", doc.Total)
	}
	if doc.DocNumber != "FT 2024/15" {
		t.Fatalf("expected serial fallback number, got %q", doc.DocNumber)
	}

	provider = &providerFake{fields: domain.AIExtraction{Total: -5, DocNumber: "INV-2024-001"}}
	fixture = newEngineFixture(provider)
	job = fixture.seed(t, "b2", invoiceText)

	fixture.engine.ProcessBatch(context.Background(), job)

	doc = fixture.store.doc("acme", job.DocumentIDs[0])
	if doc.ExtractionMethod != domain.MethodAI || !doc.Total.IsZero() {
		t.Fatalf("expected accepted ai response with zeroed total, got %s %s", doc.ExtractionMethod, doc.Total)
	}
}

func TestProcessBatchProviderErrorFallsBack(t *testing.T) {
	provider := &providerFake{fieldsErr: errors.New("context deadline exceeded")}
	fixture := newEngineFixture(provider)
	job := fixture.seed(t, "b1", invoiceText)

	fixture.engine.ProcessBatch(context.Background(), job)

	doc := fixture.store.doc("acme", job.DocumentIDs[0])
	if doc.Status != domain.StatusExtracted || doc.ExtractionMethod != domain.MethodFallbackRegex {
		t.Fatalf("provider failure must not fail the document, got %s %s", doc.Status, doc.ExtractionMethod)
	}
	if progress, _ := fixture.tracker.Progress("b1"); progress.Done != 1 || progress.Errors != 0 {
		t.Fatalf("unexpected progress %+v", progress)
	}
}

func TestProcessBatchRegexWithoutProvider(t *testing.T) {
	fixture := newEngineFixture(nil)
	job := fixture.seed(t, "b1", invoiceText)

	fixture.engine.ProcessBatch(context.Background(), job)

	doc := fixture.store.doc("acme", job.DocumentIDs[0])
	if doc.ExtractionMethod != domain.MethodRegex {
		t.Fatalf("expected regex path, got %s", doc.ExtractionMethod)
	}
	if doc.DocNumber != "FT 2024/15" || doc.Date != "2024-03-15" || doc.Currency != "EUR" {
		t.Fatalf("unexpected regex fields %+v", doc)
	}
	if math.Abs(doc.Confidence-0.5) > 1e-9 {
		t.Fatalf("expected confidence 0.5, got %v", doc.Confidence)
	}
	if doc.DocTypeID != "fatura" || doc.DocTypeSource != domain.MethodRegex {
		t.Fatalf("unexpected canonical type %+v", doc)
	}
	if !doc.NeedsReview {
		t.Fatalf("regex path has no supplier and must need review")
	}
	assertDocTypeInvariant(t, doc)
}

func TestProcessBatchQualityGateDiscardsShortNumberAndReprompts(t *testing.T) {
	provider := &providerFake{
		fields: domain.AIExtraction{DocType: "Fatura", DocNumber: "12", Total: 123, Supplier: "Acme Lda"},
		number: "INV-2024-001",
	}
	fixture := newEngineFixture(provider)
	job := fixture.seed(t, "b1", noNumberText)

	fixture.engine.ProcessBatch(context.Background(), job)

	doc := fixture.store.doc("acme", job.DocumentIDs[0])
	if doc.DocNumber != "INV-2024-001" {
		t.Fatalf("expected reprompted number, got %q", doc.DocNumber)
	}
	if provider.numberCalls != 1 {
		t.Fatalf("expected exactly one reprompt, got %d", provider.numberCalls)
	}
}

func TestProcessBatchRepromptRejectsShortAnswer(t *testing.T) {
	provider := &providerFake{
		fields: domain.AIExtraction{DocType: "Fatura", DocNumber: "N/A", Total: 123},
		number: "AB",
	}
	fixture := newEngineFixture(provider)
	job := fixture.seed(t, "b1", noNumberText)

	fixture.engine.ProcessBatch(context.Background(), job)

	doc := fixture.store.doc("acme", job.DocumentIDs[0])
	if doc.DocNumber != "" {
		t.Fatalf("expected empty number, got %q", doc.DocNumber)
	}
	if provider.numberCalls != 1 {
		t.Fatalf("expected exactly one reprompt, got %d", provider.numberCalls)
	}
}

func TestProcessBatchParseFailureContinues(t *testing.T) {
	fixture := newEngineFixture(nil)
	job := fixture.seed(t, "b1", invoiceText, "broken bytes", invoiceText)

	fixture.engine.ProcessBatch(context.Background(), job)

	progress, err := fixture.tracker.Progress("b1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if progress.Done != 2 || progress.Errors != 1 || progress.Status != domain.BatchFinished {
		t.Fatalf("unexpected progress %+v", progress)
	}

	failed := fixture.store.doc("acme", job.DocumentIDs[1])
	if failed.Status != domain.StatusError || failed.Error == "" {
		t.Fatalf("expected error status with message, got %+v", failed)
	}

	last := 0
	for _, step := range fixture.tracker.history {
		sum := step[0] + step[1]
		if sum < last {
			t.Fatalf("done+errors decreased: %v", fixture.tracker.history)
		}
		last = sum
	}
	if last != progress.Total {
		t.Fatalf("expected done+errors == total, got %d/%d", last, progress.Total)
	}
}

func TestProcessBatchCancelledContextMarksRemainingErrors(t *testing.T) {
	fixture := newEngineFixture(nil)
	job := fixture.seed(t, "b1", invoiceText, invoiceText)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fixture.engine.ProcessBatch(ctx, job)

	progress, _ := fixture.tracker.Progress("b1")
	if progress.Errors != 2 || !progress.Finished() {
		t.Fatalf("unexpected progress %+v", progress)
	}
	for _, id := range job.DocumentIDs {
		doc := fixture.store.doc("acme", id)
		if doc.Status != domain.StatusError || doc.Error == "" {
			t.Fatalf("expected stored error status for %s, got %+v", id, doc)
		}
	}
}

func TestProcessBatchHandlesCaseWidthChangingRunes(t *testing.T) {
	fixture := newEngineFixture(nil)
	odd := strings.Repeat("Ⱥ", 40) + " Data 15/03/2024 fatura"
	job := fixture.seed(t, "b1", odd, invoiceText)

	fixture.engine.ProcessBatch(context.Background(), job)

	progress, _ := fixture.tracker.Progress("b1")
	if progress.Done != 2 || progress.Status != domain.BatchFinished {
		t.Fatalf("unexpected progress %+v", progress)
	}
	doc := fixture.store.doc("acme", job.DocumentIDs[0])
	if doc.DocTypeRaw != "fatura" || !utf8.ValidString(doc.DocTypeRaw) {
		t.Fatalf("unexpected doc_type_raw %q", doc.DocTypeRaw)
	}
}

type panickingProvider struct{}

func (panickingProvider) ExtractFields(context.Context, string) (domain.AIExtraction, error) {
	panic("provider bug")
}

func (panickingProvider) ExtractDocNumber(context.Context, string) (string, error) {
	panic("provider bug")
}

func TestProcessBatchRecoversPerDocumentPanic(t *testing.T) {
	fixture := newEngineFixture(panickingProvider{})
	job := fixture.seed(t, "b1", invoiceText, "short")

	fixture.engine.ProcessBatch(context.Background(), job)

	progress, _ := fixture.tracker.Progress("b1")
	if progress.Done != 1 || progress.Errors != 1 || progress.Status != domain.BatchFinished {
		t.Fatalf("unexpected progress %+v", progress)
	}
	failed := fixture.store.doc("acme", job.DocumentIDs[0])
	if failed.Status != domain.StatusError || !strings.Contains(failed.Error, "provider bug") {
		t.Fatalf("expected recorded panic, got %+v", failed)
	}
}

func TestAcceptedTotal(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{in: -5, want: "0"},
		{in: 0, want: "0"},
		{in: 1e7, want: "0"},
		{in: math.Inf(1), want: "0"},
		{in: math.NaN(), want: "0"},
		{in: 99.999, want: "100"},
		{in: 12.5, want: "12.5"},
	}
	for _, tc := range cases {
		if got := acceptedTotal(tc.in); !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("acceptedTotal(%v) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
