package pdftext

import (
	"context"
	"strings"
	"testing"

	"github.com/kirillkom/invoice-intake/internal/core/domain"
)

func TestExtractRejectsNonPDF(t *testing.T) {
	extractor := NewExtractor()

	for name, data := range map[string][]byte{
		"empty":     nil,
		"plaintext": []byte("this is not a pdf at all"),
		"truncated": []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := extractor.Extract(context.Background(), data)
			if !domain.IsKind(err, domain.ErrParseFailure) {
				t.Fatalf("expected parse failure, got %v", err)
			}
		})
	}
}

func TestExtractHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewExtractor().Extract(ctx, []byte("%PDF-1.4")); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestNeedsOCRThreshold(t *testing.T) {
	extractor := NewExtractor()
	if !extractor.needsOCR(strings.Repeat("a", domain.MinTextLength-1)) {
		t.Fatalf("text below threshold must need OCR")
	}
	if extractor.needsOCR(strings.Repeat("a", domain.MinTextLength)) {
		t.Fatalf("text at threshold must not need OCR")
	}
	if !extractor.needsOCR("   \n\t  ") {
		t.Fatalf("whitespace only text must need OCR")
	}
}

func TestNormalizeText(t *testing.T) {
	got := normalizeText("  Fatura FT 1   \r\nTotal 10,00\t\n\n")
	if got != "Fatura FT 1\nTotal 10,00" {
		t.Fatalf("unexpected text %q", got)
	}
}
