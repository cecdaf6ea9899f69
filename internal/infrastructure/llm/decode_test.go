package llm

import (
	"strings"
	"testing"
)

func TestDecodeExtractionCoercesFields(t *testing.T) {
	raw := "```json\n" + `{
  "docType": "Fatura",
  "docNumber": 2024123,
  "date": "2024-03-01",
  "supplier": "  Acme Lda ",
  "customer": null,
  "total": "1.234,56 €",
  "vat": "23%",
  "references": [{"type": "order", "value": "PO-9", "confidence": 0.8}, {"value": ""}, "junk"]
}` + "\n```"

	out, err := DecodeExtraction(raw, nil)
	if err != nil {
		t.Fatalf("DecodeExtraction() error = %v", err)
	}
	if out.DocType != "Fatura" || out.DocNumber != "2024123" {
		t.Fatalf("unexpected type/number: %q %q", out.DocType, out.DocNumber)
	}
	if out.Supplier != "Acme Lda" {
		t.Fatalf("expected trimmed supplier, got %q", out.Supplier)
	}
	if out.Total != 1234.56 {
		t.Fatalf("expected total 1234.56, got %v", out.Total)
	}
	if len(out.References) != 1 || out.References[0].Value != "PO-9" {
		t.Fatalf("unexpected references: %+v", out.References)
	}
}

func TestDecodeExtractionDropsUnparseableTotal(t *testing.T) {
	out, err := DecodeExtraction(`{"docNumber":"FT 1/2024","total":"n/a"}`, nil)
	if err != nil {
		t.Fatalf("DecodeExtraction() error = %v", err)
	}
	if out.Total != 0 {
		t.Fatalf("expected zero total, got %v", out.Total)
	}
	if out.References == nil {
		t.Fatalf("expected empty references slice")
	}
}

func TestDecodeExtractionRejectsNonObject(t *testing.T) {
	if _, err := DecodeExtraction("no json here", nil); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := DecodeExtraction(`{"references":[{"value":"x","confidence":3}]}`, nil); err != nil {
		t.Fatalf("out of range confidence should be clamped, got %v", err)
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{in: "99", want: 99, ok: true},
		{in: "1.234,56", want: 1234.56, ok: true},
		{in: "1,234.56", want: 1234.56, ok: true},
		{in: "12,5", want: 12.5, ok: true},
		{in: "1.234", want: 1234, ok: true},
		{in: "EUR 45,00", want: 45, ok: true},
		{in: "-5", want: -5, ok: true},
		{in: "abc", ok: false},
		{in: "", ok: false},
	}
	for _, tc := range tests {
		got, ok := ParseAmount(tc.in)
		if ok != tc.ok || (ok && got != tc.want) {
			t.Fatalf("ParseAmount(%q) = %v, %v; expected %v, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestParseDocNumberAnswer(t *testing.T) {
	tests := map[string]string{
		"FT 2024/123":               "FT 2024/123",
		"\"INV-2024-001\"\n":        "INV-2024-001",
		"Document number: FR 7/1":   "FR 7/1",
		"NONE":                      "",
		"  none.  ":                 "",
		"FT 9/2024\nextra chatter.": "FT 9/2024",
	}
	for in, want := range tests {
		if got := ParseDocNumberAnswer(in); got != want {
			t.Fatalf("ParseDocNumberAnswer(%q) = %q, expected %q", in, got, want)
		}
	}
}

func TestPromptsTruncateDocument(t *testing.T) {
	text := strings.Repeat("a", MaxPromptRunes+1000)
	prompt := BuildExtractionPrompt(text)
	if strings.Count(prompt, "a") > MaxPromptRunes+500 {
		t.Fatalf("expected truncated document in prompt")
	}
	if !strings.Contains(BuildDocNumberPrompt("FT 1/2024"), "FT 1/2024") {
		t.Fatalf("expected document text in re-query prompt")
	}
}
