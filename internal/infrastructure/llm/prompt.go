package llm

import (
	"strings"
	"unicode/utf8"
)

// MaxPromptRunes caps the document text sent to a provider.
const MaxPromptRunes = 12000

const extractionSystem = `You extract structured data from Portuguese and European business documents (invoices, receipts, credit notes, delivery notes).
Return ONLY a JSON object. No markdown, no commentary.`

// ExtractionSystemPrompt is the system message for field extraction.
func ExtractionSystemPrompt() string {
	return extractionSystem
}

// BuildExtractionPrompt is the user message for ExtractFields.
func BuildExtractionPrompt(text string) string {
	return `Extract these keys from the document below:
docType (string, the document type as printed, e.g. "Fatura", "Fatura-Recibo", "Nota de Crédito"),
docNumber (string, the document number exactly as printed, e.g. "FT 2024/123"),
date (string, issue date as YYYY-MM-DD),
dueDate (string, due date as YYYY-MM-DD),
supplier (string, the issuing company),
customer (string, the receiving company),
total (number, the grand total payable, using "." as decimal separator),
currency (string, ISO 4217 code),
notes (string),
references (array of objects with type, value and confidence between 0 and 1, for order numbers, related invoices or payment references).
Omit a key when the value is not present. Never output null.

Document:
` + Truncate(text, MaxPromptRunes)
}

// BuildDocNumberPrompt is the targeted re-query used when the extracted number
// looks wrong.
func BuildDocNumberPrompt(text string) string {
	return `Read the document below and return ONLY its document number exactly as printed (series and sequence, e.g. "FT 2024/123").
Do not return dates, totals, tax ids or phone numbers. Answer NONE if there is no document number.

Document:
` + Truncate(text, MaxPromptRunes)
}

// Truncate cuts text to at most limit runes.
func Truncate(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit])
}

// ParseDocNumberAnswer cleans a free-text re-query answer. NONE and empty
// answers come back as "".
func ParseDocNumberAnswer(raw string) string {
	answer := strings.TrimSpace(raw)
	if idx := strings.IndexByte(answer, '\n'); idx >= 0 {
		answer = strings.TrimSpace(answer[:idx])
	}
	answer = strings.Trim(answer, "\"'`")
	for _, prefix := range []string{"docNumber:", "Document number:", "Número:"} {
		if len(answer) >= len(prefix) && strings.EqualFold(answer[:len(prefix)], prefix) {
			answer = strings.TrimSpace(answer[len(prefix):])
		}
	}
	answer = strings.TrimSpace(strings.Trim(answer, "\"'`."))
	if strings.EqualFold(answer, "none") {
		return ""
	}
	return answer
}
