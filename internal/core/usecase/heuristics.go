package usecase

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	isoDatePattern = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	dmyDatePattern = regexp.MustCompile(`\b(\d{1,2})[/.\-](\d{1,2})[/.\-](\d{4})\b`)

	totalPattern  = regexp.MustCompile(`(?i)\btotal\b[^0-9\n]{0,40}?(\d{1,3}(?:[. ]\d{3})+(?:,\d{2})?|\d+(?:[.,]\d{1,2})?)`)
	euroPattern   = regexp.MustCompile(`(?i)€|\beur\b`)
	bareDigits    = regexp.MustCompile(`^\d{1,2}$`)
	hasDigit      = regexp.MustCompile(`\d`)
	serialPattern = regexp.MustCompile(`\b(\d{6}[/\-][A-Za-z0-9]{2})\b`)
	prefixPattern = regexp.MustCompile(`(?i)\b(?:Fatura|Recibo|FT|FR|NC|ND|Guia)[\s:#.ºª°\-]+([A-Za-z0-9][A-Za-z0-9/\-]*(?: [A-Za-z0-9/\-]*\d[A-Za-z0-9/\-]*)?)`)
	paddedPattern = regexp.MustCompile(`\b(000\d{3}/[A-Za-z0-9])\b`)
	numberLabel   = regexp.MustCompile(`(?i)\b(?:fatura|factura|recibo|invoice|documento|nota de cr[ée]dito|nota de d[ée]bito|guia de remessa|guia)(?:[- ]recibo)?\s*(?:n\.?\s?º|nº|no\.?|number|número|numero|#)\s*[:#]?\s*([A-Za-z0-9][A-Za-z0-9/\-.]*)`)
)

// typeHints is scanned in order; longer names come first so "fatura-recibo"
// is not reported as "fatura".
var typeHints = []string{
	"fatura-recibo",
	"fatura recibo",
	"nota de crédito",
	"nota de credito",
	"nota de débito",
	"nota de debito",
	"guia de remessa",
	"fatura simplificada",
	"fatura",
	"factura",
	"recibo",
	"invoice",
	"receipt",
	"credit note",
}

// typeHintPattern matches on the original text; leftmost-first alternation
// keeps the typeHints order at equal offsets.
var typeHintPattern = func() *regexp.Regexp {
	quoted := make([]string, 0, len(typeHints))
	for _, hint := range typeHints {
		quoted = append(quoted, regexp.QuoteMeta(hint))
	}
	return regexp.MustCompile(`(?i)(?:` + strings.Join(quoted, "|") + `)`)
}()

var docNumberSentinels = map[string]struct{}{
	"n/a":       {},
	"na":        {},
	"null":      {},
	"undefined": {},
	"none":      {},
	"-":         {},
}

// regexFields is what the deterministic path can recover from raw text.
type regexFields struct {
	docTypeRaw string
	docNumber  string
	date       string
	total      decimal.Decimal
	currency   string
}

func extractWithRegex(text string) regexFields {
	out := regexFields{
		docTypeRaw: guessDocType(text),
		docNumber:  guessDocNumber(text),
		date:       findDate(text),
	}
	out.total, out.currency = findTotal(text)
	return out
}

// findDate returns the first ISO or day-first date as YYYY-MM-DD.
func findDate(text string) string {
	isoLoc := isoDatePattern.FindStringSubmatchIndex(text)
	dmyLoc := dmyDatePattern.FindStringSubmatchIndex(text)

	if isoLoc != nil && (dmyLoc == nil || isoLoc[0] <= dmyLoc[0]) {
		if date, ok := validDate(text[isoLoc[2]:isoLoc[3]], text[isoLoc[4]:isoLoc[5]], text[isoLoc[6]:isoLoc[7]]); ok {
			return date
		}
	}
	for _, m := range dmyDatePattern.FindAllStringSubmatch(text, -1) {
		if date, ok := validDate(m[3], m[2], m[1]); ok {
			return date
		}
	}
	return ""
}

// normalizeDate converts a provider-supplied date to ISO when it is
// recognisable and returns the trimmed input otherwise.
func normalizeDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if m := isoDatePattern.FindStringSubmatch(raw); m != nil {
		if date, ok := validDate(m[1], m[2], m[3]); ok {
			return date
		}
	}
	if m := dmyDatePattern.FindStringSubmatch(raw); m != nil {
		if date, ok := validDate(m[3], m[2], m[1]); ok {
			return date
		}
	}
	return raw
}

func validDate(year, month, day string) (string, bool) {
	if len(month) == 1 {
		month = "0" + month
	}
	if len(day) == 1 {
		day = "0" + day
	}
	candidate := year + "-" + month + "-" + day
	if _, err := time.Parse("2006-01-02", candidate); err != nil {
		return "", false
	}
	return candidate, true
}

// findTotal takes the last "Total" label in the text; subtotals usually come first.
func findTotal(text string) (decimal.Decimal, string) {
	matches := totalPattern.FindAllStringSubmatchIndex(text, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		value, ok := parseEuropeanNumber(text[m[2]:m[3]])
		if !ok || !value.IsPositive() {
			continue
		}
		currency := ""
		end := m[1] + 8
		if end > len(text) {
			end = len(text)
		}
		if euroPattern.MatchString(text[m[0]:end]) {
			currency = "EUR"
		}
		return value, currency
	}
	return decimal.Zero, ""
}

// parseEuropeanNumber reads "1.234,56", "1234,56", "1 234,56" and "1234.56".
func parseEuropeanNumber(raw string) (decimal.Decimal, bool) {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "\u00a0", "")
	if s == "" {
		return decimal.Zero, false
	}

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		s = strings.ReplaceAll(s, ",", ".")
		if strings.Count(s, ".") > 1 {
			return decimal.Zero, false
		}
	case lastDot >= 0:
		if thousandsOnly.MatchString(s) {
			s = strings.ReplaceAll(s, ".", "")
		}
	}

	value, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return value, true
}

var thousandsOnly = regexp.MustCompile(`^\d{1,3}(?:\.\d{3})+$`)

func guessDocType(text string) string {
	return strings.TrimSpace(typeHintPattern.FindString(text))
}

func guessDocNumber(text string) string {
	for _, m := range numberLabel.FindAllStringSubmatch(text, -1) {
		candidate := strings.TrimRight(m[1], ".-/")
		if hasDigit.MatchString(candidate) {
			return candidate
		}
	}
	return ""
}

// gateDocNumber drops values that repeatedly turn out to be false positives.
func gateDocNumber(raw string) string {
	value := strings.TrimSpace(raw)
	if len([]rune(value)) < 3 {
		return ""
	}
	if bareDigits.MatchString(value) {
		return ""
	}
	lower := strings.ToLower(value)
	if _, ok := docNumberSentinels[lower]; ok {
		return ""
	}
	if strings.Contains(lower, "iban") {
		return ""
	}
	return value
}

// findSerialNumber tries the serial layouts in priority order.
func findSerialNumber(text string) string {
	if m := serialPattern.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	for _, m := range prefixPattern.FindAllStringSubmatch(text, -1) {
		candidate := strings.TrimRight(m[1], "/-")
		if hasDigit.MatchString(candidate) && gateDocNumber(candidate) != "" {
			return candidate
		}
	}
	if m := paddedPattern.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}
