package llm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"strings"

	"github.com/kirillkom/invoice-intake/internal/core/domain"
)

var stringKeys = []string{"docType", "docNumber", "date", "dueDate", "supplier", "customer", "currency", "notes"}

// DecodeExtraction turns a raw provider answer into an AIExtraction.
// Nulls are dropped, scalar fields are coerced to strings, total is coerced
// to a number (European "1.234,56" included) and unknown keys are removed
// before the result is validated against ExtractionSchema.
func DecodeExtraction(raw string, logger *slog.Logger) (domain.AIExtraction, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var m map[string]any
	if err := json.Unmarshal([]byte(ExtractJSONObject(raw)), &m); err != nil {
		return domain.AIExtraction{}, fmt.Errorf("parse extraction json: %w", err)
	}
	dropped := normalize(m)
	if len(dropped) > 0 {
		logger.Warn("llm.extract.normalized", "dropped", dropped)
	}

	var value any = m
	if err := Validate(value); err != nil {
		return domain.AIExtraction{}, err
	}

	clean, err := json.Marshal(m)
	if err != nil {
		return domain.AIExtraction{}, fmt.Errorf("encode extraction json: %w", err)
	}
	var out domain.AIExtraction
	if err := json.Unmarshal(clean, &out); err != nil {
		return domain.AIExtraction{}, fmt.Errorf("decode extraction: %w", err)
	}
	if out.References == nil {
		out.References = []domain.Reference{}
	}
	return out, nil
}

func normalize(m map[string]any) []string {
	dropped := make([]string, 0, 4)

	for _, key := range stringKeys {
		value, ok := m[key]
		if !ok {
			continue
		}
		switch v := value.(type) {
		case string:
			m[key] = strings.TrimSpace(v)
		case float64:
			m[key] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			m[key] = strconv.FormatBool(v)
		default:
			delete(m, key)
			dropped = append(dropped, key)
		}
	}

	if value, ok := m["total"]; ok {
		switch v := value.(type) {
		case float64:
		case string:
			if amount, ok := ParseAmount(v); ok {
				m["total"] = amount
			} else {
				delete(m, "total")
				dropped = append(dropped, "total")
			}
		default:
			delete(m, "total")
			dropped = append(dropped, "total")
		}
	}

	if value, ok := m["references"]; ok {
		refs, ok := value.([]any)
		if !ok {
			delete(m, "references")
			dropped = append(dropped, "references")
		} else {
			m["references"] = normalizeReferences(refs)
		}
	}

	allowed := map[string]struct{}{"total": {}, "references": {}}
	for _, key := range stringKeys {
		allowed[key] = struct{}{}
	}
	for key := range maps.Clone(m) {
		if _, ok := allowed[key]; !ok {
			delete(m, key)
			dropped = append(dropped, key)
		}
	}
	return dropped
}

func normalizeReferences(refs []any) []any {
	out := make([]any, 0, len(refs))
	for _, item := range refs {
		ref, ok := item.(map[string]any)
		if !ok {
			continue
		}
		value, _ := ref["value"].(string)
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		kind, _ := ref["type"].(string)
		confidence, _ := ref["confidence"].(float64)
		if confidence < 0 || confidence > 1 {
			confidence = 0
		}
		out = append(out, map[string]any{
			"type":       strings.TrimSpace(kind),
			"value":      value,
			"confidence": confidence,
		})
	}
	return out
}

// ParseAmount reads a money string such as "1.234,56 €", "1,234.56" or "99".
// The right-most separator followed by one or two digits is the decimal mark.
func ParseAmount(raw string) (float64, bool) {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',', r == '-':
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s == "" || strings.Trim(s, ".,-") == "" {
		return 0, false
	}

	decimalAt := -1
	if idx := strings.LastIndexAny(s, ".,"); idx >= 0 {
		if tail := len(s) - idx - 1; tail == 1 || tail == 2 {
			decimalAt = idx
		}
	}
	var digits strings.Builder
	for i, r := range s {
		switch {
		case i == decimalAt:
			digits.WriteByte('.')
		case r == '.' || r == ',':
		default:
			digits.WriteRune(r)
		}
	}
	value, err := strconv.ParseFloat(digits.String(), 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

// ExtractJSONObject returns the outermost {...} span of raw, tolerating
// markdown fences and chatter around it.
func ExtractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}
