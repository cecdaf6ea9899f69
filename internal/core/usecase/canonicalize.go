package usecase

import (
	"strings"

	"github.com/kirillkom/invoice-intake/internal/core/domain"
)

const (
	confidenceExact   = 1.0
	confidenceSynonym = 0.95
	confidenceLabel   = 0.8
	confidenceKeyword = 0.75
)

// Canonicalize maps a raw type string onto the taxonomy. Tiers are tried in
// order across the whole taxonomy; within a tier the first definition wins.
// An unmatched raw string is returned as the label so a human can correct it.
func Canonicalize(raw string, taxonomy []domain.DocTypeDefinition) domain.DocTypeMatch {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return domain.DocTypeMatch{NeedsReview: true}
	}
	needle := strings.ToLower(trimmed)

	for _, def := range taxonomy {
		if equalFoldTrim(def.ID, needle) || equalFoldTrim(def.Label, needle) {
			return matched(def, confidenceExact)
		}
	}
	for _, def := range taxonomy {
		for _, syn := range def.Synonyms {
			if equalFoldTrim(syn, needle) {
				return matched(def, confidenceSynonym)
			}
		}
	}
	for _, def := range taxonomy {
		label := strings.ToLower(strings.TrimSpace(def.Label))
		if label != "" && strings.Contains(needle, label) {
			return matched(def, confidenceLabel)
		}
	}
	for _, def := range taxonomy {
		for _, kw := range def.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(needle, kw) {
				return matched(def, confidenceKeyword)
			}
		}
	}

	return domain.DocTypeMatch{Label: trimmed, NeedsReview: true}
}

func matched(def domain.DocTypeDefinition, confidence float64) domain.DocTypeMatch {
	return domain.DocTypeMatch{ID: def.ID, Label: def.Label, Confidence: confidence}
}

func equalFoldTrim(candidate, lowerNeedle string) bool {
	candidate = strings.TrimSpace(candidate)
	return candidate != "" && strings.ToLower(candidate) == lowerNeedle
}
