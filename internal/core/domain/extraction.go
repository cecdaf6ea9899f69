package domain

import "time"

// TextContent is the text layer of an uploaded PDF.
type TextContent struct {
	Text     string
	Pages    int
	NeedsOCR bool
}

// AIExtraction is the structured payload returned by an extraction provider.
// Total is already coerced to a number; non-numeric input arrives as 0.
type AIExtraction struct {
	DocType    string      `json:"docType"`
	DocNumber  string      `json:"docNumber"`
	Date       string      `json:"date"`
	DueDate    string      `json:"dueDate"`
	Supplier   string      `json:"supplier"`
	Customer   string      `json:"customer"`
	Total      float64     `json:"total"`
	Currency   string      `json:"currency"`
	Notes      string      `json:"notes"`
	References []Reference `json:"references"`
}

// MinTextLength is the shortest trimmed text layer treated as readable.
const MinTextLength = 50

// ExtractionLimits bounds the extraction engine. A zero AITimeout disables
// the per-call deadline.
type ExtractionLimits struct {
	AITimeout             time.Duration
	MinAITextLength       int
	RepromptMinConfidence float64
}
