package domain

// DocTypeDefinition is one entry of the admin-managed document type taxonomy.
type DocTypeDefinition struct {
	ID       string   `json:"id" yaml:"id"`
	Label    string   `json:"label" yaml:"label"`
	Synonyms []string `json:"synonyms" yaml:"synonyms"`
	Keywords []string `json:"keywords" yaml:"keywords"`
}

// DocTypeMatch is the canonicalization verdict for a raw type string.
// An empty ID means no taxonomy entry matched.
type DocTypeMatch struct {
	ID          string  `json:"id"`
	Label       string  `json:"label"`
	Confidence  float64 `json:"confidence"`
	NeedsReview bool    `json:"needs_review"`
}
