package domain

import "io"

type BatchStatus string

const (
	BatchProcessing BatchStatus = "processing"
	BatchFinished   BatchStatus = "finished"
)

type BatchProgress struct {
	BatchID string      `json:"batch_id"`
	Project string      `json:"project"`
	Total   int         `json:"total"`
	Done    int         `json:"done"`
	Errors  int         `json:"errors"`
	Status  BatchStatus `json:"status"`
}

// Finished reports whether every file of the batch has been accounted for.
func (p BatchProgress) Finished() bool {
	return p.Done+p.Errors >= p.Total
}

// UploadFile is one file handed to the intake. Body is consumed once.
type UploadFile struct {
	Name        string
	ContentType string
	Body        io.Reader
}

type UploadResult struct {
	BatchID   string     `json:"batch_id"`
	Count     int        `json:"count"`
	Documents []Document `json:"documents,omitempty"`
}

// BatchJob is the unit handed from intake to the extraction engine.
type BatchJob struct {
	BatchID     string
	Project     string
	DocumentIDs []string
}

type FinalizeRequest struct {
	ID        string `json:"id"`
	DocType   string `json:"doc_type"`
	DocNumber string `json:"doc_number"`
}

type FinalizeResult struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}
