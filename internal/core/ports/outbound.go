package ports

import (
	"context"
	"io"

	"github.com/kirillkom/invoice-intake/internal/core/domain"
)

// DocumentStore persists documents partitioned by project. Implementations
// must make Update, Delete and the processado uniqueness check atomic per document.
type DocumentStore interface {
	List(ctx context.Context, project string, filter domain.DocumentFilter) ([]domain.Document, error)
	Get(ctx context.Context, project, id string) (*domain.Document, error)
	Save(ctx context.Context, project string, doc *domain.Document) error
	Update(ctx context.Context, project, id string, patch domain.DocumentPatch) (*domain.Document, error)
	Delete(ctx context.Context, project, id string) error
}

// ObjectStorage keeps staged and archived files.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (int64, error)
	Move(ctx context.Context, fromKey, toKey string) error
	Remove(ctx context.Context, key string) error
}

// TextExtractor turns raw PDF bytes into text.
type TextExtractor interface {
	Extract(ctx context.Context, data []byte) (domain.TextContent, error)
}

// ExtractionProvider is the AI collaborator. Errors are treated as provider
// failures by the caller and never surfaced.
type ExtractionProvider interface {
	ExtractFields(ctx context.Context, text string) (domain.AIExtraction, error)
	ExtractDocNumber(ctx context.Context, text string) (string, error)
}

// DocTypeTaxonomy lists the current document type taxonomy.
type DocTypeTaxonomy interface {
	List(ctx context.Context) ([]domain.DocTypeDefinition, error)
}

// DocTypeAdmin mutates the taxonomy. Only the admin surface uses it.
type DocTypeAdmin interface {
	DocTypeTaxonomy
	Put(ctx context.Context, def domain.DocTypeDefinition) error
	Delete(ctx context.Context, id string) error
}

// BatchTracker is the ephemeral per-batch ledger polled by callers.
type BatchTracker interface {
	Start(batchID, project string, rows []domain.Document)
	MarkDone(batchID string, row domain.Document)
	MarkError(batchID string, row domain.Document)
	Progress(batchID string) (domain.BatchProgress, error)
	Rows(batchID string) ([]domain.Document, error)
}

// BatchDispatcher hands a batch to the extraction handler without waiting for it.
type BatchDispatcher interface {
	Dispatch(ctx context.Context, job domain.BatchJob) error
}

// AuditLog records document state transitions.
type AuditLog interface {
	Append(ctx context.Context, entry domain.AuditEntry) error
}

// AuditHistory reads back the audit trail of one document, oldest first.
type AuditHistory interface {
	History(ctx context.Context, project, documentID string) ([]domain.AuditEntry, error)
}
