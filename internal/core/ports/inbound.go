package ports

import (
	"context"
	"net/http"

	"github.com/kirillkom/invoice-intake/internal/core/domain"
)

// DocumentIntake is the inbound contract for batch uploads.
type DocumentIntake interface {
	Upload(ctx context.Context, project string, files []domain.UploadFile) (*domain.UploadResult, error)
}

// BatchReader exposes batch progress to polling callers.
type BatchReader interface {
	Progress(ctx context.Context, project, batchID string) (domain.BatchProgress, error)
	Rows(ctx context.Context, project, batchID string) ([]domain.Document, error)
}

// DocumentService is the read/patch/delete surface over stored documents.
type DocumentService interface {
	List(ctx context.Context, project string, filter domain.DocumentFilter) ([]domain.Document, error)
	Get(ctx context.Context, project, id string) (*domain.Document, error)
	Update(ctx context.Context, project, id string, input domain.DocumentUpdate) (*domain.Document, error)
	Delete(ctx context.Context, project, id string) error
	History(ctx context.Context, project, id string) ([]domain.AuditEntry, error)
}

// Finalizer promotes staged documents into the archive.
type Finalizer interface {
	Finalize(ctx context.Context, project string, req domain.FinalizeRequest) (*domain.Document, error)
	FinalizeBulk(ctx context.Context, project string, reqs []domain.FinalizeRequest) []domain.FinalizeResult
}

// DocumentProcessor runs the extraction pipeline for one batch.
type DocumentProcessor interface {
	ProcessBatch(ctx context.Context, job domain.BatchJob)
}

// TenantResolver derives the project partition key of a request.
type TenantResolver interface {
	ResolveProject(r *http.Request) (string, error)
}
