package httpadapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/invoice-intake/internal/config"
	"github.com/kirillkom/invoice-intake/internal/core/domain"
	"github.com/kirillkom/invoice-intake/internal/core/ports"
	"github.com/kirillkom/invoice-intake/internal/observability/metrics"
)

const (
	serviceName = "api"

	multipartMemory  = 32 << 20
	maxJSONBodyBytes = 1 << 20
	backpressureWait = 250 * time.Millisecond
)

// Services are the inbound ports served by the router. Tenant defaults to
// the X-Project-ID header.
type Services struct {
	Intake    ports.DocumentIntake
	Batches   ports.BatchReader
	Documents ports.DocumentService
	Finalizer ports.Finalizer
	DocTypes  ports.DocTypeAdmin
	Tenant    ports.TenantResolver
}

type Router struct {
	intake    ports.DocumentIntake
	batches   ports.BatchReader
	documents ports.DocumentService
	finalizer ports.Finalizer
	doctypes  ports.DocTypeAdmin
	tenant    ports.TenantResolver
	metrics   *metrics.HTTPServerMetrics

	adminAPIKey    string
	maxUploadBytes int64
	rateLimitRPS   float64
	rateLimitBurst int
	maxInFlight    int
}

func NewRouter(cfg config.Config, services Services, httpMetrics *metrics.HTTPServerMetrics) *Router {
	tenant := services.Tenant
	if tenant == nil {
		tenant = HeaderTenantResolver{}
	}
	return &Router{
		intake:    services.Intake,
		batches:   services.Batches,
		documents: services.Documents,
		finalizer: services.Finalizer,
		doctypes:  services.DocTypes,
		tenant:    tenant,
		metrics:   httpMetrics,

		adminAPIKey:    cfg.AdminAPIKey,
		maxUploadBytes: cfg.MaxUploadBytes(),
		rateLimitRPS:   cfg.APIRateLimitRPS,
		rateLimitBurst: cfg.APIRateLimitBurst,
		maxInFlight:    cfg.APIMaxInFlight,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}

	mux.HandleFunc("POST /v1/uploads", rt.upload)
	mux.HandleFunc("GET /v1/batches/{id}", rt.batchProgress)
	mux.HandleFunc("GET /v1/batches/{id}/rows", rt.batchRows)

	mux.HandleFunc("GET /v1/documents", rt.listDocuments)
	mux.HandleFunc("GET /v1/documents/{id}", rt.getDocument)
	mux.HandleFunc("PATCH /v1/documents/{id}", rt.updateDocument)
	mux.HandleFunc("DELETE /v1/documents/{id}", rt.deleteDocument)
	mux.HandleFunc("GET /v1/documents/{id}/history", rt.documentHistory)
	mux.HandleFunc("POST /v1/documents/{id}/finalize", rt.finalizeDocument)
	mux.HandleFunc("POST /v1/documents/finalize", rt.finalizeBulk)

	mux.HandleFunc("GET /v1/doctypes", rt.listDocTypes)
	mux.HandleFunc("PUT /v1/doctypes/{id}", rt.requireAdmin(rt.putDocType))
	mux.HandleFunc("DELETE /v1/doctypes/{id}", rt.requireAdmin(rt.deleteDocType))

	var handler http.Handler = mux
	handler = backpressureMiddleware(handler, rt.maxInFlight, backpressureWait)
	handler = rateLimitMiddleware(handler, rt.rateLimitRPS, rt.rateLimitBurst)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) upload(w http.ResponseWriter, r *http.Request) {
	project, ok := rt.project(w, r)
	if !ok {
		return
	}
	if rt.maxUploadBytes > 0 {
		if r.ContentLength > rt.maxUploadBytes {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", rt.maxUploadBytes))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, rt.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "multipart form with field 'files' is required")
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "multipart field 'files' is required")
		return
	}

	files := make([]domain.UploadFile, 0, len(headers))
	opened := make([]multipart.File, 0, len(headers))
	defer func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}()
	for _, header := range headers {
		f, err := header.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("open %q: %v", header.Filename, err))
			return
		}
		opened = append(opened, f)
		files = append(files, domain.UploadFile{
			Name:        header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Body:        f,
		})
	}

	result, err := rt.intake.Upload(r.Context(), project, files)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordUploadedFiles(serviceName, result.Count)
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (rt *Router) batchProgress(w http.ResponseWriter, r *http.Request) {
	project, ok := rt.project(w, r)
	if !ok {
		return
	}
	progress, err := rt.batches.Progress(r.Context(), project, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (rt *Router) batchRows(w http.ResponseWriter, r *http.Request) {
	project, ok := rt.project(w, r)
	if !ok {
		return
	}
	rows, err := rt.batches.Rows(r.Context(), project, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows, "count": len(rows)})
}

func (rt *Router) listDocuments(w http.ResponseWriter, r *http.Request) {
	project, ok := rt.project(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	filter := domain.DocumentFilter{
		Status:    domain.DocumentStatus(strings.TrimSpace(query.Get("status"))),
		BatchID:   strings.TrimSpace(query.Get("batch_id")),
		DocType:   strings.TrimSpace(query.Get("doc_type")),
		DocNumber: strings.TrimSpace(query.Get("doc_number")),
	}
	docs, err := rt.documents.List(r.Context(), project, filter)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs, "count": len(docs)})
}

func (rt *Router) getDocument(w http.ResponseWriter, r *http.Request) {
	project, ok := rt.project(w, r)
	if !ok {
		return
	}
	doc, err := rt.documents.Get(r.Context(), project, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) updateDocument(w http.ResponseWriter, r *http.Request) {
	project, ok := rt.project(w, r)
	if !ok {
		return
	}
	var input domain.DocumentUpdate
	if err := decodeJSONBody(w, r, &input, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	doc, err := rt.documents.Update(r.Context(), project, r.PathValue("id"), input)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) deleteDocument(w http.ResponseWriter, r *http.Request) {
	project, ok := rt.project(w, r)
	if !ok {
		return
	}
	if err := rt.documents.Delete(r.Context(), project, r.PathValue("id")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) documentHistory(w http.ResponseWriter, r *http.Request) {
	project, ok := rt.project(w, r)
	if !ok {
		return
	}
	entries, err := rt.documents.History(r.Context(), project, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (rt *Router) finalizeDocument(w http.ResponseWriter, r *http.Request) {
	project, ok := rt.project(w, r)
	if !ok {
		return
	}
	var req domain.FinalizeRequest
	if err := decodeJSONBody(w, r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.ID = r.PathValue("id")

	doc, err := rt.finalizer.Finalize(r.Context(), project, req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) finalizeBulk(w http.ResponseWriter, r *http.Request) {
	project, ok := rt.project(w, r)
	if !ok {
		return
	}
	var body struct {
		Items []domain.FinalizeRequest `json:"items"`
	}
	if err := decodeJSONBody(w, r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(body.Items) == 0 {
		writeError(w, http.StatusBadRequest, "items are required")
		return
	}
	results := rt.finalizer.FinalizeBulk(r.Context(), project, body.Items)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (rt *Router) listDocTypes(w http.ResponseWriter, r *http.Request) {
	defs, err := rt.doctypes.List(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"doc_types": defs})
}

func (rt *Router) putDocType(w http.ResponseWriter, r *http.Request) {
	var def domain.DocTypeDefinition
	if err := decodeJSONBody(w, r, &def, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")
	if def.ID != "" && !strings.EqualFold(def.ID, id) {
		writeError(w, http.StatusBadRequest, "body id does not match path id")
		return
	}
	def.ID = id
	if err := rt.doctypes.Put(r.Context(), def); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (rt *Router) deleteDocType(w http.ResponseWriter, r *http.Request) {
	if err := rt.doctypes.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) project(w http.ResponseWriter, r *http.Request) (string, bool) {
	project, err := rt.tenant.ResolveProject(r)
	if err != nil {
		writeDomainError(w, r, err)
		return "", false
	}
	return project, true
}

// decodeJSONBody rejects unknown fields. allowEmpty accepts a missing body.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("http_handler_failed",
			"request_id", requestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
		message = "internal error"
	}
	writeError(w, status, message)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
