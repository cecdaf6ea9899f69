package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kirillkom/invoice-intake/internal/core/domain"
)

func newStoreWithMock(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return New(db, Postgres), mock, func() { _ = db.Close() }
}

func extractedRow(t *testing.T) []byte {
	t.Helper()
	doc := domain.Document{
		ID:           "d1",
		Project:      "acme",
		BatchID:      "b1",
		Status:       domain.StatusExtracted,
		DocTypeLabel: "Fatura",
		DocType:      "Fatura",
		DocNumber:    "FT 1/2024",
		References:   []domain.Reference{},
		CreatedAt:    time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC),
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func finalizePatch() domain.DocumentPatch {
	status := domain.StatusFinalized
	path := "archive/acme/2026/03/fatura-FT_1_2024.pdf"
	return domain.DocumentPatch{
		RequireStatus: []domain.DocumentStatus{domain.StatusExtracted},
		Status:        &status,
		FilePath:      &path,
	}
}

func TestRebindNumbersPlaceholders(t *testing.T) {
	got := Postgres.rebind(`SELECT data FROM documents WHERE project = ? AND id = ?`)
	if got != `SELECT data FROM documents WHERE project = $1 AND id = $2` {
		t.Fatalf("unexpected rebind: %s", got)
	}
	if SQLite.rebind("a = ?") != "a = ?" {
		t.Fatalf("sqlite placeholders must be left alone")
	}
}

func TestEnsureSchemaTakesAdvisoryLock(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs(int64(2026030501)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS documents").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetReturnsDomainNotFound(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	mock.ExpectQuery("SELECT data FROM documents").
		WithArgs("acme", "missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), "acme", "missing")
	if !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListBuildsFilteredQuery(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	mock.ExpectQuery(`WHERE project = \$1 AND status = \$2 AND lower\(doc_type\) = lower\(\$3\) ORDER BY created_at`).
		WithArgs("acme", "extracted", "fatura").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(extractedRow(t)))

	docs, err := store.List(context.Background(), "acme", domain.DocumentFilter{Status: domain.StatusExtracted, DocType: " fatura "})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(docs) != 1 || docs[0].DocNumber != "FT 1/2024" {
		t.Fatalf("unexpected documents: %+v", docs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateFinalizesInsideLockedTransaction(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT data FROM documents WHERE project = \\$1 AND id = \\$2 FOR UPDATE").
		WithArgs("acme", "d1").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(extractedRow(t)))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("acme", "processado", "d1", "Fatura", "FT 1/2024").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("UPDATE documents").
		WithArgs("processado", "Fatura", "FT 1/2024", sqlmock.AnyArg(), sqlmock.AnyArg(), "acme", "d1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	doc, err := store.Update(context.Background(), "acme", "d1", finalizePatch())
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if doc.Status != domain.StatusFinalized || doc.FilePath != "archive/acme/2026/03/fatura-FT_1_2024.pdf" {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateRejectsFinalizedSibling(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT data FROM documents").
		WithArgs("acme", "d1").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(extractedRow(t)))
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	_, err := store.Update(context.Background(), "acme", "d1", finalizePatch())
	if !domain.IsKind(err, domain.ErrDuplicateDocument) {
		t.Fatalf("expected ErrDuplicateDocument, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateMapsUniqueViolation(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT data FROM documents").
		WithArgs("acme", "d1").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(extractedRow(t)))
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("UPDATE documents").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "documents_finalized_identity"})
	mock.ExpectRollback()

	_, err := store.Update(context.Background(), "acme", "d1", finalizePatch())
	if !domain.IsKind(err, domain.ErrDuplicateDocument) {
		t.Fatalf("expected ErrDuplicateDocument, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateRequireStatusMismatchIsConflict(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT data FROM documents").
		WithArgs("acme", "d1").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(extractedRow(t)))
	mock.ExpectRollback()

	patch := finalizePatch()
	patch.RequireStatus = []domain.DocumentStatus{domain.StatusStaging}
	_, err := store.Update(context.Background(), "acme", "d1", patch)
	if !domain.IsKind(err, domain.ErrStorageConflict) {
		t.Fatalf("expected ErrStorageConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDeleteReturnsDomainNotFoundWhenNoRowsAffected(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	mock.ExpectExec("DELETE FROM documents WHERE project = \\$1 AND id = \\$2 AND status <> \\$3").
		WithArgs("acme", "missing", string(domain.StatusFinalized)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM documents").
		WithArgs("acme", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))

	err := store.Delete(context.Background(), "acme", "missing")
	if !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDeleteRefusesFinalizedDocument(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	mock.ExpectExec("DELETE FROM documents").
		WithArgs("acme", "d1", string(domain.StatusFinalized)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM documents").
		WithArgs("acme", "d1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(domain.StatusFinalized)))

	err := store.Delete(context.Background(), "acme", "d1")
	if !domain.IsKind(err, domain.ErrStorageConflict) {
		t.Fatalf("expected ErrStorageConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestHistoryScansCreatedAt(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	at := time.Date(2026, 3, 5, 9, 30, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT id, action, from_status, to_status, details, created_at").
		WithArgs("acme", "d1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "action", "from_status", "to_status", "details", "created_at"}).
			AddRow("a1", string(domain.AuditFinalized), string(domain.StatusExtracted), string(domain.StatusFinalized), "", at))

	history, err := store.History(context.Background(), "acme", "d1")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 1 || !history[0].CreatedAt.Equal(at) {
		t.Fatalf("unexpected history: %+v", history)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
