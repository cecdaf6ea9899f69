package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/invoice-intake/internal/core/domain"
)

// Store keeps documents and their audit trail in a SQL database. The full
// document is stored as JSON next to the columns used for filtering and
// for the processado uniqueness index.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, now: func() time.Time { return time.Now().UTC() }}
}

func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

// OpenSQLite opens a single-connection database so transactions serialize.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if s.dialect.schemaLock != 0 {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, s.dialect.schemaLock); err != nil {
			return fmt.Errorf("acquire schema lock: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, s.dialect.schema); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, project string, filter domain.DocumentFilter) ([]domain.Document, error) {
	query := `SELECT data FROM documents WHERE project = ?`
	args := []any{project}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, filter.BatchID)
	}
	if v := strings.TrimSpace(filter.DocType); v != "" {
		query += ` AND lower(doc_type) = lower(?)`
		args = append(args, v)
	}
	if v := strings.TrimSpace(filter.DocNumber); v != "" {
		query += ` AND lower(doc_number) = lower(?)`
		args = append(args, v)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Document, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc, err := decodeDocument(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, project, id string) (*domain.Document, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT data FROM documents WHERE project = ? AND id = ?`), project, id)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get document", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return decodeDocument(raw)
}

func (s *Store) Save(ctx context.Context, project string, doc *domain.Document) error {
	if doc == nil || strings.TrimSpace(doc.ID) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "save document", fmt.Errorf("document id is required"))
	}
	stored := doc.Clone()
	stored.Project = project
	if stored.References == nil {
		stored.References = []domain.Reference{}
	}
	stored.SyncDocType()
	now := s.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.dialect.rebind(`
INSERT INTO documents (project, id, batch_id, status, doc_type, doc_number, data, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`),
		project, stored.ID, stored.BatchID, string(stored.Status),
		strings.TrimSpace(stored.DocType), strings.TrimSpace(stored.DocNumber), string(data),
		s.dialect.timeArg(stored.CreatedAt), s.dialect.timeArg(stored.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.WrapError(domain.ErrStorageConflict, "save document", fmt.Errorf("id=%s already exists", stored.ID))
		}
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// Update applies patch inside a transaction. The read is row-locked on
// Postgres; SQLite serializes on its single connection.
func (s *Store) Update(ctx context.Context, project, id string, patch domain.DocumentPatch) (*domain.Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT data FROM documents WHERE project = ? AND id = ?`+s.dialect.lockClause), project, id)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "update document", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, err
	}
	if err := patch.Apply(doc, s.now()); err != nil {
		return nil, err
	}

	docType := strings.TrimSpace(doc.DocType)
	docNumber := strings.TrimSpace(doc.DocNumber)
	if doc.Status == domain.StatusFinalized {
		var siblings int
		err := tx.QueryRowContext(ctx, s.dialect.rebind(`
SELECT COUNT(*) FROM documents
WHERE project = ? AND status = ? AND id <> ? AND lower(doc_type) = lower(?) AND lower(doc_number) = lower(?)
`), project, string(domain.StatusFinalized), id, docType, docNumber).Scan(&siblings)
		if err != nil {
			return nil, fmt.Errorf("count finalized siblings: %w", err)
		}
		if siblings > 0 {
			return nil, domain.WrapError(domain.ErrDuplicateDocument, "update document",
				fmt.Errorf("%s %s is already finalized", docType, docNumber))
		}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.dialect.rebind(`
UPDATE documents
SET status = ?, doc_type = ?, doc_number = ?, data = ?, updated_at = ?
WHERE project = ? AND id = ?
`), string(doc.Status), docType, docNumber, string(data), s.dialect.timeArg(doc.UpdatedAt), project, id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.WrapError(domain.ErrDuplicateDocument, "update document", err)
		}
		return nil, fmt.Errorf("update document: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, domain.WrapError(domain.ErrDuplicateDocument, "update document", err)
		}
		return nil, fmt.Errorf("commit update tx: %w", err)
	}
	return doc, nil
}

// Delete removes a document unless it is finalized. The status check runs in
// the same statement as the delete.
func (s *Store) Delete(ctx context.Context, project, id string) error {
	result, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM documents WHERE project = ? AND id = ? AND status <> ?`),
		project, id, string(domain.StatusFinalized))
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT status FROM documents WHERE project = ? AND id = ?`), project, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WrapError(domain.ErrNotFound, "delete document", fmt.Errorf("id=%s", id))
	}
	if err != nil {
		return fmt.Errorf("read document status: %w", err)
	}
	return domain.WrapError(domain.ErrStorageConflict, "delete document", fmt.Errorf("document is %s", status))
}

// Append records an audit entry. It satisfies ports.AuditLog.
func (s *Store) Append(ctx context.Context, entry domain.AuditEntry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
INSERT INTO document_audit (id, project, document_id, action, from_status, to_status, details, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`),
		entry.ID, entry.Project, entry.DocumentID, string(entry.Action),
		string(entry.FromStatus), string(entry.ToStatus), entry.Details, s.dialect.timeArg(createdAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Relayed entries may arrive twice.
			return nil
		}
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// History returns the audit trail of one document, oldest first.
func (s *Store) History(ctx context.Context, project, documentID string) ([]domain.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
SELECT id, action, from_status, to_status, details, created_at
FROM document_audit
WHERE project = ? AND document_id = ?
ORDER BY created_at ASC, id ASC
`), project, documentID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	out := make([]domain.AuditEntry, 0)
	for rows.Next() {
		entry := domain.AuditEntry{Project: project, DocumentID: documentID}
		var action, from, to string
		if err := rows.Scan(&entry.ID, &action, &from, &to, &entry.Details, timeScanner{&entry.CreatedAt}); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entry.Action = domain.AuditAction(action)
		entry.FromStatus = domain.DocumentStatus(from)
		entry.ToStatus = domain.DocumentStatus(to)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return out, nil
}

func decodeDocument(raw []byte) (*domain.Document, error) {
	var doc domain.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	if doc.References == nil {
		doc.References = []domain.Reference{}
	}
	return &doc, nil
}
