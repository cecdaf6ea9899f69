package sqlstore

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect captures the few places where Postgres and SQLite disagree.
type Dialect struct {
	Name string
	// numbered placeholders ($1, $2) instead of ?
	numbered bool
	// row lock appended to the read of a read-modify-write
	lockClause string
	schema     string
	// advisory lock id serializing DDL across concurrent startups; 0 disables
	schemaLock int64
}

var Postgres = Dialect{
	Name:       "postgres",
	numbered:   true,
	lockClause: " FOR UPDATE",
	schemaLock: 2026030501,
	schema: `
CREATE TABLE IF NOT EXISTS documents (
	project TEXT NOT NULL,
	id TEXT NOT NULL,
	batch_id TEXT NOT NULL,
	status TEXT NOT NULL,
	doc_type TEXT NOT NULL DEFAULT '',
	doc_number TEXT NOT NULL DEFAULT '',
	data JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (project, id)
);

CREATE INDEX IF NOT EXISTS idx_documents_batch ON documents(project, batch_id);
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(project, status);
CREATE UNIQUE INDEX IF NOT EXISTS documents_finalized_identity
	ON documents(project, lower(doc_type), lower(doc_number))
	WHERE status = 'processado';

CREATE TABLE IF NOT EXISTS document_audit (
	id TEXT PRIMARY KEY,
	project TEXT NOT NULL,
	document_id TEXT NOT NULL,
	action TEXT NOT NULL,
	from_status TEXT NOT NULL DEFAULT '',
	to_status TEXT NOT NULL DEFAULT '',
	details TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_document_audit_document ON document_audit(project, document_id, created_at);
`,
}

var SQLite = Dialect{
	Name: "sqlite",
	schema: `
CREATE TABLE IF NOT EXISTS documents (
	project TEXT NOT NULL,
	id TEXT NOT NULL,
	batch_id TEXT NOT NULL,
	status TEXT NOT NULL,
	doc_type TEXT NOT NULL DEFAULT '',
	doc_number TEXT NOT NULL DEFAULT '',
	data TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (project, id)
);

CREATE INDEX IF NOT EXISTS idx_documents_batch ON documents(project, batch_id);
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(project, status);
CREATE UNIQUE INDEX IF NOT EXISTS documents_finalized_identity
	ON documents(project, lower(doc_type), lower(doc_number))
	WHERE status = 'processado';

CREATE TABLE IF NOT EXISTS document_audit (
	id TEXT PRIMARY KEY,
	project TEXT NOT NULL,
	document_id TEXT NOT NULL,
	action TEXT NOT NULL,
	from_status TEXT NOT NULL DEFAULT '',
	to_status TEXT NOT NULL DEFAULT '',
	details TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_document_audit_document ON document_audit(project, document_id, created_at);
`,
}

// rebind rewrites ? placeholders into the dialect's form.
func (d Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sortableTime is the fixed-width text form SQLite uses for ordering columns.
const sortableTime = "2006-01-02T15:04:05.000000000Z"

func (d Dialect) timeArg(t time.Time) any {
	if d.numbered {
		return t.UTC()
	}
	return t.UTC().Format(sortableTime)
}

// timeScanner reads a timestamp column. Postgres drivers return time.Time,
// SQLite returns the sortableTime text.
type timeScanner struct {
	dst *time.Time
}

func (t timeScanner) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*t.dst = time.Time{}
	case time.Time:
		*t.dst = v.UTC()
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("unsupported time value %T", src)
	}
	return nil
}

func (t timeScanner) parse(raw string) error {
	if raw == "" {
		*t.dst = time.Time{}
		return nil
	}
	parsed, err := time.Parse(sortableTime, raw)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339Nano, raw)
	}
	if err != nil {
		return fmt.Errorf("parse time %q: %w", raw, err)
	}
	*t.dst = parsed.UTC()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return true
		}
		// primary code only when extended result codes are off
		return code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(liteErr.Error(), "UNIQUE")
	}
	return false
}
