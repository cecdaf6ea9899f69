package filestore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/invoice-intake/internal/core/domain"
)

const (
	documentsFile = "documents.json"
	auditFile     = "audit.jsonl"
)

// Store keeps one JSON document list per project below basePath. Every
// read-modify-write of a project runs under that project's mutex and is
// published with a temp file rename, so readers never see a torn file.
type Store struct {
	basePath string
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(basePath string) (*Store, error) {
	if basePath == "" {
		basePath = "./data/store"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{
		basePath: basePath,
		now:      func() time.Time { return time.Now().UTC() },
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) List(_ context.Context, project string, filter domain.DocumentFilter) ([]domain.Document, error) {
	unlock, err := s.lock(project)
	if err != nil {
		return nil, err
	}
	defer unlock()

	docs, err := s.load(project)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Document, 0, len(docs))
	for i := range docs {
		if filter.Matches(&docs[i]) {
			out = append(out, docs[i])
		}
	}
	return out, nil
}

func (s *Store) Get(_ context.Context, project, id string) (*domain.Document, error) {
	unlock, err := s.lock(project)
	if err != nil {
		return nil, err
	}
	defer unlock()

	docs, err := s.load(project)
	if err != nil {
		return nil, err
	}
	idx := indexOf(docs, id)
	if idx < 0 {
		return nil, domain.WrapError(domain.ErrNotFound, "get document", fmt.Errorf("id=%s", id))
	}
	return docs[idx].Clone(), nil
}

func (s *Store) Save(_ context.Context, project string, doc *domain.Document) error {
	if doc == nil || strings.TrimSpace(doc.ID) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "save document", fmt.Errorf("document id is required"))
	}
	unlock, err := s.lock(project)
	if err != nil {
		return err
	}
	defer unlock()

	docs, err := s.load(project)
	if err != nil {
		return err
	}
	if indexOf(docs, doc.ID) >= 0 {
		return domain.WrapError(domain.ErrStorageConflict, "save document", fmt.Errorf("id=%s already exists", doc.ID))
	}
	stored := doc.Clone()
	stored.Project = project
	if stored.References == nil {
		stored.References = []domain.Reference{}
	}
	stored.SyncDocType()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	return s.write(project, append(docs, *stored))
}

func (s *Store) Update(_ context.Context, project, id string, patch domain.DocumentPatch) (*domain.Document, error) {
	unlock, err := s.lock(project)
	if err != nil {
		return nil, err
	}
	defer unlock()

	docs, err := s.load(project)
	if err != nil {
		return nil, err
	}
	idx := indexOf(docs, id)
	if idx < 0 {
		return nil, domain.WrapError(domain.ErrNotFound, "update document", fmt.Errorf("id=%s", id))
	}
	next := docs[idx].Clone()
	if err := patch.Apply(next, s.now()); err != nil {
		return nil, err
	}
	if next.Status == domain.StatusFinalized {
		for i := range docs {
			other := &docs[i]
			if i != idx && other.Status == domain.StatusFinalized &&
				domain.SameIdentity(other.DocType, other.DocNumber, next.DocType, next.DocNumber) {
				return nil, domain.WrapError(domain.ErrDuplicateDocument, "update document",
					fmt.Errorf("%s %s is already finalized as %s", next.DocType, next.DocNumber, other.ID))
			}
		}
	}
	docs[idx] = *next
	if err := s.write(project, docs); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// Delete removes a document unless it is finalized.
func (s *Store) Delete(_ context.Context, project, id string) error {
	unlock, err := s.lock(project)
	if err != nil {
		return err
	}
	defer unlock()

	docs, err := s.load(project)
	if err != nil {
		return err
	}
	idx := indexOf(docs, id)
	if idx < 0 {
		return domain.WrapError(domain.ErrNotFound, "delete document", fmt.Errorf("id=%s", id))
	}
	if docs[idx].Status == domain.StatusFinalized {
		return domain.WrapError(domain.ErrStorageConflict, "delete document", fmt.Errorf("document is %s", docs[idx].Status))
	}
	return s.write(project, append(docs[:idx], docs[idx+1:]...))
}

// Append adds entry to the project's JSONL audit log. It satisfies ports.AuditLog.
// An entry whose id is already logged is ignored.
func (s *Store) Append(_ context.Context, entry domain.AuditEntry) error {
	unlock, err := s.lock(entry.Project)
	if err != nil {
		return err
	}
	defer unlock()

	if entry.ID != "" {
		existing, err := s.readAudit(entry.Project)
		if err != nil {
			return err
		}
		for _, logged := range existing {
			if logged.ID == entry.ID {
				return nil
			}
		}
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	if err := os.MkdirAll(s.projectDir(entry.Project), 0o755); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(s.projectDir(entry.Project), auditFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("append audit entry: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}
	return nil
}

// History returns the audit trail of one document, oldest first.
func (s *Store) History(_ context.Context, project, documentID string) ([]domain.AuditEntry, error) {
	unlock, err := s.lock(project)
	if err != nil {
		return nil, err
	}
	defer unlock()

	entries, err := s.readAudit(project)
	if err != nil {
		return nil, err
	}
	out := make([]domain.AuditEntry, 0)
	for _, entry := range entries {
		if entry.DocumentID == documentID {
			out = append(out, entry)
		}
	}
	return out, nil
}

// readAudit must be called with the project lock held.
func (s *Store) readAudit(project string) ([]domain.AuditEntry, error) {
	f, err := os.Open(filepath.Join(s.projectDir(project), auditFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var out []domain.AuditEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry domain.AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("decode audit entry: %w", err)
		}
		out = append(out, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return out, nil
}

func (s *Store) lock(project string) (func(), error) {
	if err := domain.ValidateProject(project); err != nil {
		return nil, err
	}
	s.mu.Lock()
	m, ok := s.locks[project]
	if !ok {
		m = &sync.Mutex{}
		s.locks[project] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m.Unlock, nil
}

func (s *Store) projectDir(project string) string {
	return filepath.Join(s.basePath, project)
}

// load must be called with the project lock held.
func (s *Store) load(project string) ([]domain.Document, error) {
	raw, err := os.ReadFile(filepath.Join(s.projectDir(project), documentsFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []domain.Document{}, nil
		}
		return nil, fmt.Errorf("read documents: %w", err)
	}
	var docs []domain.Document
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, fmt.Errorf("decode documents: %w", err)
	}
	for i := range docs {
		if docs[i].References == nil {
			docs[i].References = []domain.Reference{}
		}
	}
	return docs, nil
}

// write must be called with the project lock held.
func (s *Store) write(project string, docs []domain.Document) error {
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].ID < docs[j].ID
		}
		return docs[i].CreatedAt.Before(docs[j].CreatedAt)
	})
	payload, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode documents: %w", err)
	}

	dir := s.projectDir(project)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".documents-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write documents: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync documents: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close documents: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, documentsFile)); err != nil {
		return fmt.Errorf("publish documents: %w", err)
	}
	return nil
}

func indexOf(docs []domain.Document, id string) int {
	for i := range docs {
		if docs[i].ID == id {
			return i
		}
	}
	return -1
}
