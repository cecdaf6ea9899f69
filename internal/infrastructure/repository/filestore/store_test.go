package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/invoice-intake/internal/core/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return store
}

func extractedDoc(id, docType, number string) *domain.Document {
	return &domain.Document{
		ID:           id,
		BatchID:      "b1",
		Status:       domain.StatusExtracted,
		DocTypeLabel: docType,
		DocNumber:    number,
		FilePath:     "staging/acme/b1/" + id + "_file.pdf",
	}
}

func TestSaveGetAndFilter(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if err := store.Save(ctx, "acme", extractedDoc("d1", "Fatura", "FT 1/2024")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Save(ctx, "acme", extractedDoc("d2", "Recibo", "R 1")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Save(ctx, "acme", extractedDoc("d1", "Fatura", "x")); !domain.IsKind(err, domain.ErrStorageConflict) {
		t.Fatalf("expected ErrStorageConflict for duplicate id, got %v", err)
	}

	doc, err := store.Get(ctx, "acme", "d1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if doc.Project != "acme" || doc.DocType != "Fatura" || doc.References == nil {
		t.Fatalf("unexpected document: %+v", doc)
	}

	docs, err := store.List(ctx, "acme", domain.DocumentFilter{DocType: "recibo"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "d2" {
		t.Fatalf("unexpected filtered list: %+v", docs)
	}
	if _, err := store.Get(ctx, "other", "d1"); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound across projects, got %v", err)
	}
}

func TestDataSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	first, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := first.Save(ctx, "acme", extractedDoc("d1", "Fatura", "FT 1/2024")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	second, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	doc, err := second.Get(ctx, "acme", "d1")
	if err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}
	if doc.DocNumber != "FT 1/2024" {
		t.Fatalf("unexpected document after reopen: %+v", doc)
	}
	if _, err := os.Stat(filepath.Join(dir, "acme", documentsFile)); err != nil {
		t.Fatalf("expected project file: %v", err)
	}
}

func TestUpdateRejectsSecondFinalizedIdentity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_ = store.Save(ctx, "acme", extractedDoc("d1", "Fatura", "FT 1/2024"))
	_ = store.Save(ctx, "acme", extractedDoc("d2", "FATURA", " ft 1/2024 "))

	finalized := domain.StatusFinalized
	if _, err := store.Update(ctx, "acme", "d1", domain.DocumentPatch{Status: &finalized}); err != nil {
		t.Fatalf("Update(d1) error = %v", err)
	}
	_, err := store.Update(ctx, "acme", "d2", domain.DocumentPatch{Status: &finalized})
	if !domain.IsKind(err, domain.ErrDuplicateDocument) {
		t.Fatalf("expected ErrDuplicateDocument, got %v", err)
	}
	doc, _ := store.Get(ctx, "acme", "d2")
	if doc.Status != domain.StatusExtracted {
		t.Fatalf("rejected update must not persist, got %s", doc.Status)
	}
	if err := store.Delete(ctx, "acme", "d1"); !domain.IsKind(err, domain.ErrStorageConflict) {
		t.Fatalf("expected ErrStorageConflict deleting a finalized document, got %v", err)
	}
	if _, err := store.Get(ctx, "acme", "d1"); err != nil {
		t.Fatalf("finalized document must survive delete, got %v", err)
	}
}

func TestUpdateAndDeleteMissing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if _, err := store.Update(ctx, "acme", "missing", domain.DocumentPatch{}); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on update, got %v", err)
	}
	if err := store.Delete(ctx, "acme", "missing"); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on delete, got %v", err)
	}
}

func TestRejectsUnsafeProject(t *testing.T) {
	store := newTestStore(t)
	_, err := store.List(context.Background(), "../escape", domain.DocumentFilter{})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestConcurrentPatchAndDeleteKeepFileConsistent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	const docs = 20
	for i := 0; i < docs; i++ {
		if err := store.Save(ctx, "acme", extractedDoc(fmt.Sprintf("d%02d", i), "Fatura", fmt.Sprintf("FT %d/2024", i))); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < docs; i++ {
		id := fmt.Sprintf("d%02d", i)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				if err := store.Delete(ctx, "acme", id); err != nil {
					t.Errorf("Delete(%s) error = %v", id, err)
				}
				return
			}
			notes := "checked " + id
			if _, err := store.Update(ctx, "acme", id, domain.DocumentPatch{Notes: &notes}); err != nil {
				t.Errorf("Update(%s) error = %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	remaining, err := store.List(ctx, "acme", domain.DocumentFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(remaining) != docs/2 {
		t.Fatalf("expected %d documents, got %d", docs/2, len(remaining))
	}
	for _, doc := range remaining {
		if doc.Notes != "checked "+doc.ID {
			t.Fatalf("lost update on %s: %q", doc.ID, doc.Notes)
		}
	}
}

func TestAuditAppendAndHistory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	entries := []domain.AuditEntry{
		{ID: "a1", Project: "acme", DocumentID: "d1", Action: domain.AuditUpdated, CreatedAt: time.Now()},
		{ID: "a2", Project: "acme", DocumentID: "d2", Action: domain.AuditDeleted},
		{ID: "a3", Project: "acme", DocumentID: "d1", Action: domain.AuditFinalized, ToStatus: domain.StatusFinalized},
	}
	for _, entry := range entries {
		if err := store.Append(ctx, entry); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if err := store.Append(ctx, entries[0]); err != nil {
		t.Fatalf("Append() duplicate error = %v", err)
	}
	history, err := store.History(ctx, "acme", "d1")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].ID != "a1" || history[1].Action != domain.AuditFinalized {
		t.Fatalf("unexpected history: %+v", history)
	}
	if history[1].CreatedAt.IsZero() {
		t.Fatalf("expected created_at to be stamped")
	}
	empty, err := store.History(ctx, "fresh", "d1")
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty history for new project, got %v (%v)", empty, err)
	}
}
