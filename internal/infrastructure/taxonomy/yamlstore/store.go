package yamlstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/invoice-intake/internal/core/domain"
)

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9\-]{0,63}$`)

type file struct {
	DocTypes []domain.DocTypeDefinition `yaml:"doc_types"`
}

// Store keeps the document type taxonomy in a YAML file and serves reads
// from memory. A missing file is seeded with DefaultTaxonomy.
type Store struct {
	path string

	mu   sync.RWMutex
	defs []domain.DocTypeDefinition
}

func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		path = "./data/doctypes.yaml"
	}
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.defs = DefaultTaxonomy()
		if err := s.persist(s.defs); err != nil {
			return nil, err
		}
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read taxonomy %s: %w", path, err)
	}

	var parsed file
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse taxonomy %s: %w", path, err)
	}
	for _, def := range parsed.DocTypes {
		if err := validate(def); err != nil {
			return nil, fmt.Errorf("taxonomy %s: %w", path, err)
		}
	}
	s.defs = parsed.DocTypes
	return s, nil
}

func (s *Store) List(_ context.Context) ([]domain.DocTypeDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.defs), nil
}

// Put inserts or replaces the definition with def.ID.
func (s *Store) Put(_ context.Context, def domain.DocTypeDefinition) error {
	def = clean(def)
	if err := validate(def); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := cloneAll(s.defs)
	idx := slices.IndexFunc(next, func(d domain.DocTypeDefinition) bool { return d.ID == def.ID })
	if idx >= 0 {
		next[idx] = def
	} else {
		next = append(next, def)
	}
	if err := s.persist(next); err != nil {
		return err
	}
	s.defs = next
	return nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.defs, func(d domain.DocTypeDefinition) bool { return d.ID == id })
	if idx < 0 {
		return domain.WrapError(domain.ErrNotFound, "delete doc type", fmt.Errorf("id=%s", id))
	}
	next := slices.Delete(cloneAll(s.defs), idx, idx+1)
	if err := s.persist(next); err != nil {
		return err
	}
	s.defs = next
	return nil
}

func (s *Store) persist(defs []domain.DocTypeDefinition) error {
	data, err := yaml.Marshal(file{DocTypes: defs})
	if err != nil {
		return fmt.Errorf("encode taxonomy: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create taxonomy dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".doctypes-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write taxonomy: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close taxonomy: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("publish taxonomy: %w", err)
	}
	return nil
}

func clean(def domain.DocTypeDefinition) domain.DocTypeDefinition {
	def.ID = strings.ToLower(strings.TrimSpace(def.ID))
	def.Label = strings.TrimSpace(def.Label)
	def.Synonyms = cleanTerms(def.Synonyms)
	def.Keywords = cleanTerms(def.Keywords)
	return def
}

func cleanTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term != "" && !slices.Contains(out, term) {
			out = append(out, term)
		}
	}
	return out
}

func validate(def domain.DocTypeDefinition) error {
	if !idPattern.MatchString(def.ID) {
		return domain.WrapError(domain.ErrInvalidInput, "validate doc type", fmt.Errorf("invalid id %q", def.ID))
	}
	if strings.TrimSpace(def.Label) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "validate doc type", fmt.Errorf("label is required for %q", def.ID))
	}
	return nil
}

func cloneAll(defs []domain.DocTypeDefinition) []domain.DocTypeDefinition {
	out := make([]domain.DocTypeDefinition, len(defs))
	for i, def := range defs {
		def.Synonyms = slices.Clone(def.Synonyms)
		def.Keywords = slices.Clone(def.Keywords)
		out[i] = def
	}
	return out
}
