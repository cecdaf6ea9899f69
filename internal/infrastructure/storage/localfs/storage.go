package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kirillkom/invoice-intake/internal/core/domain"
)

// Storage keeps objects as plain files below basePath. Keys are slash
// separated and can never resolve outside the base directory.
type Storage struct {
	basePath string

	// moveMu keeps the exists-check and rename of Move together.
	moveMu sync.Mutex
}

func New(basePath string) (*Storage, error) {
	if basePath == "" {
		basePath = "./data/storage"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Storage{basePath: basePath}, nil
}

// Save writes through a temp file and renames it into place.
func (s *Storage) Save(_ context.Context, key string, data io.Reader) (int64, error) {
	path, err := s.resolve(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	size, err := io.Copy(tmp, data)
	if err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return 0, fmt.Errorf("commit file: %w", err)
	}
	return size, nil
}

func (s *Storage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, mapFSError("open file", key, err)
	}
	return f, nil
}

func (s *Storage) Stat(_ context.Context, key string) (int64, error) {
	path, err := s.resolve(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, mapFSError("stat file", key, err)
	}
	if info.IsDir() {
		return 0, domain.WrapError(domain.ErrNotFound, "stat file", fmt.Errorf("%s is a directory", key))
	}
	return info.Size(), nil
}

// Move renames fromKey to toKey and refuses to replace an existing file.
func (s *Storage) Move(_ context.Context, fromKey, toKey string) error {
	from, err := s.resolve(fromKey)
	if err != nil {
		return err
	}
	to, err := s.resolve(toKey)
	if err != nil {
		return err
	}

	s.moveMu.Lock()
	defer s.moveMu.Unlock()

	if _, err := os.Stat(from); err != nil {
		return mapFSError("move file", fromKey, err)
	}
	if _, err := os.Lstat(to); err == nil {
		return domain.WrapError(domain.ErrStorageConflict, "move file", fmt.Errorf("%s already exists", toKey))
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat destination: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}

func (s *Storage) Remove(_ context.Context, key string) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return mapFSError("remove file", key, err)
	}
	return nil
}

func (s *Storage) resolve(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", domain.WrapError(domain.ErrInvalidInput, "resolve key", errors.New("empty storage key"))
	}
	clean := filepath.Clean("/" + filepath.FromSlash(key))
	if clean == string(filepath.Separator) {
		return "", domain.WrapError(domain.ErrInvalidInput, "resolve key", fmt.Errorf("invalid storage key %q", key))
	}
	return filepath.Join(s.basePath, clean), nil
}

func mapFSError(op, key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return domain.WrapError(domain.ErrNotFound, op, fmt.Errorf("%s: %w", key, err))
	}
	return fmt.Errorf("%s %s: %w", op, key, err)
}
