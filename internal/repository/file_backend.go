package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileBackend keeps each collection as a JSON file under a data directory.
type FileBackend struct {
	dir string
}

// NewFileBackend creates a FileBackend rooted at dir. The directory is created
// lazily on first write.
func NewFileBackend(dir string) (*FileBackend, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("repository: data directory must not be empty")
	}
	return &FileBackend{dir: dir}, nil
}

// Path returns the file backing kind.
func (b *FileBackend) Path(kind Kind) string {
	return filepath.Join(b.dir, string(kind)+".json")
}

func (b *FileBackend) Read(_ context.Context, kind Kind) ([]byte, bool, error) {
	data, err := os.ReadFile(b.Path(kind))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("repository: read %s: %w", kind, err)
	}
	return data, true, nil
}

func (b *FileBackend) Write(_ context.Context, kind Kind, data []byte) error {
	path := b.Path(kind)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("repository: ensure dir for %s: %w", kind, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("repository: write %s: %w", kind, err)
	}
	return nil
}
