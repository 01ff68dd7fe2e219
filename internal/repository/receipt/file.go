package receipt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mkraev/ffdist/internal/manifest"
)

// Repository defines persistence operations for the install receipt.
type Repository interface {
	Load(ctx context.Context) (*manifest.Manifest, error)
	Save(ctx context.Context, m *manifest.Manifest) error
}

// FileRepository persists the install receipt as a YAML manifest on disk.
type FileRepository struct {
	// path is the filesystem location of the receipt file.
	path string
	// mu protects concurrent access to the receipt file.
	mu sync.Mutex
}

// ErrNotFound is returned when no receipt has been written yet.
var ErrNotFound = errors.New("receipt not found")

// NewFileRepository creates a repository that reads/writes YAML at the provided path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{
		path: filepath.Clean(path),
	}
}

// ForBuildDir creates a repository at the conventional receipt location
// inside a build directory.
func ForBuildDir(buildDir string) *FileRepository {
	return NewFileRepository(filepath.Join(buildDir, manifest.Filename))
}

// Load reads the receipt from disk.
func (r *FileRepository) Load(_ context.Context) (*manifest.Manifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := manifest.Load(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("read receipt file: %w", err)
	}

	return m, nil
}

// Save writes the receipt to disk.
func (r *FileRepository) Save(_ context.Context, m *manifest.Manifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := manifest.Save(r.path, m); err != nil {
		return fmt.Errorf("write receipt file: %w", err)
	}

	return nil
}
