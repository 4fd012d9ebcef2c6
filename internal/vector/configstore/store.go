package configstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/crusoecloud/vector-config-reloader/internal/errortypes"
	"github.com/crusoecloud/vector-config-reloader/internal/vector/config"
)

const fileMode = 0o644

// FileStore persists the Vector configuration as a single YAML file. Vector watches the
// file and reloads on change, so every Save replaces it atomically.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load() (*config.Config, error) {
	return LoadFile(s.path)
}

// Save writes cfg to a temporary file in the target directory, syncs it and renames it
// over the target.
func (s *FileStore) Save(cfg *config.Config) error {
	data, err := config.Marshal(cfg)
	if err != nil {
		return &errortypes.PersistenceError{Path: s.path, Err: err}
	}

	if err := writeAtomic(s.path, data); err != nil {
		return &errortypes.PersistenceError{Path: s.path, Err: err}
	}

	return nil
}

// LoadFile reads and parses a Vector configuration file.
func LoadFile(path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errortypes.PersistenceError{Path: path, Err: err}
	}

	cfg, err := config.Parse(data)
	if err != nil {
		return nil, &errortypes.PersistenceError{Path: path, Err: err}
	}

	return cfg, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)

		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)

		return fmt.Errorf("failed to sync temporary file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temporary file: %w", err)
	}

	if err := os.Chmod(tmpPath, fileMode); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set file mode: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	// The rename is only durable once the directory entry is flushed.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}

	return nil
}
