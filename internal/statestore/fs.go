package statestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const stateFileSuffix = ".state"

// FileSystemBackend implements Backend with one file per payload inside a
// directory. Writes are atomic (temp file + rename).
type FileSystemBackend struct {
	dir string
}

// NewFileSystemBackend creates the directory if needed and returns a backend
// rooted at it.
func NewFileSystemBackend(dir string) (*FileSystemBackend, error) {
	if dir == "" {
		return nil, errors.New("statestore: directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &FileSystemBackend{dir: dir}, nil
}

// Dir returns the backing directory.
func (b *FileSystemBackend) Dir() string {
	return b.dir
}

// Save atomically writes data to the file for id.
func (b *FileSystemBackend) Save(id string, data []byte) error {
	path, err := b.path(id)
	if err != nil {
		return err
	}
	if err := AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write state %s: %w", id, err)
	}
	return nil
}

// Load reads the file for id, returning (nil, nil) if it does not exist.
func (b *FileSystemBackend) Load(id string) ([]byte, error) {
	path, err := b.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state %s: %w", id, err)
	}
	return data, nil
}

// Delete removes the files for ids; missing files are ignored.
func (b *FileSystemBackend) Delete(ids ...string) error {
	var errs []error
	for _, id := range ids {
		path, err := b.path(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("failed to remove state %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Close is a no-op; all writes are synced when they happen.
func (b *FileSystemBackend) Close() error {
	return nil
}

func (b *FileSystemBackend) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("statestore: invalid id %q", id)
	}
	return filepath.Join(b.dir, id+stateFileSuffix), nil
}

var _ Backend = (*FileSystemBackend)(nil)
