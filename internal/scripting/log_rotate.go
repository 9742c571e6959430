package scripting

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// RotatingFileWriter appends to a file and rotates it by size. On rotation
// path becomes path.1, path.1 becomes path.2 and so on, keeping at most
// backups old files. A single write is never split across files.
type RotatingFileWriter struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	backups  int
	size     int64
	file     *os.File
}

// NewRotatingFileWriter opens path for appending, creating its directory.
// maxSizeMB is at least 1; backups 0 discards the rotated file.
func NewRotatingFileWriter(path string, maxSizeMB, backups int) (*RotatingFileWriter, error) {
	w := &RotatingFileWriter{
		path:     path,
		maxBytes: int64(max(maxSizeMB, 1)) << 20,
		backups:  max(backups, 0),
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("log file: %w", err)
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingFileWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("log file: %w", err)
	}
	w.file, w.size = f, info.Size()
	return nil
}

// Write implements io.Writer.
func (w *RotatingFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("log file: rotate: %w", err)
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close implements io.Closer.
func (w *RotatingFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *RotatingFileWriter) backup(n int) string {
	return w.path + "." + strconv.Itoa(n)
}

// rotate shifts the backups up by one and reopens path empty. w.mu is held.
func (w *RotatingFileWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	if w.backups == 0 {
		if err := os.Remove(w.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return w.open()
	}
	if err := os.Remove(w.backup(w.backups)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for n := w.backups - 1; n >= 1; n-- {
		if err := os.Rename(w.backup(n), w.backup(n+1)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := os.Rename(w.path, w.backup(1)); err != nil {
		return err
	}
	return w.open()
}

var _ io.WriteCloser = (*RotatingFileWriter)(nil)
