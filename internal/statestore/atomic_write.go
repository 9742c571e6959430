package statestore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// tempPattern names in-flight writes; they never match a state file.
const tempPattern = ".tmp-state-*"

// testHookBeforeRename runs once the temp file is complete.
var testHookBeforeRename func()

// AtomicWriteFile replaces filename with data so that readers observe either
// the old contents or the new, never a partial write. Missing parent
// directories are created.
func AtomicWriteFile(filename string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := writeTemp(dir, data, perm)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rmErr := os.Remove(tmp); rmErr != nil && !os.IsNotExist(rmErr) {
			slog.Warn("leaked temporary state file", "path", tmp, "error", rmErr)
		}
	}()

	if testHookBeforeRename != nil {
		testHookBeforeRename()
	}
	if err := replaceFile(tmp, filename); err != nil {
		return fmt.Errorf("replace %s: %w", filename, err)
	}
	committed = true
	return nil
}

// writeTemp writes data to a synced temp file in dir and returns its path.
func writeTemp(dir string, data []byte, perm os.FileMode) (string, error) {
	f, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	name := f.Name()
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(name, perm)
	}
	if err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	return name, nil
}
