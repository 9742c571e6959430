package statestore

import (
	"fmt"
	"path/filepath"
	"sort"
)

// BackendFactory creates a Backend rooted at path. The meaning of path is
// backend specific (ignored, a directory, or a database file).
type BackendFactory func(path string) (Backend, error)

// BackendRegistry maps backend names to their factory functions.
var BackendRegistry = make(map[string]BackendFactory)

func init() {
	BackendRegistry["memory"] = func(string) (Backend, error) {
		return NewMemoryBackend(), nil
	}

	BackendRegistry["fs"] = func(path string) (Backend, error) {
		if path == "" {
			dir, err := DefaultDirectory()
			if err != nil {
				return nil, err
			}
			path = dir
		}
		return NewFileSystemBackend(path)
	}

	BackendRegistry["sqlite"] = func(path string) (Backend, error) {
		if path == "" {
			dir, err := DefaultDirectory()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, "states.db")
		}
		return OpenSQLite(path)
	}
}

// GetBackend creates an instance of the named backend.
func GetBackend(name, path string) (Backend, error) {
	factory, ok := BackendRegistry[name]
	if !ok {
		return nil, fmt.Errorf("unknown state backend: %s (available: %v)", name, Names())
	}
	return factory(path)
}

// Names returns the registered backend names, sorted.
func Names() []string {
	names := make([]string, 0, len(BackendRegistry))
	for name := range BackendRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
