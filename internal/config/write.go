package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joeycumines/navhist/internal/statestore"
)

// SetKeyInFile sets a global option in the config file at path, keeping
// comments and layout. An existing global line for key is replaced in
// place; otherwise the option is inserted before the first section header,
// or appended. Options inside sections are never touched.
func SetKeyInFile(path, key, value string) error {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config file: %w", err)
	}

	var lines []string
	if len(data) > 0 {
		lines = strings.Split(string(data), "\n")
	}

	entry := strings.TrimSpace(key + " " + value)
	insertAt := -1
	replaced := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			insertAt = i
			break
		}
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if name, _, _ := strings.Cut(trimmed, " "); name == key {
			lines[i] = entry
			replaced = true
			break
		}
	}

	switch {
	case replaced:
	case insertAt >= 0:
		lines = append(lines[:insertAt], append([]string{entry}, lines[insertAt:]...)...)
	case len(lines) > 0 && lines[len(lines)-1] == "":
		// keep the trailing newline last
		lines = append(lines[:len(lines)-1], entry, "")
	default:
		lines = append(lines, entry, "")
	}

	return statestore.AtomicWriteFile(path, []byte(strings.Join(lines, "\n")), 0o644)
}
