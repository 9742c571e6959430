package statestore

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultDirectory returns {UserConfigDir}/navhist/states.
func DefaultDirectory() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}
	return filepath.Join(configDir, "navhist", "states"), nil
}
