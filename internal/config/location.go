package config

import (
	"os"
	"path/filepath"
)

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "NAVHIST_CONFIG"

// GetConfigPath returns $NAVHIST_CONFIG, or ~/.navhist/config.
func GetConfigPath() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".navhist", "config"), nil
}
