package config

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config holds the options read from a config file.
type Config struct {
	// Global options, before any section header
	Global map[string]string
	// Section options, keyed by section then option
	Sections map[string]map[string]string
	// Warnings collected while loading
	Warnings []string
}

// NewConfig creates an empty configuration.
func NewConfig() *Config {
	return &Config{
		Global:   make(map[string]string),
		Sections: make(map[string]map[string]string),
	}
}

// Load reads the config file at GetConfigPath.
func Load() (*Config, error) {
	path, err := GetConfigPath()
	if err != nil {
		return nil, fmt.Errorf("failed to get config path: %w", err)
	}
	return LoadFromPath(path)
}

// LoadFromPath reads a config file. A missing file is an empty
// configuration. Symlinks are rejected.
func LoadFromPath(path string) (*Config, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewConfig(), nil
		}
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("symlink not allowed in config path: %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader parses the dnsmasq-style format: one "name value" pair per
// line, "[section]" headers and "#" comments. Options the schema does not
// know, and values of the wrong type, become warnings.
func LoadFromReader(r io.Reader) (*Config, error) {
	c := NewConfig()
	scanner := bufio.NewScanner(r)
	section := ""
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSpace(line[1 : len(line)-1])
			if section != "" && c.Sections[section] == nil {
				c.Sections[section] = make(map[string]string)
			}
			continue
		}
		name, value, _ := strings.Cut(line, " ")
		value = strings.TrimSpace(value)
		if section == "" {
			c.Global[name] = value
		} else {
			c.Sections[section][name] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config: %w", err)
	}

	for _, issue := range ValidateConfig(c, DefaultSchema()) {
		c.addWarning("%s", issue)
	}
	return c, nil
}

func (c *Config) addWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.Warnings = append(c.Warnings, msg)
	slog.Warn("config: " + msg)
}

// GetGlobalOption returns a global option.
func (c *Config) GetGlobalOption(name string) (string, bool) {
	v, ok := c.Global[name]
	return v, ok
}

// GetSectionOption returns an option from a section, falling back to the
// global option of the same name.
func (c *Config) GetSectionOption(section, name string) (string, bool) {
	if opts, ok := c.Sections[section]; ok {
		if v, ok := opts[name]; ok {
			return v, true
		}
	}
	return c.GetGlobalOption(name)
}

// SetGlobalOption sets a global option.
func (c *Config) SetGlobalOption(name, value string) {
	c.Global[name] = value
}

// SetSectionOption sets an option in a section.
func (c *Config) SetSectionOption(section, name, value string) {
	if c.Sections[section] == nil {
		c.Sections[section] = make(map[string]string)
	}
	c.Sections[section][name] = value
}

// HasWarnings reports whether loading produced warnings.
func (c *Config) HasWarnings() bool {
	return len(c.Warnings) > 0
}
