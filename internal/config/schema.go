package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// OptionType is the expected type of an option value.
type OptionType string

const (
	TypeString   OptionType = "string"
	TypeBool     OptionType = "bool"
	TypeInt      OptionType = "int"
	TypeDuration OptionType = "duration"
)

// ConfigOption declares one option.
type ConfigOption struct {
	// Key as written in the config file
	Key         string
	Type        OptionType
	Default     string
	Description string
	// Section is "" for global options
	Section string
	// EnvVar, if set, overrides the file value
	EnvVar string
}

// ConfigSchema is the set of known options. It drives validation, typed
// resolution, environment overrides and the config command's help.
type ConfigSchema struct {
	options []*ConfigOption
	index   map[string]map[string]*ConfigOption
}

// NewSchema creates an empty schema.
func NewSchema() *ConfigSchema {
	return &ConfigSchema{index: make(map[string]map[string]*ConfigOption)}
}

// Register adds opt. A later registration of the same section and key
// replaces the earlier one.
func (s *ConfigSchema) Register(opt ConfigOption) {
	ref := &opt
	if s.index[opt.Section] == nil {
		s.index[opt.Section] = make(map[string]*ConfigOption)
	}
	if old, ok := s.index[opt.Section][opt.Key]; ok {
		s.options = slices.DeleteFunc(s.options, func(o *ConfigOption) bool { return o == old })
	}
	s.index[opt.Section][opt.Key] = ref
	s.options = append(s.options, ref)
}

// RegisterAll registers each option in order.
func (s *ConfigSchema) RegisterAll(opts []ConfigOption) {
	for _, opt := range opts {
		s.Register(opt)
	}
}

// Lookup returns the option declared for section and key, or nil.
func (s *ConfigSchema) Lookup(section, key string) *ConfigOption {
	return s.index[section][key]
}

// lookupWithFallback finds a section option, then a global one.
func (s *ConfigSchema) lookupWithFallback(section, key string) *ConfigOption {
	if opt := s.Lookup(section, key); opt != nil {
		return opt
	}
	return s.Lookup("", key)
}

// Options returns the options of a section in registration order.
func (s *ConfigSchema) Options(section string) []ConfigOption {
	var out []ConfigOption
	for _, o := range s.options {
		if o.Section == section {
			out = append(out, *o)
		}
	}
	return out
}

// Sections returns the sorted names of the non-global sections.
func (s *ConfigSchema) Sections() []string {
	var out []string
	for sec := range s.index {
		if sec != "" {
			out = append(out, sec)
		}
	}
	slices.Sort(out)
	return out
}

// Resolve returns the effective value of an option: its environment
// variable if set, then the file value (section first, then global), then
// the schema default.
func (s *ConfigSchema) Resolve(c *Config, section, key string) string {
	opt := s.lookupWithFallback(section, key)
	if opt != nil && opt.EnvVar != "" {
		if v, ok := os.LookupEnv(opt.EnvVar); ok {
			return v
		}
	}
	if c != nil {
		if v, ok := c.GetSectionOption(section, key); ok {
			return v
		}
	}
	if opt != nil {
		return opt.Default
	}
	return ""
}

// ResolveInt is Resolve parsed as an int. Unparseable values fall back to
// the default.
func (s *ConfigSchema) ResolveInt(c *Config, section, key string) int {
	if n, err := strconv.Atoi(s.Resolve(c, section, key)); err == nil {
		return n
	}
	if opt := s.lookupWithFallback(section, key); opt != nil {
		n, _ := strconv.Atoi(opt.Default)
		return n
	}
	return 0
}

// ResolveDuration is Resolve parsed as a duration. Empty or unparseable
// values are zero.
func (s *ConfigSchema) ResolveDuration(c *Config, section, key string) time.Duration {
	d, err := time.ParseDuration(s.Resolve(c, section, key))
	if err != nil {
		return 0
	}
	return d
}

// ResolveBool is Resolve parsed as a bool. Unparseable values are false.
func (s *ConfigSchema) ResolveBool(c *Config, section, key string) bool {
	b, _ := parseBool(s.Resolve(c, section, key))
	return b
}

// ValidateConfig lists unknown options and type mismatches, sorted.
func ValidateConfig(c *Config, s *ConfigSchema) []string {
	var issues []string
	for key, value := range c.Global {
		opt := s.Lookup("", key)
		if opt == nil {
			issues = append(issues, fmt.Sprintf("unknown global option: %q (value: %q)", key, value))
			continue
		}
		if err := validateType(opt.Type, value); err != nil {
			issues = append(issues, fmt.Sprintf("global option %q: %v", key, err))
		}
	}
	for section, opts := range c.Sections {
		for key, value := range opts {
			opt := s.lookupWithFallback(section, key)
			if opt == nil {
				issues = append(issues, fmt.Sprintf("unknown option in [%s]: %q (value: %q)", section, key, value))
				continue
			}
			if err := validateType(opt.Type, value); err != nil {
				issues = append(issues, fmt.Sprintf("option %q in [%s]: %v", key, section, err))
			}
		}
	}
	slices.Sort(issues)
	return issues
}

func validateType(t OptionType, value string) error {
	switch t {
	case TypeString, "":
		return nil
	case TypeBool:
		if _, err := parseBool(value); err != nil {
			return fmt.Errorf("expected bool, got %q", value)
		}
	case TypeInt:
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("expected int, got %q", value)
		}
	case TypeDuration:
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("expected duration, got %q", value)
		}
	default:
		return fmt.Errorf("unknown option type %q", t)
	}
	return nil
}

// parseBool accepts true/false, 1/0, yes/no and on/off, ignoring case.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean value: %s", s)
}

// FormatHelp describes every option, global options first.
func (s *ConfigSchema) FormatHelp() string {
	var b strings.Builder
	if opts := s.Options(""); len(opts) > 0 {
		b.WriteString("Global Options:\n")
		for _, o := range opts {
			writeOptionHelp(&b, o)
		}
	}
	for _, sec := range s.Sections() {
		fmt.Fprintf(&b, "\n[%s] Options:\n", sec)
		for _, o := range s.Options(sec) {
			writeOptionHelp(&b, o)
		}
	}
	return b.String()
}

func writeOptionHelp(b *strings.Builder, o ConfigOption) {
	fmt.Fprintf(b, "  %-28s %s", o.Key, o.Description)
	var parts []string
	if o.Type != "" && o.Type != TypeString {
		parts = append(parts, "type: "+string(o.Type))
	}
	if o.Default != "" {
		parts = append(parts, "default: "+o.Default)
	}
	if o.EnvVar != "" {
		parts = append(parts, "env: "+o.EnvVar)
	}
	if len(parts) > 0 {
		fmt.Fprintf(b, " (%s)", strings.Join(parts, ", "))
	}
	b.WriteString("\n")
}

// DefaultSchema declares every navhist option.
func DefaultSchema() *ConfigSchema {
	s := NewSchema()
	s.RegisterAll([]ConfigOption{
		{Key: "coordinator.address", Description: "gRPC address of a remote navigation coordinator; empty runs one in-process", EnvVar: "NAVHIST_COORDINATOR"},
		{Key: "coordinator.queue-size", Type: TypeInt, Default: "256", Description: "Inbox capacity of the in-process coordinator"},
		{Key: "coordinator.sync-timeout", Type: TypeDuration, Description: "Timeout for history.length and state fetches; empty waits forever"},

		{Key: "state.backend", Default: "memory", Description: "Where serialized states are kept: memory, fs, sqlite", EnvVar: "NAVHIST_STATE_BACKEND"},
		{Key: "state.path", Description: "Directory (fs) or database file (sqlite) for states"},

		{Key: "codec.max-depth", Type: TypeInt, Default: "256", Description: "Maximum nesting depth of a state value"},

		{Key: "log.file", Description: "Log file path (JSON lines)", EnvVar: "NAVHIST_LOG_FILE"},
		{Key: "log.level", Default: "info", Description: "Log level: debug, info, warn, error", EnvVar: "NAVHIST_LOG_LEVEL"},
		{Key: "log.max-size-mb", Type: TypeInt, Default: "10", Description: "Log file size in MB before rotation"},
		{Key: "log.max-files", Type: TypeInt, Default: "5", Description: "Rotated log files to keep"},
		{Key: "log.buffer-size", Type: TypeInt, Default: "1000", Description: "In-memory log buffer size (entries)"},

		{Key: "telemetry.endpoint", Description: "OTLP/HTTP endpoint for traces; empty disables tracing", EnvVar: "NAVHIST_OTEL_ENDPOINT"},

		{Key: "listen", Section: "serve", Default: "127.0.0.1:7420", Description: "Address the coordinator listens on"},

		{Key: "url", Section: "run", Default: "http://localhost/", Description: "Initial document URL"},
	})
	return s
}
