package command

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/joeycumines/navhist/internal/config"
)

// HelpCommand lists commands, or describes one.
type HelpCommand struct {
	*BaseCommand
	registry *Registry
}

// NewHelpCommand creates a help command over registry.
func NewHelpCommand(registry *Registry) *HelpCommand {
	return &HelpCommand{
		BaseCommand: NewBaseCommand(
			"help",
			"Display help information for commands",
			"help [command]",
		),
		registry: registry,
	}
}

// Execute prints the command list, or the usage and flags of args[0].
func (c *HelpCommand) Execute(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stdout, "navhist - drive per-document session history from scripts")
		_, _ = fmt.Fprintln(stdout, "")
		_, _ = fmt.Fprintln(stdout, "Usage: navhist <command> [options] [args...]")
		_, _ = fmt.Fprintln(stdout, "")
		_, _ = fmt.Fprintln(stdout, "Commands:")
		w := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
		for _, name := range c.registry.List() {
			if cmd, err := c.registry.Get(name); err == nil {
				_, _ = fmt.Fprintf(w, "  %s\t%s\n", name, cmd.Description())
			}
		}
		_ = w.Flush()
		_, _ = fmt.Fprintln(stdout, "")
		_, _ = fmt.Fprintln(stdout, "Use 'navhist help <command>' for the flags of a command.")
		return nil
	}

	cmd, err := c.registry.Get(args[0])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		return err
	}
	_, _ = fmt.Fprintf(stdout, "Command: %s\n", cmd.Name())
	_, _ = fmt.Fprintf(stdout, "Description: %s\n", cmd.Description())
	_, _ = fmt.Fprintf(stdout, "Usage: navhist %s\n", cmd.Usage())

	fs := flag.NewFlagSet(cmd.Name(), flag.ContinueOnError)
	var buf bytes.Buffer
	fs.SetOutput(&buf)
	cmd.SetupFlags(fs)
	fs.PrintDefaults()
	if buf.Len() > 0 {
		_, _ = fmt.Fprintln(stdout, "")
		_, _ = fmt.Fprintln(stdout, "Flags:")
		_, _ = fmt.Fprint(stdout, buf.String())
	}
	return nil
}

// VersionCommand prints the version.
type VersionCommand struct {
	*BaseCommand
	version string
}

// NewVersionCommand creates a version command.
func NewVersionCommand(version string) *VersionCommand {
	return &VersionCommand{
		BaseCommand: NewBaseCommand("version", "Display version information", "version"),
		version:     version,
	}
}

// Execute prints the version.
func (c *VersionCommand) Execute(args []string, stdout, stderr io.Writer) error {
	if len(args) > 0 {
		_, _ = fmt.Fprintf(stderr, "unexpected arguments: %v\n", args)
		return fmt.Errorf("unexpected arguments")
	}
	_, _ = fmt.Fprintf(stdout, "navhist version %s\n", c.version)
	return nil
}

// ConfigCommand shows and edits configuration.
type ConfigCommand struct {
	*BaseCommand
	config     *config.Config
	schema     *config.ConfigSchema
	configPath string
	section    string
}

// NewConfigCommand creates a config command. Values set with it are
// written to configPath; an empty configPath resolves the default location
// when needed.
func NewConfigCommand(cfg *config.Config, configPath string) *ConfigCommand {
	return &ConfigCommand{
		BaseCommand: NewBaseCommand(
			"config",
			"Show or change configuration",
			"config [-section name] [schema | validate | <key> [value]]",
		),
		config:     cfg,
		schema:     config.DefaultSchema(),
		configPath: configPath,
	}
}

// SetupFlags registers -section.
func (c *ConfigCommand) SetupFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.section, "section", "", "Resolve keys as seen from this section (e.g. run, serve)")
}

// Execute prints every effective value, the schema, validation issues, one
// value, or sets a global value.
func (c *ConfigCommand) Execute(args []string, stdout, stderr io.Writer) error {
	switch {
	case len(args) == 0:
		c.printEffective(stdout)
		return nil
	case len(args) == 1 && args[0] == "schema":
		_, _ = fmt.Fprint(stdout, c.schema.FormatHelp())
		return nil
	case len(args) == 1 && args[0] == "validate":
		return c.validate(stdout)
	case len(args) == 1:
		key := args[0]
		if c.schema.Lookup(c.section, key) == nil && c.schema.Lookup("", key) == nil {
			if _, ok := c.config.GetSectionOption(c.section, key); !ok {
				_, _ = fmt.Fprintf(stderr, "Configuration key '%s' not found\n", key)
				return fmt.Errorf("unknown key: %s", key)
			}
		}
		_, _ = fmt.Fprintf(stdout, "%s: %s\n", key, c.schema.Resolve(c.config, c.section, key))
		return nil
	case len(args) == 2:
		if c.section != "" {
			_, _ = fmt.Fprintln(stderr, "-section cannot be used when setting a value")
			return fmt.Errorf("invalid arguments")
		}
		key, value := args[0], args[1]
		path := c.configPath
		if path == "" {
			var err error
			if path, err = config.GetConfigPath(); err != nil {
				return fmt.Errorf("failed to get config path: %w", err)
			}
		}
		if err := config.SetKeyInFile(path, key, value); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		c.config.SetGlobalOption(key, value)
		if c.schema.Lookup("", key) == nil {
			_, _ = fmt.Fprintf(stderr, "Warning: %q is not a known option\n", key)
		}
		_, _ = fmt.Fprintf(stdout, "Set configuration: %s = %s\n", key, value)
		return nil
	}
	_, _ = fmt.Fprintln(stderr, "Invalid number of arguments")
	return fmt.Errorf("invalid arguments")
}

func (c *ConfigCommand) printEffective(stdout io.Writer) {
	w := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "Global configuration:")
	for _, opt := range c.schema.Options("") {
		_, _ = fmt.Fprintf(w, "  %s\t%s\n", opt.Key, c.schema.Resolve(c.config, "", opt.Key))
	}
	for _, sec := range c.schema.Sections() {
		_, _ = fmt.Fprintf(w, "\n[%s]\n", sec)
		for _, opt := range c.schema.Options(sec) {
			_, _ = fmt.Fprintf(w, "  %s\t%s\n", opt.Key, c.schema.Resolve(c.config, sec, opt.Key))
		}
	}
	_ = w.Flush()
}

func (c *ConfigCommand) validate(stdout io.Writer) error {
	issues := config.ValidateConfig(c.config, c.schema)
	if len(issues) == 0 {
		_, _ = fmt.Fprintln(stdout, "Configuration is valid.")
		return nil
	}
	_, _ = fmt.Fprintf(stdout, "Configuration has %d issue(s):\n", len(issues))
	for _, issue := range issues {
		_, _ = fmt.Fprintf(stdout, "  - %s\n", issue)
	}
	return nil
}
