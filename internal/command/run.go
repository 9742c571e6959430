package command

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/joeycumines/navhist/internal/config"
	"github.com/joeycumines/navhist/internal/scripting"
	"github.com/joeycumines/navhist/internal/statestore"
	"github.com/joeycumines/navhist/internal/telemetry"
)

// RunCommand executes a script against a fresh window and prints the URL
// the window ends on.
type RunCommand struct {
	*BaseCommand
	config *config.Config

	url         string
	coordinator string
	logFile     string
	logLevel    string
	printLogs   bool
	timeout     time.Duration

	// ctxFactory replaces signal handling in tests
	ctxFactory func() (context.Context, context.CancelFunc)
}

// NewRunCommand creates a run command.
func NewRunCommand(cfg *config.Config) *RunCommand {
	return &RunCommand{
		BaseCommand: NewBaseCommand(
			"run",
			"Run a script against a document's session history",
			"run [options] <script.js | ->",
		),
		config: cfg,
	}
}

// SetupFlags registers the run flags.
func (c *RunCommand) SetupFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.url, "url", "", "Initial document URL (default from [run] url)")
	fs.StringVar(&c.coordinator, "coordinator", "", "Address of a remote coordinator (default from coordinator.address)")
	fs.StringVar(&c.logFile, "log-file", "", "Write JSON logs to this file")
	fs.StringVar(&c.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.BoolVar(&c.printLogs, "print-logs", false, "Print buffered log entries to stderr when done")
	fs.DurationVar(&c.timeout, "timeout", 0, "Give up after this long (0 waits forever)")
}

// Execute runs the script named by args[0], or standard input for "-".
func (c *RunCommand) Execute(args []string, stdout, stderr io.Writer) (err error) {
	if len(args) != 1 {
		_, _ = fmt.Fprintf(stderr, "Usage: navhist %s\n", c.Usage())
		return fmt.Errorf("expected one script argument, got %d", len(args))
	}
	name, src, err := readScript(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := c.context()
	defer cancel()
	if c.timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, c.timeout)
		defer stop()
	}

	schema := config.DefaultSchema()
	ls, err := resolveLogConfig(c.config, "run", c.logFile, c.logLevel)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, ls.Close()) }()
	if c.printLogs {
		defer printLogs(stderr, ls.logger)
	}

	shutdown, err := telemetry.Setup(ctx, "navhist", schema.Resolve(c.config, "run", "telemetry.endpoint"))
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, shutdown(context.Background())) }()

	opts := []scripting.EngineOption{
		scripting.WithEngineLogger(ls.logger),
		scripting.WithSyncTimeout(schema.ResolveDuration(c.config, "run", "coordinator.sync-timeout")),
		scripting.WithMaxDepth(schema.ResolveInt(c.config, "run", "codec.max-depth")),
	}
	address := c.coordinator
	if address == "" {
		address = schema.Resolve(c.config, "run", "coordinator.address")
	}
	if address != "" {
		opts = append(opts, scripting.WithCoordinatorAddress(address))
	} else {
		var backend statestore.Backend
		if backend, err = openBackend(c.config, "run"); err != nil {
			return err
		}
		defer func() { err = errors.Join(err, backend.Close()) }()
		opts = append(opts,
			scripting.WithStateBackend(backend),
			scripting.WithQueueSize(schema.ResolveInt(c.config, "run", "coordinator.queue-size")),
		)
	}

	startURL := c.url
	if startURL == "" {
		startURL = schema.Resolve(c.config, "run", "url")
	}
	engine, err := scripting.NewEngine(ctx, startURL, opts...)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, engine.Close()) }()

	if err := engine.RunScript(name, src); err != nil {
		return err
	}
	if err := engine.Settle(ctx); err != nil {
		return fmt.Errorf("waiting for traversals: %w", err)
	}
	u, err := engine.URL()
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(stdout, u.String())
	return nil
}

func (c *RunCommand) context() (context.Context, context.CancelFunc) {
	if c.ctxFactory != nil {
		return c.ctxFactory()
	}
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func readScript(arg string) (name, src string, err error) {
	if arg == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", "", fmt.Errorf("read script from stdin: %w", err)
		}
		return "<stdin>", string(b), nil
	}
	b, err := os.ReadFile(arg)
	if err != nil {
		return "", "", fmt.Errorf("read script: %w", err)
	}
	return arg, string(b), nil
}

// openBackend opens the state backend configured for section.
func openBackend(cfg *config.Config, section string) (statestore.Backend, error) {
	schema := config.DefaultSchema()
	return statestore.GetBackend(
		schema.Resolve(cfg, section, "state.backend"),
		schema.Resolve(cfg, section, "state.path"),
	)
}

func printLogs(w io.Writer, logger *scripting.Logger) {
	for _, e := range logger.Logs() {
		_, _ = fmt.Fprintf(w, "%s %-5s %s", e.Time.Format(time.RFC3339), e.Level, e.Message)
		for _, k := range slices.Sorted(maps.Keys(e.Attrs)) {
			_, _ = fmt.Fprintf(w, " %s=%s", k, e.Attrs[k])
		}
		_, _ = fmt.Fprintln(w)
	}
}
