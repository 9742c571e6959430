package command

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/joeycumines/navhist/internal/config"
	"github.com/joeycumines/navhist/internal/coordinator"
	"github.com/joeycumines/navhist/internal/coordinator/remote"
	"github.com/joeycumines/navhist/internal/telemetry"
)

// ServeCommand runs a navigation coordinator that windows in other
// processes join over gRPC.
type ServeCommand struct {
	*BaseCommand
	config *config.Config

	listen   string
	logFile  string
	logLevel string

	ctxFactory func() (context.Context, context.CancelFunc)
	// onListen is called once the listener is bound
	onListen func(net.Addr)
}

// NewServeCommand creates a serve command.
func NewServeCommand(cfg *config.Config) *ServeCommand {
	return &ServeCommand{
		BaseCommand: NewBaseCommand(
			"serve",
			"Run a navigation coordinator over gRPC",
			"serve [options]",
		),
		config: cfg,
	}
}

// SetupFlags registers the serve flags.
func (c *ServeCommand) SetupFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.listen, "listen", "", "Listen address (default from [serve] listen)")
	fs.StringVar(&c.logFile, "log-file", "", "Write JSON logs to this file")
	fs.StringVar(&c.logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

// Execute serves until interrupted.
func (c *ServeCommand) Execute(args []string, stdout, stderr io.Writer) (err error) {
	if len(args) > 0 {
		_, _ = fmt.Fprintf(stderr, "unexpected arguments: %v\n", args)
		return fmt.Errorf("unexpected arguments")
	}

	ctx, cancel := c.context()
	defer cancel()

	schema := config.DefaultSchema()
	ls, err := resolveLogConfig(c.config, "serve", c.logFile, c.logLevel)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, ls.Close()) }()

	shutdown, err := telemetry.Setup(ctx, "navhist-coordinator", schema.Resolve(c.config, "serve", "telemetry.endpoint"))
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, shutdown(context.Background())) }()

	backend, err := openBackend(c.config, "serve")
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, backend.Close()) }()

	coord := coordinator.New(
		coordinator.WithQueueSize(schema.ResolveInt(c.config, "serve", "coordinator.queue-size")),
		coordinator.WithStateBackend(backend),
		coordinator.WithCoordinatorLogger(ls.logger.Logger),
	)
	runErr := make(chan error, 1)
	go func() { runErr <- coord.Run(ctx) }()
	defer func() {
		_ = coord.Close()
		<-runErr
	}()

	addr := c.listen
	if addr == "" {
		addr = schema.Resolve(c.config, "serve", "listen")
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	_, _ = fmt.Fprintf(stdout, "coordinator listening on %s\n", lis.Addr())
	if c.onListen != nil {
		c.onListen(lis.Addr())
	}

	return remote.NewServer(coord, remote.WithServerLogger(ls.logger.Logger)).Serve(ctx, lis)
}

func (c *ServeCommand) context() (context.Context, context.CancelFunc) {
	if c.ctxFactory != nil {
		return c.ctxFactory()
	}
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
