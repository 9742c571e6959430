// Command navhist runs scripts against windows whose session history is
// kept by a navigation coordinator, and serves that coordinator over gRPC.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/joeycumines/navhist/internal/command"
	"github.com/joeycumines/navhist/internal/config"
)

var version = "0.1.0"

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	configPath, err := config.GetConfigPath()
	if err != nil {
		return err
	}
	cfg, err := config.LoadFromPath(configPath)
	if err != nil {
		return err
	}

	registry := command.NewRegistry()
	help := command.NewHelpCommand(registry)
	registry.Register(help)
	registry.Register(command.NewVersionCommand(version))
	registry.Register(command.NewConfigCommand(cfg, configPath))
	registry.Register(command.NewRunCommand(cfg))
	registry.Register(command.NewServeCommand(cfg))

	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		return help.Execute(nil, stdout, stderr)
	}

	cmd, err := registry.Get(args[0])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		_, _ = fmt.Fprintln(stderr, "Use 'navhist help' to see available commands.")
		return err
	}

	fs := flag.NewFlagSet(cmd.Name(), flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		_, _ = fmt.Fprintf(stderr, "Usage: navhist %s\n", cmd.Usage())
		_, _ = fmt.Fprintf(stderr, "\n%s\n\n", cmd.Description())
		_, _ = fmt.Fprintln(stderr, "Options:")
		fs.PrintDefaults()
	}
	cmd.SetupFlags(fs)
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	return cmd.Execute(fs.Args(), stdout, stderr)
}
