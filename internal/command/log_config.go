package command

import (
	"fmt"
	"io"

	"github.com/joeycumines/navhist/internal/config"
	"github.com/joeycumines/navhist/internal/scripting"
)

// logSetup is the logger a command runs with. file is nil unless logs are
// also written to disk, and must be closed by the caller.
type logSetup struct {
	logger *scripting.Logger
	file   io.WriteCloser
}

func (l logSetup) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// resolveLogConfig builds the logger for a command. Non-empty flag values
// win over the configuration of section.
func resolveLogConfig(cfg *config.Config, section, flagPath, flagLevel string) (logSetup, error) {
	schema := config.DefaultSchema()
	var ls logSetup

	levelStr := flagLevel
	if levelStr == "" {
		levelStr = schema.Resolve(cfg, section, "log.level")
	}
	level, err := scripting.ParseLevel(levelStr)
	if err != nil {
		return ls, err
	}

	opts := []scripting.LoggerOption{
		scripting.WithLevel(level),
		scripting.WithBufferSize(schema.ResolveInt(cfg, section, "log.buffer-size")),
	}

	path := flagPath
	if path == "" {
		path = schema.Resolve(cfg, section, "log.file")
	}
	if path != "" {
		w, err := scripting.NewRotatingFileWriter(path,
			schema.ResolveInt(cfg, section, "log.max-size-mb"),
			schema.ResolveInt(cfg, section, "log.max-files"))
		if err != nil {
			return ls, fmt.Errorf("failed to open log file %s: %w", path, err)
		}
		ls.file = w
		opts = append(opts, scripting.WithOutput(w))
	}

	ls.logger = scripting.NewLogger(opts...)
	return ls, nil
}
