package scripting

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultLogBufferSize is the number of entries kept in memory.
const DefaultLogBufferSize = 1000

// LogEntry is one record kept in memory.
type LogEntry struct {
	Time    time.Time         `json:"time"`
	Level   slog.Level        `json:"level"`
	Message string            `json:"message"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// ParseLevel maps debug, info, warn and error to a level. The empty string
// is info.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// Logger is the process logger. Records at or above its level are kept in
// a bounded ring and, when a file is attached, written to it as JSON lines.
type Logger struct {
	*slog.Logger
	ring  *ring
	level *slog.LevelVar
}

// LoggerOption configures a Logger.
type LoggerOption func(*loggerConfig)

type loggerConfig struct {
	level  slog.Level
	size   int
	output io.Writer
}

// WithLevel sets the minimum level.
func WithLevel(level slog.Level) LoggerOption {
	return func(c *loggerConfig) { c.level = level }
}

// WithBufferSize sets how many entries are kept in memory.
func WithBufferSize(n int) LoggerOption {
	return func(c *loggerConfig) {
		if n > 0 {
			c.size = n
		}
	}
}

// WithOutput tees records to w as JSON lines.
func WithOutput(w io.Writer) LoggerOption {
	return func(c *loggerConfig) { c.output = w }
}

// NewLogger creates a Logger.
func NewLogger(opts ...LoggerOption) *Logger {
	cfg := loggerConfig{level: slog.LevelInfo, size: DefaultLogBufferSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	level := new(slog.LevelVar)
	level.Set(cfg.level)

	r := &ring{entries: make([]LogEntry, 0, cfg.size), size: cfg.size}
	var handler slog.Handler = &ringHandler{ring: r, level: level}
	if cfg.output != nil {
		handler = teeHandler{
			handler,
			slog.NewJSONHandler(cfg.output, &slog.HandlerOptions{Level: level}),
		}
	}
	return &Logger{Logger: slog.New(handler), ring: r, level: level}
}

// SetLevel changes the minimum level.
func (l *Logger) SetLevel(level slog.Level) {
	l.level.Set(level)
}

// Logs returns a copy of the kept entries, oldest first.
func (l *Logger) Logs() []LogEntry {
	return l.ring.recent(0)
}

// RecentLogs returns up to n of the newest entries. n <= 0 returns all.
func (l *Logger) RecentLogs(n int) []LogEntry {
	return l.ring.recent(n)
}

// SearchLogs returns the entries whose message, attribute keys or values
// contain query, ignoring case.
func (l *Logger) SearchLogs(query string) []LogEntry {
	query = strings.ToLower(query)
	var out []LogEntry
	for _, e := range l.ring.recent(0) {
		if e.matches(query) {
			out = append(out, e)
		}
	}
	return out
}

// ClearLogs drops the kept entries.
func (l *Logger) ClearLogs() {
	l.ring.mu.Lock()
	l.ring.entries = l.ring.entries[:0]
	l.ring.mu.Unlock()
}

func (e LogEntry) matches(query string) bool {
	if strings.Contains(strings.ToLower(e.Message), query) {
		return true
	}
	for k, v := range e.Attrs {
		if strings.Contains(strings.ToLower(k), query) || strings.Contains(strings.ToLower(v), query) {
			return true
		}
	}
	return false
}

type ring struct {
	mu      sync.RWMutex
	entries []LogEntry
	size    int
}

func (r *ring) add(e LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == r.size {
		copy(r.entries, r.entries[1:])
		r.entries = r.entries[:len(r.entries)-1]
	}
	r.entries = append(r.entries, e)
}

func (r *ring) recent(n int) []LogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || n > len(r.entries) {
		n = len(r.entries)
	}
	out := make([]LogEntry, n)
	copy(out, r.entries[len(r.entries)-n:])
	return out
}

// ringHandler records into a ring. Attributes bound with WithAttrs and
// groups are flattened into dotted keys.
type ringHandler struct {
	ring   *ring
	level  slog.Leveler
	attrs  []slog.Attr
	prefix string
}

func (h *ringHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *ringHandler) Handle(_ context.Context, rec slog.Record) error {
	attrs := make(map[string]string, len(h.attrs)+rec.NumAttrs())
	for _, a := range h.attrs {
		flatten(attrs, "", a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		flatten(attrs, h.prefix, a)
		return true
	})
	h.ring.add(LogEntry{
		Time:    rec.Time,
		Level:   rec.Level,
		Message: rec.Message,
		Attrs:   attrs,
	})
	return nil
}

func (h *ringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *ringHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func flatten(dst map[string]string, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, g := range a.Value.Group() {
			flatten(dst, p, g)
		}
		return
	}
	dst[prefix+a.Key] = a.Value.String()
}

// teeHandler sends each record to every enabled handler.
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, rec slog.Record) error {
	var first error
	for _, h := range t {
		if !h.Enabled(ctx, rec.Level) {
			continue
		}
		if err := h.Handle(ctx, rec.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}
