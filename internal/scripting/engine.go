package scripting

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"google.golang.org/grpc"

	"github.com/joeycumines/navhist/internal/codec"
	"github.com/joeycumines/navhist/internal/coordinator"
	"github.com/joeycumines/navhist/internal/coordinator/remote"
	"github.com/joeycumines/navhist/internal/dom"
	"github.com/joeycumines/navhist/internal/history"
	"github.com/joeycumines/navhist/internal/statestore"
)

// Engine runs scripts against a single window. It owns the runtime the
// window lives on and the window's connection to a navigation coordinator,
// which is either in-process or reached over gRPC.
type Engine struct {
	rt       *Runtime
	logger   *Logger
	session  *dom.Session
	window   *dom.Window
	client   *coordinator.Client
	pipeline coordinator.PipelineID

	coord     *coordinator.Coordinator
	stopCoord context.CancelFunc
	conn      *remote.Conn

	// activations counts notifications posted to the loop
	activations atomic.Uint64
	closeOnce   sync.Once
}

// EngineOption configures an Engine.
type EngineOption func(*engineConfig)

type engineConfig struct {
	logger      *Logger
	coord       *coordinator.Coordinator
	address     string
	dialOpts    []grpc.DialOption
	queueSize   int
	backend     statestore.Backend
	syncTimeout time.Duration
	maxDepth    int
	reloader    func()
}

// WithEngineLogger sets the logger.
func WithEngineLogger(l *Logger) EngineOption {
	return func(c *engineConfig) { c.logger = l }
}

// WithCoordinator joins an existing in-process coordinator, which must
// already be running. The engine does not stop it.
func WithCoordinator(coord *coordinator.Coordinator) EngineOption {
	return func(c *engineConfig) { c.coord = coord }
}

// WithCoordinatorAddress connects to a remote coordinator. Without
// dial options, remote.DefaultDialOptions are used.
func WithCoordinatorAddress(address string, opts ...grpc.DialOption) EngineOption {
	return func(c *engineConfig) {
		c.address = address
		c.dialOpts = opts
	}
}

// WithQueueSize sets the inbox size of an engine-owned coordinator.
func WithQueueSize(n int) EngineOption {
	return func(c *engineConfig) { c.queueSize = n }
}

// WithStateBackend sets the payload store of an engine-owned coordinator.
// The engine does not close it.
func WithStateBackend(b statestore.Backend) EngineOption {
	return func(c *engineConfig) { c.backend = b }
}

// WithSyncTimeout bounds the blocking coordinator calls made by History.
func WithSyncTimeout(d time.Duration) EngineOption {
	return func(c *engineConfig) { c.syncTimeout = d }
}

// WithMaxDepth sets the codec nesting limit.
func WithMaxDepth(n int) EngineOption {
	return func(c *engineConfig) { c.maxDepth = n }
}

// WithReloader sets what location.reload and history.go(0) do.
func WithReloader(fn func()) EngineOption {
	return func(c *engineConfig) { c.reloader = fn }
}

// NewEngine opens a window at rawURL, which must be absolute, and connects
// it to a coordinator. Close releases everything the engine created.
func NewEngine(ctx context.Context, rawURL string, opts ...EngineOption) (*Engine, error) {
	cfg := engineConfig{maxDepth: codec.DefaultMaxDepth}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = NewLogger()
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("invalid url %q: not absolute", rawURL)
	}

	rt, err := NewRuntime(ctx)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		rt:       rt,
		logger:   cfg.logger,
		session:  dom.NewSession(),
		pipeline: coordinator.NewPipelineID(),
	}

	if err := e.connect(ctx, u, &cfg); err != nil {
		_ = rt.Close()
		return nil, err
	}

	err = rt.RunOnLoopSync(func(vm *goja.Runtime) error {
		return e.open(vm, u, &cfg)
	})
	if err != nil {
		_ = e.Close()
		return nil, err
	}

	e.logger.Debug("engine started", "url", u.String(), "pipeline", string(e.pipeline), "remote", e.conn != nil)
	return e, nil
}

func (e *Engine) connect(ctx context.Context, u *url.URL, cfg *engineConfig) error {
	sink := coordinator.SinkFunc(e.deliver)
	clientOpts := []coordinator.ClientOption{coordinator.WithLogger(e.logger.Logger)}

	if cfg.address != "" {
		dialOpts := cfg.dialOpts
		if len(dialOpts) == 0 {
			dialOpts = remote.DefaultDialOptions()
		}
		conn, err := remote.Dial(ctx, cfg.address, e.pipeline, u, sink, dialOpts...)
		if err != nil {
			return fmt.Errorf("connect to coordinator %s: %w", cfg.address, err)
		}
		e.conn = conn
		e.client = coordinator.NewClient(conn, e.pipeline, append(clientOpts, coordinator.WithDone(conn.Done()))...)
		return nil
	}

	coord := cfg.coord
	if coord == nil {
		coord = coordinator.New(
			coordinator.WithQueueSize(cfg.queueSize),
			coordinator.WithStateBackend(cfg.backend),
			coordinator.WithCoordinatorLogger(e.logger.Logger),
		)
		runCtx, cancel := context.WithCancel(context.Background())
		go func() { _ = coord.Run(runCtx) }()
		e.stopCoord = cancel
	}
	if err := coord.Register(e.pipeline, u, sink); err != nil {
		if e.stopCoord != nil {
			e.stopCoord()
		}
		return err
	}
	e.coord = coord
	e.client = coordinator.NewClient(coord, e.pipeline, append(clientOpts, coordinator.WithDone(coord.Done()))...)
	return nil
}

func (e *Engine) open(vm *goja.Runtime, u *url.URL, cfg *engineConfig) error {
	c, err := codec.New(vm, codec.WithMaxDepth(cfg.maxDepth))
	if err != nil {
		return err
	}
	reloader := cfg.reloader
	if reloader == nil {
		reloader = func() { e.logger.Info("reload requested") }
	}
	doc := dom.NewDocument(dom.NewBrowsingContext(nil), u,
		dom.WithReloader(reloader),
		dom.WithDocumentLogger(e.logger.Logger),
	)
	var historyOpts []history.Option
	if cfg.syncTimeout > 0 {
		historyOpts = append(historyOpts, history.WithSyncTimeout(cfg.syncTimeout))
	}
	w := e.session.OpenWindow(doc, dom.WindowConfig{
		VM:          vm,
		Navigator:   e.client,
		Codec:       c,
		Logger:      e.logger.Logger,
		HistoryOpts: historyOpts,
	})
	if err := w.Install(); err != nil {
		return err
	}
	if err := e.installLog(vm); err != nil {
		return err
	}
	e.window = w
	return nil
}

// deliver posts a coordinator notification onto the loop. It never blocks.
func (e *Engine) deliver(n coordinator.Notification) {
	if _, ok := n.(coordinator.Activate); ok {
		e.activations.Add(1)
	}
	ok := e.rt.RunOnLoop(func(*goja.Runtime) {
		w := e.window
		if w == nil {
			return
		}
		switch n := n.(type) {
		case coordinator.Activate:
			w.History().Activate(n.StateID, n.URL)
		case coordinator.PruneStates:
			w.History().RemoveStates(n.IDs)
		}
	})
	if !ok {
		e.logger.Debug("dropped coordinator notification", "type", fmt.Sprintf("%T", n))
	}
}

// Runtime returns the engine runtime.
func (e *Engine) Runtime() *Runtime {
	return e.rt
}

// Logger returns the engine logger.
func (e *Engine) Logger() *Logger {
	return e.logger
}

// Pipeline returns the id the window's document is registered under.
func (e *Engine) Pipeline() coordinator.PipelineID {
	return e.pipeline
}

// Window returns the window. It may only be used on the loop.
func (e *Engine) Window() *dom.Window {
	return e.window
}

// RunScript runs src on the loop.
func (e *Engine) RunScript(name, src string) error {
	return e.rt.LoadScript(name, src)
}

// Eval runs src on the loop and exports its completion value.
func (e *Engine) Eval(src string) (any, error) {
	var out any
	err := e.rt.RunOnLoopSync(func(vm *goja.Runtime) error {
		v, err := vm.RunString(src)
		if err != nil {
			return err
		}
		out = v.Export()
		return nil
	})
	return out, err
}

// URL returns the document URL.
func (e *Engine) URL() (*url.URL, error) {
	var u *url.URL
	err := e.rt.RunOnLoopSync(func(*goja.Runtime) error {
		u = e.window.Doc().URL()
		return nil
	})
	return u, err
}

// Settle waits until every traversal sent so far has been processed and
// its activation has run, including traversals started by the activation
// handlers themselves.
func (e *Engine) Settle(ctx context.Context) error {
	for {
		before := e.activations.Load()
		// the coordinator answers in order, so every activation caused by
		// an earlier message has been posted once the reply arrives
		if _, err := e.client.JointSessionHistoryLength(ctx); err != nil {
			return err
		}
		if err := e.rt.RunOnLoopSync(func(*goja.Runtime) error { return nil }); err != nil {
			return err
		}
		if e.activations.Load() == before {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Close closes the window, disconnects from the coordinator and stops the
// runtime.
func (e *Engine) Close() error {
	var errs []error
	e.closeOnce.Do(func() {
		if err := e.rt.RunOnLoopSync(func(*goja.Runtime) error {
			if e.window != nil {
				e.window.Close()
			}
			return nil
		}); err != nil && !errors.Is(err, ErrNotRunning) {
			errs = append(errs, err)
		}
		if e.conn != nil {
			errs = append(errs, e.conn.Close())
		}
		if e.coord != nil {
			e.coord.Unregister(e.pipeline)
		}
		if e.stopCoord != nil {
			e.stopCoord()
		}
		errs = append(errs, e.rt.Close())
	})
	return errors.Join(errs...)
}
