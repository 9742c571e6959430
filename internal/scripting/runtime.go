package scripting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"

	"github.com/joeycumines/navhist/internal/goroutineid"
)

// DefaultSyncTimeout bounds RunOnLoopSync.
const DefaultSyncTimeout = 5 * time.Second

var (
	// ErrNotRunning is returned when work is submitted to a stopped runtime.
	ErrNotRunning = errors.New("scripting: event loop not running")

	// ErrStopped is returned when the runtime stops before submitted work
	// completes.
	ErrStopped = errors.New("scripting: runtime stopped before completion")
)

// Runtime is the owning execution context of a window: one goja runtime
// driven by an event loop. goja.Runtime is not safe for concurrent use, so
// every access goes through RunOnLoop or one of its synchronous variants.
type Runtime struct {
	loop     *eventloop.EventLoop
	registry *require.Registry
	loopID   atomic.Int64

	mu      sync.RWMutex
	timeout time.Duration
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRuntime starts an event loop with console and require enabled. The
// runtime stops when ctx is done or Close is called.
func NewRuntime(ctx context.Context) (*Runtime, error) {
	registry := require.NewRegistry()
	loop := eventloop.NewEventLoop(
		eventloop.WithRegistry(registry),
		eventloop.EnableConsole(true),
	)
	life, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		loop:     loop,
		registry: registry,
		timeout:  DefaultSyncTimeout,
		ctx:      life,
		cancel:   cancel,
	}

	loop.Start()
	ready := make(chan struct{})
	if !loop.RunOnLoop(func(*goja.Runtime) {
		rt.loopID.Store(goroutineid.Get())
		close(ready)
	}) {
		cancel()
		return nil, ErrNotRunning
	}
	<-ready

	context.AfterFunc(ctx, func() { _ = rt.Close() })
	return rt, nil
}

// Registry returns the require registry.
func (rt *Runtime) Registry() *require.Registry {
	return rt.registry
}

// Done is closed once the runtime has stopped.
func (rt *Runtime) Done() <-chan struct{} {
	return rt.ctx.Done()
}

// Close stops the event loop, waiting for the running job. It is safe to
// call more than once.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	if rt.stopped {
		rt.mu.Unlock()
		return nil
	}
	rt.stopped = true
	rt.mu.Unlock()

	rt.cancel()
	rt.loop.Stop()
	return nil
}

// SetTimeout changes the RunOnLoopSync timeout. Zero waits forever.
func (rt *Runtime) SetTimeout(d time.Duration) {
	rt.mu.Lock()
	rt.timeout = d
	rt.mu.Unlock()
}

func (rt *Runtime) running() (time.Duration, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.timeout, !rt.stopped
}

// RunOnLoop schedules fn on the loop and reports whether it was accepted.
// The runtime passed to fn must not escape it.
func (rt *Runtime) RunOnLoop(fn func(*goja.Runtime)) bool {
	if _, ok := rt.running(); !ok {
		return false
	}
	return rt.loop.RunOnLoop(fn)
}

// RunOnLoopSync runs fn on the loop and waits for its result. It must not
// be called from the loop goroutine; use TryRunOnLoopSync there.
func (rt *Runtime) RunOnLoopSync(fn func(*goja.Runtime) error) error {
	timeout, ok := rt.running()
	if !ok {
		return ErrNotRunning
	}

	result := make(chan error, 1)
	if !rt.loop.RunOnLoop(func(vm *goja.Runtime) {
		result <- fn(vm)
	}) {
		return ErrNotRunning
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case err := <-result:
		return err
	case <-rt.Done():
		return ErrStopped
	case <-expired:
		return fmt.Errorf("scripting: operation timed out after %v", timeout)
	}
}

// OnLoop reports whether the caller is running on the loop goroutine.
func (rt *Runtime) OnLoop() bool {
	id := rt.loopID.Load()
	return id > 0 && id == goroutineid.Get()
}

// TryRunOnLoopSync is RunOnLoopSync, except that when called from the loop
// goroutine it runs fn directly against vm.
func (rt *Runtime) TryRunOnLoopSync(vm *goja.Runtime, fn func(*goja.Runtime) error) error {
	if _, ok := rt.running(); !ok {
		return ErrNotRunning
	}
	if vm != nil && rt.OnLoop() {
		return fn(vm)
	}
	return rt.RunOnLoopSync(fn)
}

// LoadScript compiles and runs code on the loop.
func (rt *Runtime) LoadScript(name, code string) error {
	return rt.RunOnLoopSync(func(vm *goja.Runtime) error {
		prg, err := goja.Compile(name, code, true)
		if err != nil {
			return fmt.Errorf("compile %s: %w", name, err)
		}
		if _, err := vm.RunProgram(prg); err != nil {
			return fmt.Errorf("run %s: %w", name, err)
		}
		return nil
	})
}

// GetGlobal exports a global variable, or returns nil if it is undefined or
// null.
func (rt *Runtime) GetGlobal(name string) (any, error) {
	var out any
	err := rt.RunOnLoopSync(func(vm *goja.Runtime) error {
		v := vm.Get(name)
		if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
			return nil
		}
		out = v.Export()
		return nil
	})
	return out, err
}
