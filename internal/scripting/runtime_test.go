package scripting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dop251/goja"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := NewRuntime(context.Background())
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestRuntime_RunOnLoopSync(t *testing.T) {
	rt := newTestRuntime(t)

	var got int64
	err := rt.RunOnLoopSync(func(vm *goja.Runtime) error {
		v, err := vm.RunString(`1 + 2`)
		if err != nil {
			return err
		}
		got = v.ToInteger()
		return nil
	})
	if err != nil {
		t.Fatalf("RunOnLoopSync: %v", err)
	}
	if got != 3 {
		t.Fatalf("got %d, want 3", got)
	}

	want := errors.New("boom")
	if err := rt.RunOnLoopSync(func(*goja.Runtime) error { return want }); !errors.Is(err, want) {
		t.Fatalf("error = %v, want %v", err, want)
	}
}

func TestRuntime_RunOnLoopSyncTimeout(t *testing.T) {
	rt := newTestRuntime(t)
	rt.SetTimeout(10 * time.Millisecond)

	err := rt.RunOnLoopSync(func(*goja.Runtime) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	})
	if err == nil {
		t.Fatal("expected timeout")
	}
}

func TestRuntime_Closed(t *testing.T) {
	rt := newTestRuntime(t)
	if err := rt.Close(); err != nil {
		t.Fatal(err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case <-rt.Done():
	default:
		t.Fatal("Done not closed")
	}
	if rt.RunOnLoop(func(*goja.Runtime) {}) {
		t.Fatal("RunOnLoop accepted work after Close")
	}
	if err := rt.RunOnLoopSync(func(*goja.Runtime) error { return nil }); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("error = %v, want ErrNotRunning", err)
	}
}

func TestRuntime_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rt, err := NewRuntime(ctx)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	cancel()

	select {
	case <-rt.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop after cancel")
	}
}

func TestRuntime_TryRunOnLoopSync(t *testing.T) {
	rt := newTestRuntime(t)

	if rt.OnLoop() {
		t.Fatal("test goroutine reported as loop goroutine")
	}

	// from the loop: runs inline against the same runtime
	err := rt.RunOnLoopSync(func(vm *goja.Runtime) error {
		if !rt.OnLoop() {
			return errors.New("loop goroutine not detected")
		}
		return rt.TryRunOnLoopSync(vm, func(inner *goja.Runtime) error {
			if inner != vm {
				return errors.New("different runtime")
			}
			return nil
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	// from elsewhere: scheduled
	ran := false
	if err := rt.TryRunOnLoopSync(nil, func(*goja.Runtime) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("function did not run")
	}
}

func TestRuntime_LoadScriptAndGlobals(t *testing.T) {
	rt := newTestRuntime(t)

	if err := rt.LoadScript("a.js", `var answer = 6 * 7`); err != nil {
		t.Fatal(err)
	}
	v, err := rt.GetGlobal("answer")
	if err != nil {
		t.Fatal(err)
	}
	if v != int64(42) {
		t.Fatalf("answer = %v (%T)", v, v)
	}
	if v, err := rt.GetGlobal("missing"); err != nil || v != nil {
		t.Fatalf("missing = %v, %v", v, err)
	}

	if err := rt.LoadScript("bad.js", `var = ;`); err == nil {
		t.Fatal("expected compile error")
	}
	if err := rt.LoadScript("throw.js", `throw new Error("x")`); err == nil {
		t.Fatal("expected runtime error")
	}
}

func TestRuntime_ConcurrentSubmitters(t *testing.T) {
	rt := newTestRuntime(t)
	if err := rt.LoadScript("init.js", `var counter = 0`); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = rt.RunOnLoopSync(func(vm *goja.Runtime) error {
				_, err := vm.RunString(`counter++`)
				return err
			})
		}()
	}
	wg.Wait()

	v, err := rt.GetGlobal("counter")
	if err != nil {
		t.Fatal(err)
	}
	if v != int64(20) {
		t.Fatalf("counter = %v", v)
	}
}
