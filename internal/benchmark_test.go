// Package internal_test holds cross-package benchmarks and performance
// regression checks for navhist.
package internal_test

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dop251/goja"

	"github.com/joeycumines/navhist/internal/codec"
	"github.com/joeycumines/navhist/internal/config"
	"github.com/joeycumines/navhist/internal/coordinator"
	"github.com/joeycumines/navhist/internal/scripting"
	"github.com/joeycumines/navhist/internal/statestore"
)

// Regression thresholds, in microseconds per operation.
const (
	thresholdCodecRoundTrip  = 500
	thresholdLengthRoundTrip = 2000
	thresholdPushState       = 5000
)

const benchState = `({page: 3, tags: ["a", "b"], when: new Date(0), seen: new Set([1, 2]), nested: {deep: {x: [1, {y: null}]}}})`

func BenchmarkCodec(b *testing.B) {
	vm := goja.New()
	c, err := codec.New(vm)
	if err != nil {
		b.Fatal(err)
	}
	v, err := vm.RunString(benchState)
	if err != nil {
		b.Fatal(err)
	}
	data, err := c.Write(v)
	if err != nil {
		b.Fatal(err)
	}

	b.Run("Write", func(b *testing.B) {
		b.ReportAllocs()
		for b.Loop() {
			if _, err := c.Write(v); err != nil {
				b.Fatal(err)
			}
		}
	})
	b.Run("Read", func(b *testing.B) {
		b.ReportAllocs()
		for b.Loop() {
			if _, err := c.Read(data); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func BenchmarkStateBackends(b *testing.B) {
	payload := []byte(strings.Repeat("s", 256))
	for _, name := range statestore.Names() {
		b.Run(name, func(b *testing.B) {
			path := b.TempDir()
			if name == "sqlite" {
				path = filepath.Join(path, "states.db")
			}
			backend, err := statestore.GetBackend(name, path)
			if err != nil {
				b.Fatal(err)
			}
			defer backend.Close()
			b.ReportAllocs()
			i := 0
			for b.Loop() {
				id := fmt.Sprintf("state-%d", i%64)
				if err := backend.Save(id, payload); err != nil {
					b.Fatal(err)
				}
				if _, err := backend.Load(id); err != nil {
					b.Fatal(err)
				}
				i++
			}
		})
	}
}

func BenchmarkConfigLoading(b *testing.B) {
	src := "state.backend sqlite\nlog.level debug\ncoordinator.queue-size 512\n\n[serve]\nlisten :7420\n"
	b.ReportAllocs()
	for b.Loop() {
		if _, err := config.LoadFromReader(strings.NewReader(src)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCoordinatorLength(b *testing.B) {
	client, stop := startCoordinator(b)
	defer stop()
	ctx := context.Background()
	b.ReportAllocs()
	for b.Loop() {
		if _, err := client.JointSessionHistoryLength(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEnginePushState(b *testing.B) {
	engine, err := scripting.NewEngine(context.Background(), "https://bench.example/")
	if err != nil {
		b.Fatal(err)
	}
	defer engine.Close()
	b.ReportAllocs()
	for b.Loop() {
		if err := engine.RunScript("push.js", `history.pushState(`+benchState+`, "", "#p")`); err != nil {
			b.Fatal(err)
		}
	}
	if err := engine.Settle(context.Background()); err != nil {
		b.Fatal(err)
	}
}

func startCoordinator(tb testing.TB) (*coordinator.Client, func()) {
	tb.Helper()
	coord := coordinator.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = coord.Run(ctx)
	}()
	pipeline := coordinator.NewPipelineID()
	u, _ := url.Parse("https://bench.example/")
	if err := coord.Register(pipeline, u, nil); err != nil {
		tb.Fatal(err)
	}
	return coordinator.NewClient(coord, pipeline), func() {
		cancel()
		<-done
	}
}

// TestPerformanceRegression fails when a hot path is far slower than
// expected. Thresholds are loose so slow CI machines pass.
func TestPerformanceRegression(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping performance regression checks in short mode")
	}

	check := func(name string, threshold int64, fn func(*testing.B)) {
		t.Run(name, func(t *testing.T) {
			r := testing.Benchmark(fn)
			if r.N == 0 {
				t.Fatalf("%s did not run", name)
			}
			perOp := time.Duration(r.NsPerOp()).Microseconds()
			t.Logf("%s: %dus/op (threshold %dus)", name, perOp, threshold)
			if perOp > threshold {
				t.Errorf("%s: %dus/op exceeds %dus", name, perOp, threshold)
			}
		})
	}

	check("CodecRoundTrip", thresholdCodecRoundTrip, func(b *testing.B) {
		vm := goja.New()
		c, err := codec.New(vm)
		if err != nil {
			b.Fatal(err)
		}
		v, err := vm.RunString(benchState)
		if err != nil {
			b.Fatal(err)
		}
		for b.Loop() {
			data, err := c.Write(v)
			if err != nil {
				b.Fatal(err)
			}
			if _, err := c.Read(data); err != nil {
				b.Fatal(err)
			}
		}
	})
	check("LengthRoundTrip", thresholdLengthRoundTrip, BenchmarkCoordinatorLength)
	check("PushState", thresholdPushState, BenchmarkEnginePushState)
}
