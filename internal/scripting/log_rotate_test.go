package scripting

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// newSmallWriter returns a writer that rotates past limit bytes.
func newSmallWriter(t *testing.T, limit int64, backups int) (*RotatingFileWriter, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs", "navhist.log")
	w, err := NewRotatingFileWriter(path, 1, backups)
	if err != nil {
		t.Fatalf("NewRotatingFileWriter: %v", err)
	}
	w.maxBytes = limit
	t.Cleanup(func() { _ = w.Close() })
	return w, path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return string(b)
}

func TestRotatingFileWriter_Write(t *testing.T) {
	w, path := newSmallWriter(t, 1<<20, 3)
	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, path); got != "hello\n" {
		t.Fatalf("content = %q", got)
	}
}

func TestRotatingFileWriter_Rotates(t *testing.T) {
	w, path := newSmallWriter(t, 10, 2)
	for _, s := range []string{"aaaaaaaa\n", "bbbbbbbb\n", "cccccccc\n", "dddddddd\n"} {
		if _, err := w.Write([]byte(s)); err != nil {
			t.Fatal(err)
		}
	}
	if got := readFile(t, path); got != "dddddddd\n" {
		t.Fatalf("current = %q", got)
	}
	if got := readFile(t, path+".1"); got != "cccccccc\n" {
		t.Fatalf(".1 = %q", got)
	}
	if got := readFile(t, path+".2"); got != "bbbbbbbb\n" {
		t.Fatalf(".2 = %q", got)
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Fatalf(".3 exists: %v", err)
	}
}

func TestRotatingFileWriter_NoBackups(t *testing.T) {
	w, path := newSmallWriter(t, 10, 0)
	for _, s := range []string{"aaaaaaaa\n", "bbbbbbbb\n"} {
		if _, err := w.Write([]byte(s)); err != nil {
			t.Fatal(err)
		}
	}
	if got := readFile(t, path); got != "bbbbbbbb\n" {
		t.Fatalf("current = %q", got)
	}
	if _, err := os.Stat(path + ".1"); !os.IsNotExist(err) {
		t.Fatalf(".1 exists: %v", err)
	}
}

func TestRotatingFileWriter_OversizedWriteIsNotSplit(t *testing.T) {
	w, path := newSmallWriter(t, 4, 1)
	big := strings.Repeat("x", 20)
	if _, err := w.Write([]byte(big)); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, path); got != big {
		t.Fatalf("current = %q", got)
	}
}

func TestRotatingFileWriter_AppendsAndCloses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.log")
	if err := os.WriteFile(path, []byte("old\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	w, err := NewRotatingFileWriter(path, 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	if w.maxBytes != 1<<20 || w.backups != 0 {
		t.Fatalf("limits not clamped: %d %d", w.maxBytes, w.backups)
	}
	if w.size != 4 {
		t.Fatalf("size = %d", w.size)
	}
	if _, err := w.Write([]byte("new\n")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := w.Write([]byte("late")); err == nil {
		t.Fatal("write after close succeeded")
	}
	if got := readFile(t, path); got != "old\nnew\n" {
		t.Fatalf("content = %q", got)
	}
}

func TestRotatingFileWriter_ConcurrentWrites(t *testing.T) {
	w, path := newSmallWriter(t, 200, 50)
	line := strings.Repeat("z", 9) + "\n"

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				if _, err := w.Write([]byte(line)); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()

	total := len(readFile(t, path))
	matches, _ := filepath.Glob(path + ".*")
	for _, m := range matches {
		total += len(readFile(t, m))
	}
	if total != 100*len(line) {
		t.Fatalf("total bytes = %d, want %d", total, 100*len(line))
	}
}
