package dom

import (
	"log/slog"
	"sync"

	"github.com/dop251/goja"

	"github.com/joeycumines/navhist/internal/codec"
	"github.com/joeycumines/navhist/internal/history"
)

// Session is the set of open windows. It resolves the handles History uses
// to reach its window.
type Session struct {
	mu      sync.RWMutex
	next    history.WindowID
	windows map[history.WindowID]*Window
}

// NewSession creates an empty session.
func NewSession() *Session {
	return &Session{windows: make(map[history.WindowID]*Window)}
}

// Window implements history.Windows.
func (s *Session) Window(id history.WindowID) (history.Window, bool) {
	w, ok := s.Lookup(id)
	if !ok {
		return nil, false
	}
	return w, true
}

// Lookup returns the open window with the given id.
func (s *Session) Lookup(id history.WindowID) (*Window, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[id]
	return w, ok
}

// Len returns the number of open windows.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.windows)
}

func (s *Session) add(w *Window) history.WindowID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.windows[s.next] = w
	return s.next
}

func (s *Session) remove(id history.WindowID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, id)
}

// Window owns a document, its History and the window's event listeners.
type Window struct {
	id       history.WindowID
	session  *Session
	vm       *goja.Runtime
	document *Document
	history  *history.History
	events   *EventTarget
	logger   *slog.Logger
}

// WindowConfig holds what a window needs beyond its document.
type WindowConfig struct {
	VM          *goja.Runtime
	Navigator   history.Navigator
	Codec       codec.Codec
	Logger      *slog.Logger
	HistoryOpts []history.Option
}

// OpenWindow creates a window for doc and adds it to the session.
func (s *Session) OpenWindow(doc *Document, cfg WindowConfig) *Window {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &Window{
		session:  s,
		vm:       cfg.VM,
		document: doc,
		logger:   logger,
	}
	w.events = NewEventTarget(cfg.VM, cfg.VM.GlobalObject(), logger)
	w.id = s.add(w)
	opts := append([]history.Option{history.WithLogger(logger)}, cfg.HistoryOpts...)
	w.history = history.New(w.id, s, cfg.Navigator, cfg.Codec, opts...)
	return w
}

// ID returns the window handle.
func (w *Window) ID() history.WindowID {
	return w.id
}

// Document implements history.Window.
func (w *Window) Document() history.Document {
	return w.document
}

// Doc returns the window's document.
func (w *Window) Doc() *Document {
	return w.document
}

// History returns the window's session history controller.
func (w *Window) History() *history.History {
	return w.history
}

// Events returns the window's event target.
func (w *Window) Events() *EventTarget {
	return w.events
}

// Close removes the window from its session. Later activations for it are
// ignored and its History reports the document as not fully active.
func (w *Window) Close() {
	w.session.remove(w.id)
}

// DispatchPopState fires a popstate event carrying state.
func (w *Window) DispatchPopState(state goja.Value) {
	event := w.vm.NewObject()
	_ = event.Set("type", "popstate")
	_ = event.Set("state", state)
	w.dispatch("popstate", event)
}

// DispatchHashChange fires a hashchange event carrying both URLs.
func (w *Window) DispatchHashChange(oldURL, newURL string) {
	event := w.vm.NewObject()
	_ = event.Set("type", "hashchange")
	_ = event.Set("oldURL", oldURL)
	_ = event.Set("newURL", newURL)
	w.dispatch("hashchange", event)
}

func (w *Window) dispatch(typ string, event *goja.Object) {
	_ = event.Set("target", w.vm.GlobalObject())
	w.logger.Debug("dispatch event", "type", typ, "window", w.id)
	w.events.Dispatch(typ, event)
}

var _ history.Window = (*Window)(nil)
