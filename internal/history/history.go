// Package history implements the session history controller of a single
// document: the state store behind window.history, the push and replace
// protocol spoken to the navigation coordinator, the URL rewrite rules, and
// the activation steps run when the coordinator completes a traversal.
//
// A History is confined to the execution context that owns its window. It
// performs no locking of its own.
package history

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"github.com/dop251/goja"

	"github.com/joeycumines/navhist/internal/codec"
	"github.com/joeycumines/navhist/internal/coordinator"
)

// WindowID is a handle to the window that owns a History.
type WindowID uint64

// Document is the part of a document the controller drives.
type Document interface {
	IsFullyActive() bool
	URL() *url.URL
	SetURL(u *url.URL)
	CheckAndScrollFragment(fragment string)
	Reload()
}

// Window is the owner of a History, as seen by it.
type Window interface {
	Document() Document
	DispatchPopState(state goja.Value)
	DispatchHashChange(oldURL, newURL string)
}

// Windows resolves window handles. A window that has been closed is no
// longer found.
type Windows interface {
	Window(id WindowID) (Window, bool)
}

// Navigator is the coordinator client used by a History.
// *coordinator.Client implements it.
type Navigator interface {
	Traverse(direction coordinator.Direction)
	PushState(id coordinator.StateID, u *url.URL)
	ReplaceState(id coordinator.StateID, u *url.URL)
	SetHistoryState(id coordinator.StateID, data []byte)
	RemoveStates(ids []coordinator.StateID)
	JointSessionHistoryLength(ctx context.Context) (uint32, error)
	GetHistoryState(ctx context.Context, id coordinator.StateID) ([]byte, bool, error)
}

// History is the per-document session history controller.
type History struct {
	window      WindowID
	windows     Windows
	navigator   Navigator
	codec       codec.Codec
	logger      *slog.Logger
	syncTimeout time.Duration

	stateID coordinator.StateID
	state   slot
}

// Option configures a History.
type Option func(*History)

// WithLogger sets the logger used for restore failures.
func WithLogger(logger *slog.Logger) Option {
	return func(h *History) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithSyncTimeout bounds the synchronous coordinator round trips. Zero, the
// default, waits until the coordinator answers or goes away.
func WithSyncTimeout(d time.Duration) Option {
	return func(h *History) {
		h.syncTimeout = d
	}
}

// New creates the History of the window identified by window.
func New(window WindowID, windows Windows, navigator Navigator, c codec.Codec, opts ...Option) *History {
	h := &History{
		window:    window,
		windows:   windows,
		navigator: navigator,
		codec:     c,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// slot holds the materialized state value. The zero slot reads as null.
type slot struct {
	v goja.Value
}

func (s *slot) get() goja.Value {
	if s.v == nil {
		return goja.Null()
	}
	return s.v
}

func (s *slot) set(v goja.Value) {
	s.v = v
}

// StateID returns the identifier of the current state, or the zero value if
// no state was ever pushed, replaced or restored.
func (h *History) StateID() coordinator.StateID {
	return h.stateID
}

// activeDocument returns the window and document if the document is fully
// active.
func (h *History) activeDocument() (Window, Document, error) {
	w, ok := h.windows.Window(h.window)
	if !ok {
		return nil, nil, securityError("the window has been closed", nil)
	}
	doc := w.Document()
	if doc == nil || !doc.IsFullyActive() {
		return nil, nil, securityError("the document is not fully active", nil)
	}
	return w, doc, nil
}

func (h *History) syncContext() (context.Context, context.CancelFunc) {
	if h.syncTimeout > 0 {
		return context.WithTimeout(context.Background(), h.syncTimeout)
	}
	return context.WithCancel(context.Background())
}

// State returns the current state value.
func (h *History) State() (goja.Value, error) {
	if _, _, err := h.activeDocument(); err != nil {
		return nil, err
	}
	return h.state.get(), nil
}

// Length returns the number of entries in the joint session history. It
// blocks until the coordinator answers.
func (h *History) Length() (uint32, error) {
	if _, _, err := h.activeDocument(); err != nil {
		return 0, err
	}
	ctx, cancel := h.syncContext()
	defer cancel()
	return h.navigator.JointSessionHistoryLength(ctx)
}

// Go traverses the joint session history by delta entries. Go(0) reloads
// the document instead.
func (h *History) Go(delta int) error {
	_, doc, err := h.activeDocument()
	if err != nil {
		return err
	}
	direction, ok := coordinator.DirectionFromDelta(delta)
	if !ok {
		doc.Reload()
		return nil
	}
	h.navigator.Traverse(direction)
	return nil
}

// Back is Go(-1).
func (h *History) Back() error {
	if _, _, err := h.activeDocument(); err != nil {
		return err
	}
	h.navigator.Traverse(coordinator.Back(1))
	return nil
}

// Forward is Go(1).
func (h *History) Forward() error {
	if _, _, err := h.activeDocument(); err != nil {
		return err
	}
	h.navigator.Traverse(coordinator.Forward(1))
	return nil
}

// PushState adds a session history entry holding data. The title is
// accepted and ignored. A nil target keeps the document URL.
func (h *History) PushState(data goja.Value, title string, target *string) error {
	return h.pushOrReplace(data, target, true)
}

// ReplaceState overwrites the current entry's state and URL. The title is
// accepted and ignored. A nil target keeps the document URL.
func (h *History) ReplaceState(data goja.Value, title string, target *string) error {
	return h.pushOrReplace(data, target, false)
}

func (h *History) pushOrReplace(data goja.Value, target *string, push bool) error {
	_, doc, err := h.activeDocument()
	if err != nil {
		return err
	}

	serialized, err := h.codec.Write(data)
	if err != nil {
		return serializeError(err)
	}

	current := doc.URL()
	newURL := current
	if target != nil {
		resolved, err := resolve(current, *target)
		if err != nil {
			return securityError("cannot resolve "+*target, err)
		}
		if !CanRewrite(current, resolved) {
			return securityError("cannot rewrite "+current.String()+" to "+resolved.String(), nil)
		}
		newURL = resolved
	}

	if push || !h.stateID.Valid() {
		h.stateID = coordinator.NewStateID()
	}
	if push {
		h.navigator.PushState(h.stateID, newURL)
	} else {
		h.navigator.ReplaceState(h.stateID, newURL)
	}
	h.navigator.SetHistoryState(h.stateID, serialized)

	doc.SetURL(newURL)

	h.state.set(h.restore(serialized))
	return nil
}

// restore reads a payload, falling back to null when it cannot be read.
func (h *History) restore(data []byte) goja.Value {
	v, err := h.codec.Read(data)
	if err != nil {
		h.logger.Warn("failed to deserialize history state", "window", h.window, "state_id", h.stateID.String(), "error", err)
		return goja.Null()
	}
	return v
}

// RemoveStates tells the coordinator the given states are no longer needed.
func (h *History) RemoveStates(ids []coordinator.StateID) {
	h.navigator.RemoveStates(ids)
}

// Activate runs the activation steps for a completed traversal to the entry
// with the given state and URL. It is a no-op once the window is closed.
func (h *History) Activate(stateID coordinator.StateID, u *url.URL) {
	w, ok := h.windows.Window(h.window)
	if !ok {
		h.logger.Debug("ignored activation for closed window", "window", h.window)
		return
	}
	doc := w.Document()
	if doc == nil || u == nil {
		return
	}

	oldURL := doc.URL()
	doc.SetURL(u)

	// url.URL does not keep an empty fragment, so "x#" compares equal to "x"
	hashChanged := oldURL.Fragment != u.Fragment
	if u.Fragment != "" {
		doc.CheckAndScrollFragment(u.Fragment)
	}

	stateChanged := stateID != h.stateID
	h.stateID = stateID

	if stateID.Valid() {
		h.state.set(h.fetch(stateID))
	} else {
		h.state.set(goja.Null())
	}

	if stateChanged {
		w.DispatchPopState(h.state.get())
	}
	if hashChanged {
		w.DispatchHashChange(oldURL.String(), u.String())
	}
}

// fetch retrieves and reads a stored payload, falling back to null.
func (h *History) fetch(id coordinator.StateID) goja.Value {
	ctx, cancel := h.syncContext()
	defer cancel()
	data, found, err := h.navigator.GetHistoryState(ctx, id)
	switch {
	case err != nil:
		h.logger.Warn("failed to fetch history state", "window", h.window, "state_id", id.String(), "error", err)
		return goja.Null()
	case !found:
		h.logger.Warn("history state not found", "window", h.window, "state_id", id.String())
		return goja.Null()
	}
	return h.restore(data)
}
