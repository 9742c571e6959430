// Package dom provides the minimal browsing context, document and window
// model the session history controller runs against, and binds window,
// history and location into a goja runtime.
//
// Everything here belongs to a single execution context: the goroutine that
// owns the runtime. Only Session is safe for concurrent use.
package dom

import (
	"log/slog"
	"net/url"
)

// BrowsingContext holds a sequence of documents, one of them active. A
// nested context has a parent.
type BrowsingContext struct {
	parent *BrowsingContext
	active *Document
}

// NewBrowsingContext creates a browsing context. parent is nil for a
// top-level context.
func NewBrowsingContext(parent *BrowsingContext) *BrowsingContext {
	return &BrowsingContext{parent: parent}
}

// Parent returns the parent context, or nil.
func (bc *BrowsingContext) Parent() *BrowsingContext {
	return bc.parent
}

// ActiveDocument returns the current document of the context, or nil.
func (bc *BrowsingContext) ActiveDocument() *Document {
	return bc.active
}

// SetActiveDocument makes d the current document of the context.
func (bc *BrowsingContext) SetActiveDocument(d *Document) {
	bc.active = d
}

// Document is a loaded document: a URL inside a browsing context.
type Document struct {
	context      *BrowsingContext
	url          *url.URL
	scrollTarget string
	reloader     func()
	reloads      int
	logger       *slog.Logger
}

// DocumentOption configures a Document.
type DocumentOption func(*Document)

// WithReloader sets the function run by Reload.
func WithReloader(fn func()) DocumentOption {
	return func(d *Document) {
		d.reloader = fn
	}
}

// WithDocumentLogger sets the document logger.
func WithDocumentLogger(logger *slog.Logger) DocumentOption {
	return func(d *Document) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDocument creates a document at u and makes it the active document of
// bc.
func NewDocument(bc *BrowsingContext, u *url.URL, opts ...DocumentOption) *Document {
	d := &Document{
		context: bc,
		url:     u,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if bc != nil {
		bc.SetActiveDocument(d)
	}
	return d
}

// BrowsingContext returns the context the document belongs to.
func (d *Document) BrowsingContext() *BrowsingContext {
	return d.context
}

// IsFullyActive reports whether d is the active document of its browsing
// context and every ancestor context's active document is fully active.
func (d *Document) IsFullyActive() bool {
	if d.context == nil || d.context.active != d {
		return false
	}
	parent := d.context.parent
	if parent == nil {
		return true
	}
	return parent.active != nil && parent.active.IsFullyActive()
}

// URL returns the document URL.
func (d *Document) URL() *url.URL {
	return d.url
}

// SetURL changes the document URL without navigating.
func (d *Document) SetURL(u *url.URL) {
	d.url = u
}

// CheckAndScrollFragment scrolls to the element named by fragment. There is
// no layout, so it records the target.
func (d *Document) CheckAndScrollFragment(fragment string) {
	d.scrollTarget = fragment
	d.logger.Debug("scroll to fragment", "fragment", fragment)
}

// ScrollTarget returns the fragment last scrolled to.
func (d *Document) ScrollTarget() string {
	return d.scrollTarget
}

// Reload runs the document's reload operation.
func (d *Document) Reload() {
	d.reloads++
	d.logger.Debug("reload", "url", d.url.String())
	if d.reloader != nil {
		d.reloader()
	}
}

// Reloads returns how many times Reload ran.
func (d *Document) Reloads() int {
	return d.reloads
}
