package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/joeycumines/navhist/internal/statestore"
)

// DefaultQueueSize is the default capacity of the coordinator inbox.
const DefaultQueueSize = 256

// Entry is one joint session history entry.
type Entry struct {
	Pipeline PipelineID
	URL      *url.URL
	StateID  StateID
}

// Coordinator is an in-process reference navigation coordinator. It keeps a
// flat joint session history and processes every message on a single
// goroutine, in arrival order.
//
// It implements Transport, so documents in the same process can send to it
// directly.
type Coordinator struct {
	inbox  chan Envelope
	done   chan struct{}
	closed sync.Once
	states statestore.Backend
	logger *slog.Logger

	// guarded by mu; written only by the Run goroutine and Register/Unregister
	mu      sync.Mutex
	sinks   map[PipelineID]Sink
	entries []Entry
	current int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithQueueSize sets the inbox capacity.
func WithQueueSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.inbox = make(chan Envelope, n)
		}
	}
}

// WithStateBackend sets where serialized payloads are stored.
func WithStateBackend(b statestore.Backend) Option {
	return func(c *Coordinator) {
		if b != nil {
			c.states = b
		}
	}
}

// WithCoordinatorLogger sets the coordinator logger.
func WithCoordinatorLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a coordinator. Call Run to start processing.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		inbox:   make(chan Envelope, DefaultQueueSize),
		done:    make(chan struct{}),
		states:  statestore.NewMemoryBackend(),
		logger:  slog.Default(),
		sinks:   make(map[PipelineID]Sink),
		current: -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Done is closed once the coordinator has stopped.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Close stops the coordinator. Pending and later sends fail with ErrClosed.
// It does not close the state backend.
func (c *Coordinator) Close() error {
	c.closed.Do(func() { close(c.done) })
	return nil
}

// Send enqueues an envelope. It blocks only while the inbox is full.
func (c *Coordinator) Send(env Envelope) error {
	if env.Message == nil {
		return errors.New("coordinator: nil message")
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.inbox <- env:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Run processes messages until ctx is done or Close is called.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case env := <-c.inbox:
			c.handle(env)
		}
	}
}

// Register adds a document to the session: its sink receives notifications
// and its initial URL becomes a new entry after the current one.
func (c *Coordinator) Register(pipeline PipelineID, u *url.URL, sink Sink) error {
	if pipeline == "" {
		return errors.New("coordinator: empty pipeline id")
	}
	if u == nil {
		return errors.New("coordinator: nil url")
	}
	c.mu.Lock()
	if _, exists := c.sinks[pipeline]; exists {
		c.mu.Unlock()
		return fmt.Errorf("coordinator: pipeline %s already registered", pipeline)
	}
	if sink == nil {
		sink = SinkFunc(func(Notification) {})
	}
	c.sinks[pipeline] = sink
	pruned := c.appendLocked(Entry{Pipeline: pipeline, URL: cloneURL(u)})
	c.mu.Unlock()

	c.prune(pruned)
	c.logger.Debug("pipeline registered", slog.String("pipeline", string(pipeline)), slog.String("url", u.String()))
	return nil
}

// Unregister removes a document's sink. Its entries stay in the history.
func (c *Coordinator) Unregister(pipeline PipelineID) {
	c.mu.Lock()
	delete(c.sinks, pipeline)
	c.mu.Unlock()
}

// Entries returns a snapshot of the joint session history and the index of
// the current entry.
func (c *Coordinator) Entries() ([]Entry, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	for i, e := range c.entries {
		out[i] = Entry{Pipeline: e.Pipeline, URL: cloneURL(e.URL), StateID: e.StateID}
	}
	return out, c.current
}

func (c *Coordinator) handle(env Envelope) {
	switch m := env.Message.(type) {
	case TraverseHistory:
		c.traverse(m.Direction)

	case PushHistoryState:
		c.mu.Lock()
		pruned := c.appendLocked(Entry{Pipeline: env.Pipeline, URL: cloneURL(m.URL), StateID: m.ID})
		c.mu.Unlock()
		c.prune(pruned)

	case ReplaceHistoryState:
		c.mu.Lock()
		if c.current >= 0 {
			c.entries[c.current] = Entry{Pipeline: env.Pipeline, URL: cloneURL(m.URL), StateID: m.ID}
		} else {
			c.appendLocked(Entry{Pipeline: env.Pipeline, URL: cloneURL(m.URL), StateID: m.ID})
		}
		c.mu.Unlock()

	case JointSessionHistoryLength:
		c.mu.Lock()
		n := uint32(len(c.entries))
		c.mu.Unlock()
		reply(c, m.Reply, n)

	case GetHistoryState:
		data, err := c.states.Load(m.ID.String())
		if err != nil {
			c.logger.Warn("failed to load history state", slog.String("state_id", m.ID.String()), slog.Any("error", err))
		}
		reply(c, m.Reply, HistoryStateReply{Data: data, Found: err == nil && data != nil})

	case SetHistoryState:
		if err := c.states.Save(m.ID.String(), m.Data); err != nil {
			c.logger.Warn("failed to store history state", slog.String("state_id", m.ID.String()), slog.Any("error", err))
		}

	case RemoveHistoryStates:
		ids := make([]string, len(m.IDs))
		for i, id := range m.IDs {
			ids[i] = id.String()
		}
		if err := c.states.Delete(ids...); err != nil {
			c.logger.Warn("failed to remove history states", slog.Any("error", err))
		}

	default:
		c.logger.Warn("unknown coordinator message", slog.String("type", fmt.Sprintf("%T", m)))
	}
}

func (c *Coordinator) traverse(d Direction) {
	c.mu.Lock()
	target := c.current + d.Offset()
	if d.Delta == 0 || target < 0 || target >= len(c.entries) {
		c.mu.Unlock()
		c.logger.Debug("ignored out of range traversal", slog.String("direction", d.String()))
		return
	}
	c.current = target
	entry := c.entries[target]
	sink := c.sinks[entry.Pipeline]
	c.mu.Unlock()

	if sink == nil {
		c.logger.Debug("traversal target has no live pipeline", slog.String("pipeline", string(entry.Pipeline)))
		return
	}
	sink.Deliver(Activate{StateID: entry.StateID, URL: cloneURL(entry.URL)})
}

// appendLocked drops the entries after the current one and appends e,
// returning the dropped entries. c.mu must be held.
func (c *Coordinator) appendLocked(e Entry) []Entry {
	var dropped []Entry
	if c.current+1 < len(c.entries) {
		dropped = append(dropped, c.entries[c.current+1:]...)
		c.entries = c.entries[:c.current+1]
	}
	c.entries = append(c.entries, e)
	c.current = len(c.entries) - 1
	return dropped
}

// prune notifies the owners of dropped entries so they release the states.
func (c *Coordinator) prune(dropped []Entry) {
	byPipeline := make(map[PipelineID][]StateID)
	var order []PipelineID
	for _, e := range dropped {
		if !e.StateID.Valid() {
			continue
		}
		if _, ok := byPipeline[e.Pipeline]; !ok {
			order = append(order, e.Pipeline)
		}
		byPipeline[e.Pipeline] = append(byPipeline[e.Pipeline], e.StateID)
	}
	for _, p := range order {
		c.mu.Lock()
		sink := c.sinks[p]
		c.mu.Unlock()
		if sink != nil {
			sink.Deliver(PruneStates{IDs: byPipeline[p]})
		}
	}
}

// reply never blocks the coordinator; reply channels are buffered by the
// sender and read at most once.
func reply[T any](c *Coordinator, ch chan<- T, v T) {
	select {
	case ch <- v:
	default:
		c.logger.Warn("dropped coordinator reply", slog.String("type", fmt.Sprintf("%T", v)))
	}
}

func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	clone := *u
	if u.User != nil {
		user := *u.User
		clone.User = &user
	}
	return &clone
}

var _ Transport = (*Coordinator)(nil)
