package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/joeycumines/navhist/internal/coordinator"

// Client sends one document's messages to the coordinator.
//
// Fire-and-forget operations never report delivery failures; they are logged
// at debug level and dropped. The synchronous operations block the calling
// goroutine until the coordinator replies, the transport closes, or ctx is
// done.
type Client struct {
	transport Transport
	pipeline  PipelineID
	logger    *slog.Logger
	tracer    trace.Tracer
	// done, when non-nil, aborts synchronous waits once closed.
	done <-chan struct{}
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger used for dropped messages.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDone aborts pending synchronous calls when done is closed, typically
// the lifecycle channel of the transport.
func WithDone(done <-chan struct{}) ClientOption {
	return func(c *Client) {
		c.done = done
	}
}

// NewClient binds a transport to a pipeline.
func NewClient(transport Transport, pipeline PipelineID, opts ...ClientOption) *Client {
	c := &Client{
		transport: transport,
		pipeline:  pipeline,
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pipeline returns the pipeline this client sends as.
func (c *Client) Pipeline() PipelineID {
	return c.pipeline
}

// Traverse requests a traversal of the joint session history.
func (c *Client) Traverse(direction Direction) {
	c.post(TraverseHistory{Direction: direction})
}

// Back is Traverse(Back(1)).
func (c *Client) Back() {
	c.Traverse(Back(1))
}

// Forward is Traverse(Forward(1)).
func (c *Client) Forward() {
	c.Traverse(Forward(1))
}

// PushState announces a new entry for the document.
func (c *Client) PushState(id StateID, u *url.URL) {
	c.post(PushHistoryState{ID: id, URL: u})
}

// ReplaceState announces a replacement of the document's current entry.
func (c *Client) ReplaceState(id StateID, u *url.URL) {
	c.post(ReplaceHistoryState{ID: id, URL: u})
}

// SetHistoryState stores a serialized payload.
func (c *Client) SetHistoryState(id StateID, data []byte) {
	c.post(SetHistoryState{ID: id, Data: data})
}

// RemoveStates discards stored payloads.
func (c *Client) RemoveStates(ids []StateID) {
	if len(ids) == 0 {
		return
	}
	c.post(RemoveHistoryStates{IDs: ids})
}

// JointSessionHistoryLength returns the number of entries in the joint
// session history.
func (c *Client) JointSessionHistoryLength(ctx context.Context) (n uint32, err error) {
	ctx, span := c.tracer.Start(ctx, "JointSessionHistoryLength",
		trace.WithAttributes(attribute.String("navhist.pipeline", string(c.pipeline))))
	defer func() { endSpan(span, err) }()

	reply := make(chan uint32, 1)
	if err := c.send(JointSessionHistoryLength{Reply: reply}); err != nil {
		return 0, err
	}
	select {
	case n = <-reply:
		return n, nil
	case <-c.done:
		return 0, fmt.Errorf("joint session history length: %w", ErrClosed)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// GetHistoryState fetches the payload stored under id. It returns false when
// nothing is stored.
func (c *Client) GetHistoryState(ctx context.Context, id StateID) (data []byte, found bool, err error) {
	ctx, span := c.tracer.Start(ctx, "GetHistoryState",
		trace.WithAttributes(
			attribute.String("navhist.pipeline", string(c.pipeline)),
			attribute.String("navhist.state_id", id.String()),
		))
	defer func() { endSpan(span, err) }()

	reply := make(chan HistoryStateReply, 1)
	if err := c.send(GetHistoryState{ID: id, Reply: reply}); err != nil {
		return nil, false, err
	}
	select {
	case r := <-reply:
		return r.Data, r.Found, nil
	case <-c.done:
		return nil, false, fmt.Errorf("get history state: %w", ErrClosed)
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (c *Client) send(msg Message) error {
	if c.transport == nil {
		return ErrClosed
	}
	return c.transport.Send(Envelope{Pipeline: c.pipeline, Message: msg})
}

func (c *Client) post(msg Message) {
	if err := c.send(msg); err != nil {
		c.logger.Debug("dropped coordinator message",
			slog.String("pipeline", string(c.pipeline)),
			slog.String("message", fmt.Sprintf("%T", msg)),
			slog.Any("error", err))
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
