package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joeycumines/navhist/internal/coordinator"
)

// Conn is one document's stream to a remote coordinator. It implements
// coordinator.Transport.
type Conn struct {
	cc     *grpc.ClientConn // owned, nil when opened on a caller's connection
	stream grpc.ClientStream
	cancel context.CancelFunc
	sink   coordinator.Sink
	logger *slog.Logger

	sendMu sync.Mutex

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]func(*structpb.Struct)

	done      chan struct{}
	closeOnce sync.Once
}

// DefaultDialOptions are the options Dial uses before any caller options.
func DefaultDialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
}

// Dial connects to the coordinator at target and registers the document as
// pipeline, initially at u. Notifications for the document are delivered
// to sink from the connection's receive goroutine.
func Dial(ctx context.Context, target string, pipeline coordinator.PipelineID, u *url.URL, sink coordinator.Sink, opts ...grpc.DialOption) (*Conn, error) {
	cc, err := grpc.NewClient(target, append(DefaultDialOptions(), opts...)...)
	if err != nil {
		return nil, fmt.Errorf("dial coordinator %s: %w", target, err)
	}
	c, err := Open(ctx, cc, pipeline, u, sink)
	if err != nil {
		_ = cc.Close()
		return nil, err
	}
	c.cc = cc
	return c, nil
}

// Open starts a stream on an existing connection. It returns once the
// coordinator has registered the document. The stream lives until Close is
// called, ctx is done, or the coordinator goes away.
func Open(ctx context.Context, cc grpc.ClientConnInterface, pipeline coordinator.PipelineID, u *url.URL, sink coordinator.Sink) (*Conn, error) {
	if sink == nil {
		sink = coordinator.SinkFunc(func(coordinator.Notification) {})
	}
	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := cc.NewStream(streamCtx, &serviceDesc.Streams[0], connectMethod)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open coordinator stream: %w", err)
	}

	hello := newFrame(opHello, map[string]*structpb.Value{
		"pipeline": structpb.NewStringValue(string(pipeline)),
		"url":      urlValue(u),
	})
	if err := stream.SendMsg(hello); err != nil {
		cancel()
		return nil, fmt.Errorf("register with coordinator: %w", err)
	}
	ready := new(structpb.Struct)
	if err := stream.RecvMsg(ready); err != nil {
		cancel()
		return nil, fmt.Errorf("register with coordinator: %w", err)
	}
	if op := frameOp(ready); op != opReady {
		cancel()
		return nil, fmt.Errorf("register with coordinator: %w: got %q", errBadFrame, op)
	}

	c := &Conn{
		stream:  stream,
		cancel:  cancel,
		sink:    sink,
		logger:  slog.Default(),
		pending: make(map[uint64]func(*structpb.Struct)),
		done:    make(chan struct{}),
	}
	go c.receive()
	return c, nil
}

// Done is closed once the stream has ended.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close ends the stream and, if Dial created it, the connection.
func (c *Conn) Close() error {
	c.shutdown()
	c.sendMu.Lock()
	_ = c.stream.CloseSend()
	c.sendMu.Unlock()
	if c.cc != nil {
		return c.cc.Close()
	}
	return nil
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.done)
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
	})
}

// Send implements coordinator.Transport.
func (c *Conn) Send(env coordinator.Envelope) error {
	var (
		f   *structpb.Struct
		seq uint64
		err error
	)
	switch m := env.Message.(type) {
	case coordinator.JointSessionHistoryLength:
		seq, err = c.expect(func(r *structpb.Struct) {
			deliver(m.Reply, uint32(num(r, "n")))
		})
		f = newFrame(opLength, nil)
	case coordinator.GetHistoryState:
		seq, err = c.expect(func(r *structpb.Struct) {
			data, derr := parseBytes(r, "data")
			found := r.GetFields()["found"].GetBoolValue() && derr == nil
			deliver(m.Reply, coordinator.HistoryStateReply{Data: data, Found: found})
		})
		f = newFrame(opGet, map[string]*structpb.Value{"id": idValue(m.ID)})
	default:
		f, err = encodeMessage(env.Message)
	}
	if err != nil {
		return err
	}
	if seq != 0 {
		f.Fields["seq"] = structpb.NewNumberValue(float64(seq))
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	select {
	case <-c.done:
		c.forget(seq)
		return coordinator.ErrClosed
	default:
	}
	if err := c.stream.SendMsg(f); err != nil {
		c.forget(seq)
		c.shutdown()
		return fmt.Errorf("%w: %w", coordinator.ErrClosed, err)
	}
	return nil
}

// expect registers a reply handler and returns its sequence number.
func (c *Conn) expect(handle func(*structpb.Struct)) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return 0, coordinator.ErrClosed
	}
	c.seq++
	c.pending[c.seq] = handle
	return c.seq, nil
}

func (c *Conn) forget(seq uint64) {
	if seq == 0 {
		return
	}
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

func (c *Conn) receive() {
	defer c.shutdown()
	for {
		f := new(structpb.Struct)
		if err := c.stream.RecvMsg(f); err != nil {
			c.logger.Debug("coordinator stream ended", "error", err)
			return
		}
		switch frameOp(f) {
		case opLength, opState:
			seq := uint64(num(f, "seq"))
			c.mu.Lock()
			handle := c.pending[seq]
			delete(c.pending, seq)
			c.mu.Unlock()
			if handle == nil {
				c.logger.Warn("unexpected coordinator reply", "seq", seq)
				continue
			}
			handle(f)
		default:
			n, err := decodeNotification(f)
			if err != nil {
				c.logger.Warn("dropped coordinator frame", "error", err)
				continue
			}
			c.sink.Deliver(n)
		}
	}
}

func deliver[T any](ch chan<- T, v T) {
	select {
	case ch <- v:
	default:
	}
}

var _ coordinator.Transport = (*Conn)(nil)
