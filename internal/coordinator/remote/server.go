package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joeycumines/navhist/internal/coordinator"
)

// outboxSize bounds the frames queued for one stream.
const outboxSize = 64

var errSlowConsumer = errors.New("remote: notification queue full")

// Server exposes a coordinator over gRPC.
type Server struct {
	coord  *coordinator.Coordinator
	grpc   *grpc.Server
	health *health.Server
	logger *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	logger *slog.Logger
	opts   []grpc.ServerOption
}

// WithServerLogger sets the server logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(c *serverConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithGRPCServerOptions appends options passed to grpc.NewServer.
func WithGRPCServerOptions(opts ...grpc.ServerOption) ServerOption {
	return func(c *serverConfig) {
		c.opts = append(c.opts, opts...)
	}
}

// NewServer creates a gRPC server for coord, with the health service
// registered and reporting SERVING.
func NewServer(coord *coordinator.Coordinator, opts ...ServerOption) *Server {
	cfg := serverConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	grpcOpts := append([]grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}, cfg.opts...)

	s := &Server{
		coord:  coord,
		grpc:   grpc.NewServer(grpcOpts...),
		health: health.NewServer(),
		logger: cfg.logger,
	}
	s.grpc.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve accepts connections on lis until ctx is done, then stops
// gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.logger.Info("coordinator listening", "addr", lis.Addr().String())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpc.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		err := <-serveErr
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}
}

// Stop closes every stream and listener immediately.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.Stop()
}

// connect serves one document's stream.
func (s *Server) connect(stream grpc.ServerStream) error {
	ctx, cancel := context.WithCancelCause(stream.Context())
	defer cancel(nil)

	hello := new(structpb.Struct)
	if err := stream.RecvMsg(hello); err != nil {
		return err
	}
	if frameOp(hello) != opHello {
		return status.Errorf(codes.InvalidArgument, "expected hello, got %q", frameOp(hello))
	}
	pipeline := coordinator.PipelineID(str(hello, "pipeline"))
	u, err := parseURL(hello, "url")
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	outbox := make(chan *structpb.Struct, outboxSize)
	// replies are queued from their own goroutines and may wait for room
	enqueue := func(f *structpb.Struct) {
		select {
		case outbox <- f:
		case <-ctx.Done():
		}
	}
	// the coordinator goroutine must never wait on one stream: a document
	// that falls outboxSize frames behind is disconnected
	sink := coordinator.SinkFunc(func(n coordinator.Notification) {
		f, err := encodeNotification(n)
		if err != nil {
			s.logger.Warn("dropped notification", "pipeline", pipeline, "error", err)
			return
		}
		select {
		case outbox <- f:
		case <-ctx.Done():
		default:
			s.logger.Warn("document not reading notifications, disconnecting", "pipeline", pipeline)
			cancel(errSlowConsumer)
		}
	})
	if err := s.coord.Register(pipeline, u, sink); err != nil {
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	defer s.coord.Unregister(pipeline)
	s.logger.Debug("document connected", "pipeline", pipeline, "url", u.String())

	sendErr := make(chan error, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-outbox:
				if err := stream.SendMsg(f); err != nil {
					sendErr <- err
					return
				}
			}
		}
	}()
	enqueue(newFrame(opReady, nil))

	recvErr := make(chan error, 1)
	go func() {
		for {
			f := new(structpb.Struct)
			if err := stream.RecvMsg(f); err != nil {
				if errors.Is(err, io.EOF) {
					err = nil
				}
				recvErr <- err
				return
			}
			if err := s.dispatch(pipeline, f, enqueue); err != nil {
				if _, ok := status.FromError(err); !ok {
					err = status.Error(codes.InvalidArgument, err.Error())
				}
				recvErr <- err
				return
			}
		}
	}()

	select {
	case err := <-recvErr:
		return err
	case err := <-sendErr:
		return err
	case <-ctx.Done():
		if errors.Is(context.Cause(ctx), errSlowConsumer) {
			return status.Error(codes.ResourceExhausted, errSlowConsumer.Error())
		}
		return ctx.Err()
	}
}

// dispatch forwards one client frame to the coordinator. Replies to
// requests are queued on the stream from their own goroutine, so the
// receive loop never waits on the coordinator.
func (s *Server) dispatch(pipeline coordinator.PipelineID, f *structpb.Struct, enqueue func(*structpb.Struct)) error {
	var msg coordinator.Message
	switch frameOp(f) {
	case opLength:
		seq, err := frameSeq(f)
		if err != nil {
			return err
		}
		reply := make(chan uint32, 1)
		msg = coordinator.JointSessionHistoryLength{Reply: reply}
		go func() {
			select {
			case n := <-reply:
				enqueue(newFrame(opLength, map[string]*structpb.Value{"seq": seq, "n": structpb.NewNumberValue(float64(n))}))
			case <-s.coord.Done():
			}
		}()

	case opGet:
		seq, err := frameSeq(f)
		if err != nil {
			return err
		}
		id, err := parseID(f, "id")
		if err != nil {
			return err
		}
		reply := make(chan coordinator.HistoryStateReply, 1)
		msg = coordinator.GetHistoryState{ID: id, Reply: reply}
		go func() {
			select {
			case r := <-reply:
				enqueue(newFrame(opState, map[string]*structpb.Value{
					"seq":   seq,
					"found": structpb.NewBoolValue(r.Found),
					"data":  bytesValue(r.Data),
				}))
			case <-s.coord.Done():
			}
		}()

	default:
		var err error
		if msg, err = decodeMessage(f); err != nil {
			return err
		}
	}

	if err := s.coord.Send(coordinator.Envelope{Pipeline: pipeline, Message: msg}); err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	return nil
}

func frameSeq(f *structpb.Struct) (*structpb.Value, error) {
	seq, ok := f.GetFields()["seq"]
	if !ok {
		return nil, fmt.Errorf("%w: missing seq", errBadFrame)
	}
	return seq, nil
}
