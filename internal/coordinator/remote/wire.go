// Package remote carries the coordinator protocol over gRPC, so documents
// can talk to a navigation coordinator in another process.
//
// The service navhist.v1.Coordinator has a single bidirectional streaming
// method, Connect. Each document opens one stream; because a stream is
// ordered, fire-and-forget and request/reply messages from one document
// reach the coordinator in the order they were sent. Frames are
// google.protobuf.Struct messages whose "op" field selects the operation.
package remote

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joeycumines/navhist/internal/coordinator"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "navhist.v1.Coordinator"

const connectMethod = "/" + ServiceName + "/Connect"

// frame operations
const (
	opHello    = "hello"
	opReady    = "ready"
	opTraverse = "traverse"
	opPush     = "push"
	opReplace  = "replace"
	opLength   = "length"
	opGet      = "get"
	opState    = "state"
	opRemove   = "remove"
	opSet      = "set"
	opActivate = "activate"
	opPrune    = "prune"
)

var errBadFrame = errors.New("remote: malformed frame")

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Connect",
		Handler:       connectHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "navhist/v1/coordinator.proto",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(*Server).connect(stream)
}

func newFrame(op string, fields map[string]*structpb.Value) *structpb.Struct {
	if fields == nil {
		fields = make(map[string]*structpb.Value, 1)
	}
	fields["op"] = structpb.NewStringValue(op)
	return &structpb.Struct{Fields: fields}
}

func frameOp(f *structpb.Struct) string {
	return f.GetFields()["op"].GetStringValue()
}

func str(f *structpb.Struct, key string) string {
	return f.GetFields()[key].GetStringValue()
}

func num(f *structpb.Struct, key string) float64 {
	return f.GetFields()[key].GetNumberValue()
}

func idValue(id coordinator.StateID) *structpb.Value {
	return structpb.NewStringValue(id.String())
}

func idsValue(ids []coordinator.StateID) *structpb.Value {
	values := make([]*structpb.Value, len(ids))
	for i, id := range ids {
		values[i] = idValue(id)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values})
}

func urlValue(u *url.URL) *structpb.Value {
	if u == nil {
		return structpb.NewStringValue("")
	}
	return structpb.NewStringValue(u.String())
}

func bytesValue(data []byte) *structpb.Value {
	return structpb.NewStringValue(base64.StdEncoding.EncodeToString(data))
}

func parseID(f *structpb.Struct, key string) (coordinator.StateID, error) {
	id, err := coordinator.ParseStateID(str(f, key))
	if err != nil {
		return coordinator.StateID{}, fmt.Errorf("%w: %w", errBadFrame, err)
	}
	return id, nil
}

func parseIDs(f *structpb.Struct, key string) ([]coordinator.StateID, error) {
	values := f.GetFields()[key].GetListValue().GetValues()
	ids := make([]coordinator.StateID, 0, len(values))
	for _, v := range values {
		id, err := coordinator.ParseStateID(v.GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errBadFrame, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseURL(f *structpb.Struct, key string) (*url.URL, error) {
	u, err := url.Parse(str(f, key))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errBadFrame, err)
	}
	return u, nil
}

func parseBytes(f *structpb.Struct, key string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(str(f, key))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errBadFrame, err)
	}
	return data, nil
}

// encodeMessage converts a fire-and-forget message into a frame. Request
// messages are encoded by the connection, which owns sequence numbers.
func encodeMessage(msg coordinator.Message) (*structpb.Struct, error) {
	switch m := msg.(type) {
	case coordinator.TraverseHistory:
		return newFrame(opTraverse, map[string]*structpb.Value{
			"back":  structpb.NewBoolValue(m.Direction.Back),
			"delta": structpb.NewNumberValue(float64(m.Direction.Delta)),
		}), nil
	case coordinator.PushHistoryState:
		return newFrame(opPush, map[string]*structpb.Value{"id": idValue(m.ID), "url": urlValue(m.URL)}), nil
	case coordinator.ReplaceHistoryState:
		return newFrame(opReplace, map[string]*structpb.Value{"id": idValue(m.ID), "url": urlValue(m.URL)}), nil
	case coordinator.SetHistoryState:
		return newFrame(opSet, map[string]*structpb.Value{"id": idValue(m.ID), "data": bytesValue(m.Data)}), nil
	case coordinator.RemoveHistoryStates:
		return newFrame(opRemove, map[string]*structpb.Value{"ids": idsValue(m.IDs)}), nil
	default:
		return nil, fmt.Errorf("remote: cannot encode %T", msg)
	}
}

// decodeMessage converts a client frame into a fire-and-forget message.
func decodeMessage(f *structpb.Struct) (coordinator.Message, error) {
	switch op := frameOp(f); op {
	case opTraverse:
		delta := num(f, "delta")
		if delta < 0 {
			return nil, fmt.Errorf("%w: negative delta", errBadFrame)
		}
		return coordinator.TraverseHistory{Direction: coordinator.Direction{
			Back:  f.GetFields()["back"].GetBoolValue(),
			Delta: uint(delta),
		}}, nil
	case opPush, opReplace:
		id, err := parseID(f, "id")
		if err != nil {
			return nil, err
		}
		u, err := parseURL(f, "url")
		if err != nil {
			return nil, err
		}
		if op == opPush {
			return coordinator.PushHistoryState{ID: id, URL: u}, nil
		}
		return coordinator.ReplaceHistoryState{ID: id, URL: u}, nil
	case opSet:
		id, err := parseID(f, "id")
		if err != nil {
			return nil, err
		}
		data, err := parseBytes(f, "data")
		if err != nil {
			return nil, err
		}
		return coordinator.SetHistoryState{ID: id, Data: data}, nil
	case opRemove:
		ids, err := parseIDs(f, "ids")
		if err != nil {
			return nil, err
		}
		return coordinator.RemoveHistoryStates{IDs: ids}, nil
	default:
		return nil, fmt.Errorf("%w: unexpected op %q", errBadFrame, op)
	}
}

func encodeNotification(n coordinator.Notification) (*structpb.Struct, error) {
	switch m := n.(type) {
	case coordinator.Activate:
		return newFrame(opActivate, map[string]*structpb.Value{"id": idValue(m.StateID), "url": urlValue(m.URL)}), nil
	case coordinator.PruneStates:
		return newFrame(opPrune, map[string]*structpb.Value{"ids": idsValue(m.IDs)}), nil
	default:
		return nil, fmt.Errorf("remote: cannot encode %T", n)
	}
}

func decodeNotification(f *structpb.Struct) (coordinator.Notification, error) {
	switch op := frameOp(f); op {
	case opActivate:
		id, err := parseID(f, "id")
		if err != nil {
			return nil, err
		}
		u, err := parseURL(f, "url")
		if err != nil {
			return nil, err
		}
		return coordinator.Activate{StateID: id, URL: u}, nil
	case opPrune:
		ids, err := parseIDs(f, "ids")
		if err != nil {
			return nil, err
		}
		return coordinator.PruneStates{IDs: ids}, nil
	default:
		return nil, fmt.Errorf("%w: unexpected op %q", errBadFrame, op)
	}
}
