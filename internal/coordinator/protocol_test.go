package coordinator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDirectionFromDelta(t *testing.T) {
	tests := []struct {
		delta  int
		want   Direction
		wantOK bool
	}{
		{delta: 0, wantOK: false},
		{delta: 1, want: Forward(1), wantOK: true},
		{delta: 3, want: Forward(3), wantOK: true},
		{delta: -1, want: Back(1), wantOK: true},
		{delta: -7, want: Back(7), wantOK: true},
	}
	for _, tt := range tests {
		got, ok := DirectionFromDelta(tt.delta)
		assert.Equal(t, tt.wantOK, ok, "delta %d", tt.delta)
		assert.Equal(t, tt.want, got, "delta %d", tt.delta)
		if ok {
			assert.Equal(t, tt.delta, got.Offset())
		}
	}
	assert.Equal(t, "Back(2)", Back(2).String())
	assert.Equal(t, "Forward(1)", Forward(1).String())
}

func TestStateID(t *testing.T) {
	var zero StateID
	assert.False(t, zero.Valid())
	assert.Equal(t, "", zero.String())

	id := NewStateID()
	assert.True(t, id.Valid())
	assert.NotEqual(t, id, NewStateID())

	parsed, err := ParseStateID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	parsed, err = ParseStateID("")
	require.NoError(t, err)
	assert.False(t, parsed.Valid())

	_, err = ParseStateID("not-a-uuid")
	assert.Error(t, err)
}

type recordingTransport struct {
	sent []Envelope
	err  error
}

func (r *recordingTransport) Send(env Envelope) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, env)
	return nil
}

func TestClient_FireAndForgetMessages(t *testing.T) {
	tr := &recordingTransport{}
	client := NewClient(tr, "doc")
	u := mustURL(t, "https://a/y")
	id := NewStateID()

	client.Back()
	client.Forward()
	client.Traverse(Back(4))
	client.PushState(id, u)
	client.ReplaceState(id, u)
	client.SetHistoryState(id, []byte("x"))
	client.RemoveStates(nil) // empty batches are not sent
	client.RemoveStates([]StateID{id})

	require.Len(t, tr.sent, 7)
	for _, env := range tr.sent {
		assert.Equal(t, PipelineID("doc"), env.Pipeline)
	}
	assert.Equal(t, TraverseHistory{Direction: Back(1)}, tr.sent[0].Message)
	assert.Equal(t, TraverseHistory{Direction: Forward(1)}, tr.sent[1].Message)
	assert.Equal(t, TraverseHistory{Direction: Back(4)}, tr.sent[2].Message)
	assert.Equal(t, PushHistoryState{ID: id, URL: u}, tr.sent[3].Message)
	assert.Equal(t, ReplaceHistoryState{ID: id, URL: u}, tr.sent[4].Message)
	assert.Equal(t, SetHistoryState{ID: id, Data: []byte("x")}, tr.sent[5].Message)
	assert.Equal(t, RemoveHistoryStates{IDs: []StateID{id}}, tr.sent[6].Message)
}

func TestClient_SyncCallPropagatesSendError(t *testing.T) {
	sendErr := errors.New("boom")
	client := NewClient(&recordingTransport{err: sendErr}, "doc")

	_, err := client.JointSessionHistoryLength(context.Background())
	assert.ErrorIs(t, err, sendErr)

	_, _, err = client.GetHistoryState(context.Background(), NewStateID())
	assert.ErrorIs(t, err, sendErr)
}

func TestClient_SyncCallHonoursContext(t *testing.T) {
	// the transport accepts but never answers
	client := NewClient(&recordingTransport{}, "doc")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.JointSessionHistoryLength(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_SyncCallsAreTraced(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	c := startCoordinator(t)
	p := NewPipelineID()
	require.NoError(t, c.Register(p, mustURL(t, "https://a/"), nil))
	client := NewClient(c, p)
	client.tracer = tp.Tracer(tracerName)

	_, err := client.JointSessionHistoryLength(context.Background())
	require.NoError(t, err)
	_, _, err = client.GetHistoryState(context.Background(), NewStateID())
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "JointSessionHistoryLength", spans[0].Name())
	assert.Equal(t, "GetHistoryState", spans[1].Name())
}
