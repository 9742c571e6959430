package coordinator

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/navhist/internal/statestore"
)

// recordingSink collects notifications delivered to one pipeline.
type recordingSink struct {
	mu    sync.Mutex
	items []Notification
	ch    chan Notification
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan Notification, 64)}
}

func (s *recordingSink) Deliver(n Notification) {
	s.mu.Lock()
	s.items = append(s.items, n)
	s.mu.Unlock()
	s.ch <- n
}

func (s *recordingSink) next(t *testing.T) Notification {
	t.Helper()
	select {
	case n := <-s.ch:
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
		return nil
	}
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func startCoordinator(t *testing.T, opts ...Option) *Coordinator {
	t.Helper()
	c := New(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errCh
	})
	return c
}

func TestCoordinator_PushIncreasesLengthReplaceDoesNot(t *testing.T) {
	c := startCoordinator(t)
	p := NewPipelineID()
	require.NoError(t, c.Register(p, mustURL(t, "https://a/"), nil))
	client := NewClient(c, p)
	ctx := context.Background()

	n, err := client.JointSessionHistoryLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), n)

	client.PushState(NewStateID(), mustURL(t, "https://a/1"))
	n, err = client.JointSessionHistoryLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), n)

	client.ReplaceState(NewStateID(), mustURL(t, "https://a/1b"))
	n, err = client.JointSessionHistoryLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), n)

	entries, current := c.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, 1, current)
	assert.Equal(t, "https://a/1b", entries[1].URL.String())
}

func TestCoordinator_TraverseDeliversActivation(t *testing.T) {
	c := startCoordinator(t)
	sink := newRecordingSink()
	p := NewPipelineID()
	require.NoError(t, c.Register(p, mustURL(t, "https://a/"), sink))
	client := NewClient(c, p)

	id := NewStateID()
	client.PushState(id, mustURL(t, "https://a/y"))
	client.Back()

	n := sink.next(t)
	act, ok := n.(Activate)
	require.True(t, ok, "expected Activate, got %T", n)
	assert.False(t, act.StateID.Valid(), "initial entry has no state")
	assert.Equal(t, "https://a/", act.URL.String())

	client.Forward()
	act = sink.next(t).(Activate)
	assert.Equal(t, id, act.StateID)
	assert.Equal(t, "https://a/y", act.URL.String())
}

func TestCoordinator_OutOfRangeTraversalIgnored(t *testing.T) {
	c := startCoordinator(t)
	sink := newRecordingSink()
	p := NewPipelineID()
	require.NoError(t, c.Register(p, mustURL(t, "https://a/"), sink))
	client := NewClient(c, p)

	client.Traverse(Back(3))
	client.Traverse(Forward(1))
	// a round trip guarantees both traversals were processed
	_, err := client.JointSessionHistoryLength(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sink.count())
}

func TestCoordinator_PushAfterBackPrunesForwardStates(t *testing.T) {
	backend := statestore.NewMemoryBackend()
	c := startCoordinator(t, WithStateBackend(backend))
	sink := newRecordingSink()
	p := NewPipelineID()
	require.NoError(t, c.Register(p, mustURL(t, "https://a/"), sink))
	client := NewClient(c, p)

	s1, s2 := NewStateID(), NewStateID()
	client.PushState(s1, mustURL(t, "https://a/1"))
	client.PushState(s2, mustURL(t, "https://a/2"))
	client.Traverse(Back(2))
	_ = sink.next(t) // activation of the initial entry

	s3 := NewStateID()
	client.PushState(s3, mustURL(t, "https://a/3"))

	pruned, ok := sink.next(t).(PruneStates)
	require.True(t, ok)
	assert.Equal(t, []StateID{s1, s2}, pruned.IDs)

	n, err := client.JointSessionHistoryLength(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(2), n)
}

func TestCoordinator_StateStorage(t *testing.T) {
	backend := statestore.NewMemoryBackend()
	c := startCoordinator(t, WithStateBackend(backend))
	p := NewPipelineID()
	require.NoError(t, c.Register(p, mustURL(t, "https://a/"), nil))
	client := NewClient(c, p)
	ctx := context.Background()

	id := NewStateID()
	_, found, err := client.GetHistoryState(ctx, id)
	require.NoError(t, err)
	assert.False(t, found)

	client.SetHistoryState(id, []byte("payload"))
	data, found, err := client.GetHistoryState(ctx, id)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("payload"), data)

	client.RemoveStates([]StateID{id})
	_, found, err = client.GetHistoryState(ctx, id)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 0, backend.Len())
}

func TestCoordinator_RegisterValidation(t *testing.T) {
	c := New()
	p := NewPipelineID()
	assert.Error(t, c.Register("", mustURL(t, "https://a/"), nil))
	assert.Error(t, c.Register(p, nil, nil))
	require.NoError(t, c.Register(p, mustURL(t, "https://a/"), nil))
	assert.Error(t, c.Register(p, mustURL(t, "https://a/"), nil))
}

func TestCoordinator_ClosedRejectsSends(t *testing.T) {
	c := New()
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	err := c.Send(Envelope{Pipeline: "p", Message: TraverseHistory{Direction: Back(1)}})
	assert.ErrorIs(t, err, ErrClosed)

	client := NewClient(c, "p", WithDone(c.Done()))
	_, err = client.JointSessionHistoryLength(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	// fire-and-forget sends are dropped silently
	client.Back()
	client.SetHistoryState(NewStateID(), []byte("x"))
}

func TestCoordinator_UnregisteredTargetGetsNoActivation(t *testing.T) {
	c := startCoordinator(t)
	sinkA := newRecordingSink()
	a, b := NewPipelineID(), NewPipelineID()
	require.NoError(t, c.Register(a, mustURL(t, "https://a/"), sinkA))
	require.NoError(t, c.Register(b, mustURL(t, "https://b/"), nil))
	c.Unregister(a)

	client := NewClient(c, b)
	client.Back()
	_, err := client.JointSessionHistoryLength(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sinkA.count())

	_, current := c.Entries()
	assert.Equal(t, 0, current)
}
