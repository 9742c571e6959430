// Package coordinator implements the message protocol spoken between a
// document's session history controller and the navigation coordinator that
// owns the joint session history, plus an in-process reference coordinator.
//
// All script-to-coordinator traffic is a stream of Envelope values sent over a
// Transport. Fire-and-forget messages carry no reply channel; the two
// request/reply messages (JointSessionHistoryLength and GetHistoryState) carry
// a buffered reply channel allocated per call. Coordinator-to-document traffic
// is a stream of Notification values delivered to a per-pipeline Sink.
package coordinator

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"
)

// ErrClosed is returned when a message cannot be delivered because the
// coordinator (or the transport to it) has shut down.
var ErrClosed = errors.New("coordinator: closed")

// StateID names one stored serialized state payload.
// The zero value means "no state".
type StateID uuid.UUID

// NewStateID allocates a fresh, unique state identifier.
func NewStateID() StateID {
	return StateID(uuid.New())
}

// ParseStateID parses the canonical string form of a StateID.
// The empty string parses as the zero StateID.
func ParseStateID(s string) (StateID, error) {
	if s == "" {
		return StateID{}, nil
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return StateID{}, fmt.Errorf("invalid state id %q: %w", s, err)
	}
	return StateID(u), nil
}

// Valid reports whether id names a state (is not the zero value).
func (id StateID) Valid() bool {
	return id != StateID{}
}

// String returns the canonical uuid form, or "" for the zero value.
func (id StateID) String() string {
	if !id.Valid() {
		return ""
	}
	return uuid.UUID(id).String()
}

// PipelineID names one document registered with the coordinator.
type PipelineID string

// NewPipelineID allocates a fresh pipeline identifier.
func NewPipelineID() PipelineID {
	return PipelineID(uuid.NewString())
}

// Direction is a traversal request: Delta entries backwards or forwards.
type Direction struct {
	Back  bool
	Delta uint
}

// Back returns a backwards traversal of n entries.
func Back(n uint) Direction { return Direction{Back: true, Delta: n} }

// Forward returns a forwards traversal of n entries.
func Forward(n uint) Direction { return Direction{Delta: n} }

// DirectionFromDelta converts a signed history delta. It returns false for a
// zero delta, which is not a traversal.
func DirectionFromDelta(delta int) (Direction, bool) {
	switch {
	case delta > 0:
		return Forward(uint(delta)), true
	case delta < 0:
		return Back(uint(-delta)), true
	default:
		return Direction{}, false
	}
}

// Offset returns the signed index offset of the traversal.
func (d Direction) Offset() int {
	if d.Back {
		return -int(d.Delta)
	}
	return int(d.Delta)
}

func (d Direction) String() string {
	if d.Back {
		return fmt.Sprintf("Back(%d)", d.Delta)
	}
	return fmt.Sprintf("Forward(%d)", d.Delta)
}

// Message is one script-to-coordinator message.
type Message interface {
	isMessage()
}

// TraverseHistory asks the coordinator to move the joint session history.
type TraverseHistory struct {
	Direction Direction
}

// PushHistoryState appends a new entry for the sending document.
type PushHistoryState struct {
	ID  StateID
	URL *url.URL
}

// ReplaceHistoryState overwrites the current entry of the sending document.
type ReplaceHistoryState struct {
	ID  StateID
	URL *url.URL
}

// JointSessionHistoryLength queries the number of entries across the whole
// session. The coordinator writes exactly one value to Reply.
type JointSessionHistoryLength struct {
	Reply chan<- uint32
}

// GetHistoryState fetches a stored serialized payload. The coordinator writes
// exactly one value to Reply.
type GetHistoryState struct {
	ID    StateID
	Reply chan<- HistoryStateReply
}

// HistoryStateReply answers GetHistoryState. Found is false when no payload
// is stored under the requested identifier.
type HistoryStateReply struct {
	Data  []byte
	Found bool
}

// RemoveHistoryStates discards stored payloads that are no longer needed.
type RemoveHistoryStates struct {
	IDs []StateID
}

// SetHistoryState stores a serialized payload under ID.
type SetHistoryState struct {
	ID   StateID
	Data []byte
}

func (TraverseHistory) isMessage()           {}
func (PushHistoryState) isMessage()          {}
func (ReplaceHistoryState) isMessage()       {}
func (JointSessionHistoryLength) isMessage() {}
func (GetHistoryState) isMessage()           {}
func (RemoveHistoryStates) isMessage()       {}
func (SetHistoryState) isMessage()           {}

// Envelope is a message tagged with the pipeline that sent it.
type Envelope struct {
	Pipeline PipelineID
	Message  Message
}

// Transport delivers envelopes to a coordinator. Implementations must deliver
// envelopes from a single transport in the order Send was called.
type Transport interface {
	Send(env Envelope) error
}

// Notification is one coordinator-to-document message.
type Notification interface {
	isNotification()
}

// Activate is the completion callback of a traversal: the receiving document
// must run its activation steps for the given state and URL.
type Activate struct {
	StateID StateID
	URL     *url.URL
}

// PruneStates tells the receiving document that the coordinator dropped the
// entries holding these state identifiers.
type PruneStates struct {
	IDs []StateID
}

func (Activate) isNotification()    {}
func (PruneStates) isNotification() {}

// Sink receives notifications for one pipeline. Deliver must not block on the
// document's execution context; the coordinator calls it from its own
// goroutine while processing messages.
type Sink interface {
	Deliver(n Notification)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(n Notification)

// Deliver implements Sink.
func (f SinkFunc) Deliver(n Notification) { f(n) }
