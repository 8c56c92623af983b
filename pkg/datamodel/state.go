package datamodel

import (
	"errors"
	"fmt"

	"github.com/QYUbit/replicate/pkg/entity"
)

var (
	ErrEntityNotPresent = errors.New("entity not present")
	// ErrStaleEntityId is returned for handles to a slot that has been
	// reused by a newer entity. It usually means the caller kept a handle
	// after the entity was despawned by the remote peer.
	ErrStaleEntityId = entity.ErrStaleEntityId
)

// EmptyStateError is returned by NewState when given an empty buffer. Buf
// is the rejected buffer, unchanged.
type EmptyStateError struct {
	Buf []byte
}

func (e *EmptyStateError) Error() string {
	return "entity state must not be empty"
}

// State is the serialized, uninterpreted data of an entity. It is never
// empty.
type State []byte

func NewState(b []byte) (State, error) {
	if len(b) == 0 {
		return nil, &EmptyStateError{Buf: b}
	}
	return State(b), nil
}

// MustState is like NewState but panics on an empty buffer.
func MustState(b []byte) State {
	s, err := NewState(b)
	if err != nil {
		panic(err)
	}
	return s
}

func (s State) Clone() State {
	if s == nil {
		return nil
	}
	return append(State(nil), s...)
}

// Priority is the network priority of an entity. Higher values are more
// urgent to include in the next packet.
type Priority uint8

// StateMutation tells how the latest state of a mutated entity is flushed.
type StateMutation uint8

const (
	// Unreliable mutations may be dropped and superseded by later ones.
	Unreliable StateMutation = iota
	// Reliable mutations are guaranteed to be observed by the remote peer,
	// either directly or through a later mutation.
	Reliable
)

func (m StateMutation) String() string {
	switch m {
	case Unreliable:
		return "unreliable"
	case Reliable:
		return "reliable"
	default:
		return fmt.Sprintf("StateMutation(%d)", uint8(m))
	}
}

// EntityData is the authoritative record kept for every entity.
type EntityData struct {
	State    State
	SendPrio Priority
	RecvPrio Priority
}

// Mutation is a flushed state mutation.
type Mutation struct {
	Kind  StateMutation
	State State
	// SendPrio is the send priority of the entity at flush time.
	SendPrio Priority
}
