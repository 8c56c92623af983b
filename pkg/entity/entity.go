// Package entity defines the identifiers of replicated entities and a
// generation-aware map keyed by them.
package entity

import (
	"fmt"
	"math"
)

// Namespace partitions the index space per client. The server assigns one
// to every client at instance handshake, so indices generated independently
// by different clients never collide.
type Namespace uint64

// Index is a per-namespace entity counter.
//
// The lower half of the value range belongs to locally spawned entities,
// the upper half to entities whose spawn was mirrored from the remote peer.
// This lets both sides allocate indices without coordinating.
type Index uint32

const remoteStart = Index(math.MaxUint32/2 + 1)

// DefaultLocal is the first index used for local spawns.
func DefaultLocal() Index { return 0 }

// DefaultRemote is the first index used for remote spawns.
func DefaultRemote() Index { return remoteStart }

// Origin tells which peer initiated the spawn of an entity.
type Origin uint8

const (
	Local Origin = iota
	Remote
)

func (o Origin) String() string {
	if o == Remote {
		return "remote"
	}
	return "local"
}

// SpawnedBy reports which half of the index space i belongs to.
func (i Index) SpawnedBy() Origin {
	if i >= remoteStart {
		return Remote
	}
	return Local
}

// Next returns the following index.
//
// It panics if the increment would leave the half of the address space
// that i belongs to.
func (i Index) Next() Index {
	if i == math.MaxUint32 || i+1 == remoteStart {
		panic(fmt.Sprintf("ran out of available entities (%s index %d)", i.SpawnedBy(), uint32(i)))
	}
	return i + 1
}

// Id addresses an entity across clients. It is the form used on the wire
// and by the server.
type Id struct {
	Namespace Namespace `json:"namespace" msgpack:"namespace"`
	Idx       Index     `json:"idx" msgpack:"idx"`
}

func (id Id) String() string {
	return fmt.Sprintf("%d/%d", uint64(id.Namespace), uint32(id.Idx))
}

// Generation distinguishes reused index slots from their predecessors.
type Generation uint32

// Entity is the client side handle of an entity. Handles to despawned
// entities keep their generation so they can be told apart from the slot's
// next occupant.
type Entity struct {
	Idx Index
	Gen Generation
}

func (e Entity) String() string {
	return fmt.Sprintf("%dv%d", uint32(e.Idx), uint32(e.Gen))
}
