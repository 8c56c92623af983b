package datamodel

import (
	"github.com/QYUbit/replicate/pkg/entity"
)

// LocalChanges holds the local changes since the previous flush. It does
// not share any memory with the DataModel and may be handed to another
// goroutine.
type LocalChanges struct {
	// Namespace is the local namespace of the DataModel that produced the
	// changes.
	Namespace entity.Namespace
	// Spawns are always observed by the remote peer.
	Spawns map[entity.Entity]State
	// Despawns carry the state at despawn time and are always observed by
	// the remote peer.
	Despawns map[entity.Entity]State
	// Mutations carry the latest state only. Whether they are sent
	// reliably depends on Kind.
	Mutations map[entity.Entity]Mutation
	// Origins maps every remotely spawned entity referenced above to its
	// wire id.
	Origins map[entity.Entity]entity.Id
}

func NewLocalChanges() *LocalChanges {
	return &LocalChanges{
		Spawns:    make(map[entity.Entity]State),
		Despawns:  make(map[entity.Entity]State),
		Mutations: make(map[entity.Entity]Mutation),
		Origins:   make(map[entity.Entity]entity.Id),
	}
}

func (c *LocalChanges) IsEmpty() bool {
	return len(c.Spawns) == 0 && len(c.Despawns) == 0 && len(c.Mutations) == 0
}

// WireId returns the id under which e is known to the remote peer.
func (c *LocalChanges) WireId(e entity.Entity) entity.Id {
	if id, ok := c.Origins[e]; ok {
		return id
	}
	return entity.Id{Namespace: c.Namespace, Idx: e.Idx}
}

func (c *LocalChanges) reset() {
	if c.Spawns == nil {
		*c = *NewLocalChanges()
		return
	}
	clear(c.Spawns)
	clear(c.Despawns)
	clear(c.Mutations)
	clear(c.Origins)
}

// RemoteChanges collects changes received from the remote peer. They are
// built up by the network goroutine and applied all at once by
// DataModel.Flush, in the order spawns, updates, despawns.
type RemoteChanges struct {
	Spawns   map[entity.Id]EntityData
	Updates  map[entity.Id]EntityData
	Despawns map[entity.Id]State
}

func NewRemoteChanges() *RemoteChanges {
	return &RemoteChanges{
		Spawns:   make(map[entity.Id]EntityData),
		Updates:  make(map[entity.Id]EntityData),
		Despawns: make(map[entity.Id]State),
	}
}

func (c *RemoteChanges) Spawn(id entity.Id, data EntityData) {
	c.Spawns[id] = data
}

// Update records the latest state of id. A later call for the same id
// overwrites the earlier one.
func (c *RemoteChanges) Update(id entity.Id, state State) {
	data := c.Updates[id]
	data.State = state
	c.Updates[id] = data
}

func (c *RemoteChanges) Despawn(id entity.Id, state State) {
	c.Despawns[id] = state
}

func (c *RemoteChanges) IsEmpty() bool {
	return len(c.Spawns) == 0 && len(c.Updates) == 0 && len(c.Despawns) == 0
}

func (c *RemoteChanges) Reset() {
	clear(c.Spawns)
	clear(c.Updates)
	clear(c.Despawns)
}

// pendingLocalChanges is built up while the DataModel is mutated. Unlike
// LocalChanges, mutations only record their kind: the state is read from
// the store at flush time.
type pendingLocalChanges struct {
	spawns    map[entity.Entity]State
	despawns  map[entity.Entity]State
	mutations map[entity.Entity]StateMutation
	// wire ids of despawned remote entities, whose mapping is already gone
	origins map[entity.Entity]entity.Id
}

func newPendingLocalChanges() pendingLocalChanges {
	return pendingLocalChanges{
		spawns:    make(map[entity.Entity]State),
		despawns:  make(map[entity.Entity]State),
		mutations: make(map[entity.Entity]StateMutation),
		origins:   make(map[entity.Entity]entity.Id),
	}
}

func (p *pendingLocalChanges) isEmpty() bool {
	return len(p.spawns) == 0 && len(p.despawns) == 0 && len(p.mutations) == 0
}
