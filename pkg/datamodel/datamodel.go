// Package datamodel tracks the state of all replicated entities of one
// instance connection and the changes made to them between network ticks.
//
// A DataModel is owned by a single goroutine and is not safe for concurrent
// use. It never blocks and performs no I/O. The network side exchanges
// LocalChanges and RemoteChanges with it through Flush.
package datamodel

import (
	"iter"

	"github.com/QYUbit/replicate/pkg/entity"
)

type DataModel struct {
	data    *entity.Map[EntityData]
	pending pendingLocalChanges

	localNamespace entity.Namespace
	// next unused index for local spawns, only ever increases
	localIdx entity.Index

	// next never used index for remote spawns
	remoteIdx entity.Index
	// freed remote slots, carrying the generation of their next occupant
	remoteFree []entity.Entity
	remoteIds  map[entity.Id]entity.Entity
	remoteOf   map[entity.Index]entity.Id
}

// New creates a DataModel whose local spawns belong to localNamespace.
func New(localNamespace entity.Namespace) *DataModel {
	return WithCapacity(localNamespace, 0)
}

func WithCapacity(localNamespace entity.Namespace, n int) *DataModel {
	return &DataModel{
		data:           entity.NewMapWithCapacity[EntityData](n),
		pending:        newPendingLocalChanges(),
		localNamespace: localNamespace,
		localIdx:       entity.DefaultLocal(),
		remoteIdx:      entity.DefaultRemote(),
		remoteIds:      make(map[entity.Id]entity.Entity),
		remoteOf:       make(map[entity.Index]entity.Id),
	}
}

func (dm *DataModel) LocalNamespace() entity.Namespace {
	return dm.localNamespace
}

func (dm *DataModel) Len() int {
	return dm.data.Len()
}

// Spawn creates a local entity with default priorities. The DataModel takes
// ownership of state.
//
// Spawn panics when the local half of the index space is exhausted.
func (dm *DataModel) Spawn(state State) entity.Entity {
	e := entity.Entity{Idx: dm.localIdx}
	next := dm.localIdx.Next()

	dm.data.Insert(e, EntityData{State: state})
	dm.pending.spawns[e] = state
	dm.localIdx = next
	return e
}

// Despawn removes e. Its state at this point is what the remote peer will
// observe as the final state.
func (dm *DataModel) Despawn(e entity.Entity) error {
	data, ok, err := dm.data.Remove(e)
	if err != nil {
		return err
	}
	if !ok {
		return ErrEntityNotPresent
	}

	dm.pending.despawns[e] = data.State
	delete(dm.pending.mutations, e)

	if id, remote := dm.remoteOf[e.Idx]; remote {
		dm.pending.origins[e] = id
		dm.releaseRemote(e, id)
	}
	return nil
}

// Update replaces the state of e. Only the latest state is sent on the next
// flush, unreliably unless a reliable update is already pending.
func (dm *DataModel) Update(e entity.Entity, state State) error {
	return dm.update(e, state, Unreliable)
}

// UpdateReliable replaces the state of e and guarantees that the remote
// peer observes the state present at the next flush.
func (dm *DataModel) UpdateReliable(e entity.Entity, state State) error {
	return dm.update(e, state, Reliable)
}

func (dm *DataModel) update(e entity.Entity, state State, kind StateMutation) error {
	ok, err := dm.data.Update(e, func(d *EntityData) { d.State = state })
	if err != nil {
		return err
	}
	if !ok {
		return ErrEntityNotPresent
	}

	// Reliable is sticky until flushed.
	if dm.pending.mutations[e] != Reliable {
		dm.pending.mutations[e] = kind
	}
	return nil
}

// Get returns the current state of e. The returned slice must not be
// modified.
func (dm *DataModel) Get(e entity.Entity) (State, error) {
	data, err := dm.lookup(e)
	if err != nil {
		return nil, err
	}
	return data.State, nil
}

// Priority returns the send and receive priorities of e.
func (dm *DataModel) Priority(e entity.Entity) (send, recv Priority, err error) {
	data, err := dm.lookup(e)
	if err != nil {
		return 0, 0, err
	}
	return data.SendPrio, data.RecvPrio, nil
}

func (dm *DataModel) SetPriority(e entity.Entity, send, recv Priority) error {
	ok, err := dm.data.Update(e, func(d *EntityData) {
		d.SendPrio = send
		d.RecvPrio = recv
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrEntityNotPresent
	}
	return nil
}

// Remote returns the local handle of an entity spawned by the remote peer.
func (dm *DataModel) Remote(id entity.Id) (entity.Entity, bool) {
	e, ok := dm.remoteIds[id]
	return e, ok
}

// WireId returns the id of e as known to the remote peer.
func (dm *DataModel) WireId(e entity.Entity) (entity.Id, bool) {
	if !dm.data.Contains(e) {
		return entity.Id{}, false
	}
	if id, ok := dm.remoteOf[e.Idx]; ok {
		return id, true
	}
	return entity.Id{Namespace: dm.localNamespace, Idx: e.Idx}, true
}

// All iterates over all present entities in unspecified order.
func (dm *DataModel) All() iter.Seq2[entity.Entity, EntityData] {
	return dm.data.All()
}

// Flush moves the pending local changes into local, reusing its maps, and
// then applies remote. remote may be nil.
//
// Calling Flush without intermediate changes yields empty LocalChanges.
func (dm *DataModel) Flush(remote *RemoteChanges, local *LocalChanges) {
	local.reset()
	local.Namespace = dm.localNamespace

	for e, s := range dm.pending.spawns {
		local.Spawns[e] = s.Clone()
	}
	for e, s := range dm.pending.despawns {
		local.Despawns[e] = s.Clone()
		if id, ok := dm.pending.origins[e]; ok {
			local.Origins[e] = id
		}
	}
	for e, kind := range dm.pending.mutations {
		data, ok, _ := dm.data.Get(e)
		if !ok {
			panic("datamodel: pending mutation for missing entity " + e.String())
		}
		local.Mutations[e] = Mutation{Kind: kind, State: data.State.Clone(), SendPrio: data.SendPrio}
		if id, ok := dm.remoteOf[e.Idx]; ok {
			local.Origins[e] = id
		}
	}
	clear(dm.pending.spawns)
	clear(dm.pending.despawns)
	clear(dm.pending.mutations)
	clear(dm.pending.origins)

	if remote != nil {
		dm.applyRemote(remote)
	}
}

func (dm *DataModel) applyRemote(remote *RemoteChanges) {
	for id, data := range remote.Spawns {
		if len(data.State) == 0 {
			continue
		}
		if e, ok := dm.resolve(id); ok {
			dm.data.Update(e, func(d *EntityData) { *d = data })
			continue
		}
		if id.Namespace == dm.localNamespace {
			// Our own entity, already despawned locally.
			continue
		}
		e := dm.allocRemote(id)
		dm.data.Insert(e, data)
	}

	for id, data := range remote.Updates {
		if len(data.State) == 0 {
			continue
		}
		e, ok := dm.resolve(id)
		if !ok {
			continue
		}
		// Priorities stay local.
		dm.data.Update(e, func(d *EntityData) { d.State = data.State })
	}

	for id := range remote.Despawns {
		e, ok := dm.resolve(id)
		if !ok {
			continue
		}
		dm.data.Remove(e)
		delete(dm.pending.mutations, e)
		if _, ok := dm.remoteOf[e.Idx]; ok {
			dm.releaseRemote(e, id)
		}
	}
}

// resolve maps a wire id to a present entity.
func (dm *DataModel) resolve(id entity.Id) (entity.Entity, bool) {
	if e, ok := dm.remoteIds[id]; ok {
		return e, true
	}
	if id.Namespace != dm.localNamespace || id.Idx.SpawnedBy() != entity.Local {
		return entity.Entity{}, false
	}
	e := entity.Entity{Idx: id.Idx}
	return e, dm.data.Contains(e)
}

func (dm *DataModel) allocRemote(id entity.Id) entity.Entity {
	var e entity.Entity
	if n := len(dm.remoteFree); n > 0 {
		e = dm.remoteFree[n-1]
		dm.remoteFree = dm.remoteFree[:n-1]
	} else {
		e = entity.Entity{Idx: dm.remoteIdx}
		dm.remoteIdx = dm.remoteIdx.Next()
	}
	dm.remoteIds[id] = e
	dm.remoteOf[e.Idx] = id
	return e
}

func (dm *DataModel) releaseRemote(e entity.Entity, id entity.Id) {
	delete(dm.remoteIds, id)
	delete(dm.remoteOf, e.Idx)
	dm.remoteFree = append(dm.remoteFree, entity.Entity{Idx: e.Idx, Gen: e.Gen + 1})
}

func (dm *DataModel) lookup(e entity.Entity) (EntityData, error) {
	data, ok, err := dm.data.Get(e)
	if err != nil {
		return EntityData{}, err
	}
	if !ok {
		return EntityData{}, ErrEntityNotPresent
	}
	return data, nil
}
