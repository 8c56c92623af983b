package datamodel

import (
	"testing"

	"github.com/QYUbit/replicate/pkg/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var otherId = entity.Id{Namespace: 42, Idx: 5}

func TestRemoteSpawnUpdateDespawn(t *testing.T) {
	dm := New(testNamespace)
	local := NewLocalChanges()

	remote := NewRemoteChanges()
	remote.Spawn(otherId, EntityData{State: bytesOf(1), SendPrio: 2, RecvPrio: 4})
	dm.Flush(remote, local)
	assert.True(t, local.IsEmpty())

	e, ok := dm.Remote(otherId)
	require.True(t, ok)
	assert.Equal(t, entity.Remote, e.Idx.SpawnedBy())
	assert.Equal(t, entity.DefaultRemote(), e.Idx)

	got, err := dm.Get(e)
	require.NoError(t, err)
	assert.Equal(t, bytesOf(1), got)
	send, recv, err := dm.Priority(e)
	require.NoError(t, err)
	assert.Equal(t, Priority(2), send)
	assert.Equal(t, Priority(4), recv)

	id, ok := dm.WireId(e)
	require.True(t, ok)
	assert.Equal(t, otherId, id)

	// Remote updates replace the state but keep priorities and are not
	// echoed back.
	remote.Reset()
	remote.Update(otherId, bytesOf(2))
	dm.Flush(remote, local)
	assert.True(t, local.IsEmpty())
	got, _ = dm.Get(e)
	assert.Equal(t, bytesOf(2), got)
	send, _, _ = dm.Priority(e)
	assert.Equal(t, Priority(2), send)

	remote.Reset()
	remote.Despawn(otherId, bytesOf(2))
	dm.Flush(remote, local)
	_, err = dm.Get(e)
	assert.ErrorIs(t, err, ErrEntityNotPresent)
	_, ok = dm.Remote(otherId)
	assert.False(t, ok)
}

func TestRemoteChangesAppliedInOrder(t *testing.T) {
	dm := New(testNamespace)

	// Spawned, updated and despawned within the same window.
	gone := entity.Id{Namespace: 42, Idx: 6}
	remote := NewRemoteChanges()
	remote.Spawn(otherId, EntityData{State: bytesOf(1)})
	remote.Update(otherId, bytesOf(2))
	remote.Spawn(gone, EntityData{State: bytesOf(1)})
	remote.Update(gone, bytesOf(3))
	remote.Despawn(gone, bytesOf(3))

	dm.Flush(remote, NewLocalChanges())

	e, ok := dm.Remote(otherId)
	require.True(t, ok)
	got, err := dm.Get(e)
	require.NoError(t, err)
	assert.Equal(t, bytesOf(2), got)

	_, ok = dm.Remote(gone)
	assert.False(t, ok)
	assert.Equal(t, 1, dm.Len())
}

func TestRemoteSlotReuseMakesHandlesStale(t *testing.T) {
	dm := New(testNamespace)
	remote := NewRemoteChanges()

	remote.Spawn(otherId, EntityData{State: bytesOf(1)})
	dm.Flush(remote, NewLocalChanges())
	old, _ := dm.Remote(otherId)

	remote.Reset()
	remote.Despawn(otherId, bytesOf(1))
	dm.Flush(remote, NewLocalChanges())

	_, err := dm.Get(old)
	assert.ErrorIs(t, err, ErrEntityNotPresent)

	next := entity.Id{Namespace: 43, Idx: 0}
	remote.Reset()
	remote.Spawn(next, EntityData{State: bytesOf(2)})
	dm.Flush(remote, NewLocalChanges())

	e, ok := dm.Remote(next)
	require.True(t, ok)
	assert.Equal(t, old.Idx, e.Idx)
	assert.Equal(t, old.Gen+1, e.Gen)

	_, err = dm.Get(old)
	assert.ErrorIs(t, err, ErrStaleEntityId)
	assert.ErrorIs(t, dm.Update(old, bytesOf(3)), ErrStaleEntityId)
	assert.ErrorIs(t, dm.Despawn(old), ErrStaleEntityId)

	got, err := dm.Get(e)
	require.NoError(t, err)
	assert.Equal(t, bytesOf(2), got)
}

func TestRemoteDespawnDropsPendingMutation(t *testing.T) {
	dm := New(testNamespace)
	remote := NewRemoteChanges()
	remote.Spawn(otherId, EntityData{State: bytesOf(1)})
	dm.Flush(remote, NewLocalChanges())
	e, _ := dm.Remote(otherId)

	require.NoError(t, dm.UpdateReliable(e, bytesOf(7)))

	remote.Reset()
	remote.Despawn(otherId, bytesOf(1))
	local := NewLocalChanges()
	dm.Flush(remote, local)

	// The mutation was flushed before the remote despawn was applied.
	assert.Equal(t, Mutation{Kind: Reliable, State: bytesOf(7)}, local.Mutations[e])
	assert.Equal(t, otherId, local.WireId(e))
	assert.True(t, dm.pending.isEmpty())
	_, err := dm.Get(e)
	assert.ErrorIs(t, err, ErrEntityNotPresent)
}

func TestLocalDespawnOfRemoteEntityKeepsWireId(t *testing.T) {
	dm := New(testNamespace)
	remote := NewRemoteChanges()
	remote.Spawn(otherId, EntityData{State: bytesOf(1)})
	dm.Flush(remote, NewLocalChanges())
	e, _ := dm.Remote(otherId)

	require.NoError(t, dm.Despawn(e))
	local := NewLocalChanges()
	dm.Flush(nil, local)

	assert.Equal(t, bytesOf(1), local.Despawns[e])
	assert.Equal(t, otherId, local.WireId(e))
	_, ok := dm.Remote(otherId)
	assert.False(t, ok)
}

func TestRemoteChangesAddressingLocalEntities(t *testing.T) {
	dm := New(testNamespace)
	e := dm.Spawn(bytesOf(1))
	dm.Flush(nil, NewLocalChanges())

	own := entity.Id{Namespace: testNamespace, Idx: e.Idx}
	remote := NewRemoteChanges()
	remote.Update(own, bytesOf(9))
	dm.Flush(remote, NewLocalChanges())

	got, err := dm.Get(e)
	require.NoError(t, err)
	assert.Equal(t, bytesOf(9), got)

	remote.Reset()
	remote.Despawn(own, bytesOf(9))
	dm.Flush(remote, NewLocalChanges())
	_, err = dm.Get(e)
	assert.ErrorIs(t, err, ErrEntityNotPresent)

	// Unknown ids are ignored.
	remote.Reset()
	remote.Update(entity.Id{Namespace: 99, Idx: 1}, bytesOf(1))
	remote.Despawn(entity.Id{Namespace: 99, Idx: 2}, bytesOf(1))
	assert.NotPanics(t, func() { dm.Flush(remote, NewLocalChanges()) })
	assert.Equal(t, 0, dm.Len())
}

// Priorities are local scheduling hints and never travel with an update.
func TestRemoteUpdateKeepsLocalPriorities(t *testing.T) {
	dm := New(testNamespace)
	remote := NewRemoteChanges()
	remote.Spawn(otherId, EntityData{State: bytesOf(1)})
	dm.Flush(remote, NewLocalChanges())
	e, ok := dm.Remote(otherId)
	require.True(t, ok)
	require.NoError(t, dm.SetPriority(e, 3, 7))

	remote.Reset()
	remote.Updates[otherId] = EntityData{State: bytesOf(2), SendPrio: 5, RecvPrio: 6}
	dm.Flush(remote, NewLocalChanges())

	got, err := dm.Get(e)
	require.NoError(t, err)
	assert.Equal(t, bytesOf(2), got)
	send, recv, err := dm.Priority(e)
	require.NoError(t, err)
	assert.Equal(t, Priority(3), send)
	assert.Equal(t, Priority(7), recv)
}
