package entity

import (
	"errors"
	"iter"
)

// ErrStaleEntityId is returned when an operation uses a handle whose slot
// has since been taken over by a newer generation.
var ErrStaleEntityId = errors.New("entity was previously deleted")

type slot[T any] struct {
	gen   Generation
	value T
}

// Map associates values with entities and guards every access with a
// three-way generation comparison against the stored slot:
//
//   - stored generation older than the handle: the entity does not exist yet
//   - equal: the entity is present
//   - stored generation newer than the handle: the handle is stale and
//     ErrStaleEntityId is returned
//
// The zero value is not usable; create maps with NewMap.
type Map[T any] struct {
	slots map[Index]slot[T]
}

func NewMap[T any]() *Map[T] {
	return &Map[T]{slots: make(map[Index]slot[T])}
}

func NewMapWithCapacity[T any](n int) *Map[T] {
	return &Map[T]{slots: make(map[Index]slot[T], n)}
}

func (m *Map[T]) Len() int {
	return len(m.slots)
}

// Get returns the value stored for e. ok is false when the entity is absent
// or not yet spawned at e's generation.
func (m *Map[T]) Get(e Entity) (value T, ok bool, err error) {
	s, found := m.slots[e.Idx]
	switch {
	case !found || s.gen < e.Gen:
		return value, false, nil
	case s.gen == e.Gen:
		return s.value, true, nil
	default:
		return value, false, ErrStaleEntityId
	}
}

// Update calls fn with a pointer to the value stored for e, allowing it to
// be modified in place. It follows the same rules as Get and reports whether
// fn was called.
func (m *Map[T]) Update(e Entity, fn func(v *T)) (bool, error) {
	s, found := m.slots[e.Idx]
	switch {
	case !found || s.gen < e.Gen:
		return false, nil
	case s.gen > e.Gen:
		return false, ErrStaleEntityId
	}
	fn(&s.value)
	m.slots[e.Idx] = s
	return true, nil
}

// Insert stores value for e. If a value of the same or an older generation
// occupies the slot it is replaced and returned.
func (m *Map[T]) Insert(e Entity, value T) (old T, replaced bool, err error) {
	s, found := m.slots[e.Idx]
	if found && s.gen > e.Gen {
		return old, false, ErrStaleEntityId
	}
	m.slots[e.Idx] = slot[T]{gen: e.Gen, value: value}
	if !found {
		return old, false, nil
	}
	return s.value, true, nil
}

// Remove deletes the slot of e, also when it holds an older generation than
// e, and returns its value.
func (m *Map[T]) Remove(e Entity) (old T, removed bool, err error) {
	s, found := m.slots[e.Idx]
	if !found {
		return old, false, nil
	}
	if s.gen > e.Gen {
		return old, false, ErrStaleEntityId
	}
	delete(m.slots, e.Idx)
	return s.value, true, nil
}

// Contains reports whether e is present at exactly its generation.
func (m *Map[T]) Contains(e Entity) bool {
	s, found := m.slots[e.Idx]
	return found && s.gen == e.Gen
}

// All iterates over all stored entities in unspecified order.
func (m *Map[T]) All() iter.Seq2[Entity, T] {
	return func(yield func(Entity, T) bool) {
		for idx, s := range m.slots {
			if !yield(Entity{Idx: idx, Gen: s.gen}, s.value) {
				return
			}
		}
	}
}

func (m *Map[T]) Clear() {
	clear(m.slots)
}
