// Package priority decides which entity updates go into the next
// bandwidth-limited packet.
//
// Every tick, each entity with a pending update adds its send priority
// (plus one, so that priority zero still makes progress) to an accumulator.
// Candidates are ordered by accumulated value and included until the packet
// budget is used up. Included entities start again from zero, the others
// carry their accumulated value into the next tick.
package priority

import (
	"slices"

	"github.com/QYUbit/replicate/pkg/datamodel"
)

type Candidate[K comparable] struct {
	Key      K
	Priority datamodel.Priority
	// Size is the number of bytes the update takes up in a packet.
	Size int
}

type Scheduler[K comparable] struct {
	acc  map[K]uint64
	seen map[K]struct{}
}

func NewScheduler[K comparable]() *Scheduler[K] {
	return &Scheduler[K]{
		acc:  make(map[K]uint64),
		seen: make(map[K]struct{}),
	}
}

// Select accumulates the priorities of candidates and returns the keys that
// fit into budget bytes, most urgent first. Candidates larger than the
// remaining budget are skipped in favor of smaller ones. Accumulators of
// keys that are no longer candidates are dropped.
func (s *Scheduler[K]) Select(candidates []Candidate[K], budget int) []K {
	clear(s.seen)
	for _, c := range candidates {
		s.acc[c.Key] += uint64(c.Priority) + 1
		s.seen[c.Key] = struct{}{}
	}
	for k := range s.acc {
		if _, ok := s.seen[k]; !ok {
			delete(s.acc, k)
		}
	}

	order := slices.Clone(candidates)
	slices.SortStableFunc(order, func(a, b Candidate[K]) int {
		va, vb := s.acc[a.Key], s.acc[b.Key]
		switch {
		case va > vb:
			return -1
		case va < vb:
			return 1
		default:
			return 0
		}
	})

	var picked []K
	for _, c := range order {
		if c.Size > budget {
			continue
		}
		budget -= c.Size
		picked = append(picked, c.Key)
		delete(s.acc, c.Key)
	}
	return picked
}

// Accumulated returns the current accumulator of key.
func (s *Scheduler[K]) Accumulated(key K) uint64 {
	return s.acc[key]
}

func (s *Scheduler[K]) Forget(key K) {
	delete(s.acc, key)
}
