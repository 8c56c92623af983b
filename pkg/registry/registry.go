// Package registry persists the ids of created instances so that a restarted
// server can keep serving their URLs.
package registry

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/QYUbit/replicate/pkg/ids"
)

type Record struct {
	Id        ids.InstanceId
	CreatedAt time.Time
}

type Registry interface {
	Save(ctx context.Context, r Record) error
	List(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, id ids.InstanceId) error
	Close() error
}

// Memory is a Registry that forgets everything on restart.
type Memory struct {
	mu      sync.RWMutex
	records map[ids.InstanceId]Record
}

func NewMemory() *Memory {
	return &Memory{records: make(map[ids.InstanceId]Record)}
}

func (m *Memory) Save(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.Id] = r
	return nil
}

// List returns records ordered by creation time.
func (m *Memory) List(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Record) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (m *Memory) Delete(_ context.Context, id ids.InstanceId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *Memory) Close() error {
	return nil
}
