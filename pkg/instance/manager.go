package instance

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/QYUbit/replicate/pkg/ids"
	"github.com/QYUbit/replicate/pkg/registry"
)

type NotFoundError struct {
	Id ids.InstanceId
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("instance %s not found", e.Id)
}

// Manager owns the instances of a server.
type Manager struct {
	cfg      Config
	registry registry.Registry

	instances   map[ids.InstanceId]*Instance
	mu          sync.RWMutex
	idGenerator func() ids.InstanceId
}

// NewManager creates a manager that records created instances in reg. A nil
// reg keeps them in memory.
func NewManager(cfg Config, reg registry.Registry) *Manager {
	if reg == nil {
		reg = registry.NewMemory()
	}
	return &Manager{
		cfg:         cfg.withDefaults(),
		registry:    reg,
		instances:   make(map[ids.InstanceId]*Instance),
		idGenerator: ids.NewInstanceId,
	}
}

func (m *Manager) Create(ctx context.Context) (*Instance, error) {
	id := m.idGenerator()
	if err := m.registry.Save(ctx, registry.Record{Id: id, CreatedAt: time.Now()}); err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}

	i := New(id, m.cfg)
	m.mu.Lock()
	m.instances[id] = i
	m.mu.Unlock()

	m.cfg.Logger.Info("instance created", "instance", id)
	return i, nil
}

// Restore recreates the instances recorded in the registry, without state.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	records, err := m.registry.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to restore instances: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range records {
		if _, ok := m.instances[r.Id]; ok {
			continue
		}
		m.instances[r.Id] = New(r.Id, m.cfg)
		n++
	}
	return n, nil
}

func (m *Manager) Get(id ids.InstanceId) (*Instance, error) {
	m.mu.RLock()
	i, ok := m.instances[id]
	m.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Id: id}
	}
	return i, nil
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.instances)
}

// Remove closes the instance and deletes it from the registry.
func (m *Manager) Remove(ctx context.Context, id ids.InstanceId) error {
	m.mu.Lock()
	i, ok := m.instances[id]
	delete(m.instances, id)
	m.mu.Unlock()
	if !ok {
		return &NotFoundError{Id: id}
	}

	i.Close()
	if err := m.registry.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to remove instance: %w", err)
	}
	m.cfg.Logger.Info("instance removed", "instance", id)
	return nil
}

// Close closes all instances. The registry is left open.
func (m *Manager) Close() {
	m.mu.Lock()
	instances := slices.Collect(maps.Values(m.instances))
	clear(m.instances)
	m.mu.Unlock()

	for _, i := range instances {
		i.Close()
	}
}
