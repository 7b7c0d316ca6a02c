package coordinator

import (
	"context"
	"sync"

	"github.com/odedindi/Collaborative-Lists/pkg/store"
)

// Manager owns at most one running Coordinator per list, started lazily on
// first use. Coordinators never see each other; the manager is the only
// cross-list structure.
type Manager struct {
	mu           sync.Mutex
	coordinators map[string]*Coordinator
	st           store.Store
	opts         []Option
}

// NewManager builds a manager over the given store. Options are applied to
// every coordinator it starts.
func NewManager(st store.Store, opts ...Option) *Manager {
	return &Manager{
		coordinators: map[string]*Coordinator{},
		st:           st,
		opts:         opts,
	}
}

// Get returns the running coordinator for the list, starting one if needed.
func (m *Manager) Get(ctx context.Context, listID string) (*Coordinator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.coordinators[listID]; ok {
		return c, nil
	}
	c, err := Start(ctx, m.st, listID, m.opts...)
	if err != nil {
		return nil, err
	}
	m.coordinators[listID] = c
	return c, nil
}

// Peek returns the running coordinator without starting one.
func (m *Manager) Peek(listID string) *Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.coordinators[listID]
}

// Drop closes the list's coordinator if one is running. Part of list
// deletion teardown: all of its sessions get their connections closed.
func (m *Manager) Drop(listID string) {
	m.mu.Lock()
	c, ok := m.coordinators[listID]
	delete(m.coordinators, listID)
	m.mu.Unlock()
	if ok {
		c.Close()
	}
}

// CloseAll shuts every coordinator down.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	cs := make([]*Coordinator, 0, len(m.coordinators))
	for _, c := range m.coordinators {
		cs = append(cs, c)
	}
	m.coordinators = map[string]*Coordinator{}
	m.mu.Unlock()
	for _, c := range cs {
		c.Close()
	}
}
