package store

import (
	"context"
	"sort"
	"sync"

	"github.com/odedindi/Collaborative-Lists/pkg/model"
)

// Memory keeps everything in process memory. Used by tests and by the server
// in ephemeral mode.
type Memory struct {
	mu      sync.RWMutex
	lists   map[string]model.List
	items   map[string]map[string]model.Item
	ledgers map[string][]byte
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		lists:   map[string]model.List{},
		items:   map[string]map[string]model.Item{},
		ledgers: map[string][]byte{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateList(_ context.Context, list model.List) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[list.ID] = cloneList(list)
	return nil
}

func (m *Memory) GetList(_ context.Context, id string) (model.List, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list, ok := m.lists[id]
	if !ok {
		return model.List{}, ErrNotFound
	}
	return cloneList(list), nil
}

func (m *Memory) ListsFor(_ context.Context, email string) ([]model.List, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.List
	for _, list := range m.lists {
		if list.RoleFor(email) != "" {
			out = append(out, cloneList(list))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveListMeta(_ context.Context, list model.List) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lists[list.ID]; !ok {
		return ErrNotFound
	}
	m.lists[list.ID] = cloneList(list)
	return nil
}

func (m *Memory) DeleteList(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lists[id]; !ok {
		return ErrNotFound
	}
	delete(m.lists, id)
	delete(m.items, id)
	delete(m.ledgers, id)
	return nil
}

func (m *Memory) Items(_ context.Context, listID string) ([]model.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Item
	for _, item := range m.items[listID] {
		out = append(out, item.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

func (m *Memory) PutItem(_ context.Context, listID string, item model.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items[listID] == nil {
		m.items[listID] = map[string]model.Item{}
	}
	m.items[listID][item.ID] = item.Clone()
	return nil
}

func (m *Memory) DeleteItem(_ context.Context, listID, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items[listID], itemID)
	return nil
}

func (m *Memory) Ledger(_ context.Context, listID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.ledgers[listID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

func (m *Memory) SaveLedger(_ context.Context, listID string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(blob))
	copy(out, blob)
	m.ledgers[listID] = out
	return nil
}

func cloneList(list model.List) model.List {
	out := list
	out.Schema = append([]model.Field(nil), list.Schema...)
	out.Shares = append([]model.Share(nil), list.Shares...)
	return out
}
