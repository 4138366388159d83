package tenant

import (
	"context"
	"sort"
	"sync"
)

// Store is the tenant record collaborator. Implementations must be safe for
// concurrent use.
type Store interface {
	EnsureSchema(ctx context.Context) error
	// Get returns ErrNotFound when the tenant has no record.
	Get(ctx context.Context, id string) (Record, error)
	// Update applies p, creating the record when it does not exist.
	Update(ctx context.Context, id string, p Patch) error
	List(ctx context.Context) (map[string]Record, error)
	// AdjustBalance adds delta and returns the new balance.
	AdjustBalance(ctx context.Context, id string, delta int64) (int64, error)
	Close() error
}

// Memory is an in-process Store, used by tests and embedders.
type Memory struct {
	mu   sync.RWMutex
	recs map[string]Record
}

func NewMemory(recs ...Record) *Memory {
	m := &Memory{recs: make(map[string]Record, len(recs))}
	for _, r := range recs {
		m.recs[r.ID] = clone(r)
	}
	return m
}

func (m *Memory) EnsureSchema(context.Context) error { return nil }
func (m *Memory) Close() error                      { return nil }

func (m *Memory) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.recs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return clone(r), nil
}

func (m *Memory) Update(_ context.Context, id string, p Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		r = Record{ID: id}
	}
	m.recs[id] = r.Apply(p)
	return nil
}

func (m *Memory) List(context.Context) (map[string]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Record, len(m.recs))
	for id, r := range m.recs {
		out[id] = clone(r)
	}
	return out, nil
}

func (m *Memory) AdjustBalance(_ context.Context, id string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return 0, ErrNotFound
	}
	r.Balance += delta
	m.recs[id] = r
	return r.Balance, nil
}

// IDs returns the stored tenant ids in sorted order.
func IDs(recs map[string]Record) []string {
	ids := make([]string, 0, len(recs))
	for id := range recs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func clone(r Record) Record {
	if r.Expiry != nil {
		t := *r.Expiry
		r.Expiry = &t
	}
	if r.Extra != nil {
		extra := make(map[string]any, len(r.Extra))
		for k, v := range r.Extra {
			extra[k] = v
		}
		r.Extra = extra
	}
	return r
}
