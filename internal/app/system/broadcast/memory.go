package broadcast

import (
	"context"
	"sync"
)

// Call records one write attempted against a Memory store.
type Call struct {
	Op         string // "put", "increment" or "delete"
	Collection string
	Key        string
	Err        error
}

// Memory is an in-process Store. Tests use it to assert what was mirrored
// and to inject broadcast failures.
type Memory struct {
	mu    sync.Mutex
	data  map[string]map[string]map[string]any
	calls []Call
	fail  error
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string]map[string]any)}
}

// FailWith makes every following call return err. Pass nil to recover.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// Calls returns a copy of the attempted writes in order.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Get returns a copy of the record at collection/key.
func (m *Memory) Get(collection, key string) (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[collection][key]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out, true
}

func (m *Memory) record(op, collection, key string) error {
	m.calls = append(m.calls, Call{Op: op, Collection: collection, Key: key, Err: m.fail})
	return m.fail
}

func (m *Memory) Put(_ context.Context, collection, key string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("put", collection, key); err != nil {
		return err
	}
	coll := m.collection(collection)
	rec, ok := coll[key]
	if !ok {
		rec = make(map[string]any, len(data)+1)
		coll[key] = rec
	}
	for k, v := range data {
		rec[k] = v
	}
	rec[KeyField] = key
	return nil
}

func (m *Memory) Increment(_ context.Context, collection, key, field string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("increment", collection, key); err != nil {
		return err
	}
	coll := m.collection(collection)
	rec, ok := coll[key]
	if !ok {
		rec = map[string]any{KeyField: key}
		coll[key] = rec
	}
	switch n := rec[field].(type) {
	case int:
		rec[field] = n + delta
	case int64:
		rec[field] = int(n) + delta
	case float64:
		rec[field] = int(n) + delta
	default:
		rec[field] = delta
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, collection, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("delete", collection, key); err != nil {
		return err
	}
	delete(m.collection(collection), key)
	return nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fail
}

func (m *Memory) collection(name string) map[string]map[string]any {
	coll, ok := m.data[name]
	if !ok {
		coll = make(map[string]map[string]any)
		m.data[name] = coll
	}
	return coll
}

var _ Store = (*Memory)(nil)
