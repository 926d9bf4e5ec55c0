package stats

import (
	"context"
	"maps"
	"sync"
)

// MemoryStore keeps counters for the life of the process.
type MemoryStore struct {
	mu   sync.Mutex
	snap Snapshot
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snap: Snapshot{ByCommand: make(map[string]int64)}}
}

func (m *MemoryStore) IncSwaps(context.Context) error {
	m.mu.Lock()
	m.snap.Swaps++
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) IncActuations(_ context.Context, command string) error {
	m.mu.Lock()
	m.snap.Actuations++
	m.snap.ByCommand[command]++
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Snapshot(context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.snap
	out.ByCommand = maps.Clone(m.snap.ByCommand)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
