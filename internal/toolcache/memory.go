package toolcache

import (
	"context"
	"sync"
	"time"
)

// sweepEvery is how many writes may elapse between opportunistic sweeps of
// expired entries. Expiry is otherwise checked lazily on read.
const sweepEvery = 256

// Memory is an in-process [Cache] backed by a mutex-guarded map.
//
// Entries are evicted lazily when read after their deadline, plus an
// opportunistic full sweep every [sweepEvery] writes so a write-heavy,
// read-light workload cannot grow the map without bound.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	writeCount int

	// now is swappable for expiry tests.
	now func() time.Time
}

type memoryEntry struct {
	val      []byte
	deadline time.Time
}

// Compile-time interface assertion.
var _ Cache = (*Memory)(nil)

// NewMemory creates an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get implements [Cache]. Expired entries are deleted on read.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if m.now().After(e.deadline) {
		delete(m.entries, key)
		return nil, false, nil
	}
	out := make([]byte, len(e.val))
	copy(out, e.val)
	return out, true, nil
}

// Set implements [Cache].
func (m *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	cp := make([]byte, len(val))
	copy(cp, val)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memoryEntry{val: cp, deadline: m.now().Add(ttl)}

	m.writeCount++
	if m.writeCount%sweepEvery == 0 {
		now := m.now()
		for k, e := range m.entries {
			if now.After(e.deadline) {
				delete(m.entries, k)
			}
		}
	}
	return nil
}

// Len returns the number of stored entries, including any not yet swept.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
