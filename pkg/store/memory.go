package store

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// Memory implements KV in process memory. It exists for tests and for
// single-process deployments where durability is not needed; semantics match
// the SQLite implementation exactly.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     []byte
	expiresAt int64 // epoch ms, 0 = no expiry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry)}
}

func (e memoryEntry) expired(nowMillis int64) bool {
	return e.expiresAt != 0 && e.expiresAt <= nowMillis
}

// Get returns the value for key, treating expired entries as absent.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.expired(time.Now().UnixMilli()) {
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

// Set unconditionally upserts key.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memoryEntry{
		value:     append([]byte(nil), value...),
		expiresAt: expiryMillis(time.Now(), ttl),
	}
	return nil
}

// SetNX sets key only if it is absent or expired.
func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if e, ok := m.entries[key]; ok && !e.expired(now.UnixMilli()) {
		return false, nil
	}
	m.entries[key] = memoryEntry{
		value:     append([]byte(nil), value...),
		expiresAt: expiryMillis(now, ttl),
	}
	return true, nil
}

// CompareAndDelete deletes key only when its stored value matches expect.
func (m *Memory) CompareAndDelete(_ context.Context, key string, expect []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || !bytes.Equal(e.value, expect) {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

// CompareAndExpire extends the TTL of key only when its stored, unexpired
// value matches expect.
func (m *Memory) CompareAndExpire(_ context.Context, key string, expect []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	e, ok := m.entries[key]
	if !ok || e.expired(now.UnixMilli()) || !bytes.Equal(e.value, expect) {
		return false, nil
	}
	e.expiresAt = expiryMillis(now, ttl)
	m.entries[key] = e
	return true, nil
}

// Delete removes key unconditionally.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// SweepExpired removes expired entries.
func (m *Memory) SweepExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UnixMilli()
	removed := 0
	for key, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed, nil
}
