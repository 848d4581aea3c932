package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store used when no Redis address is
// configured, and by tests. Heartbeats expire like their Redis counterparts.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	records map[int64]memoryEntry
}

type memoryEntry struct {
	rec      Record
	expireAt time.Time
}

// NewMemoryStore creates an empty store. A non-positive ttl selects
// DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		records: make(map[int64]memoryEntry),
	}
}

// MarkOnline implements Store.
func (m *MemoryStore) MarkOnline(_ context.Context, userID int64, meta Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	connected := meta.ConnectedAt
	if connected.IsZero() {
		connected = now
	}
	m.records[userID] = memoryEntry{
		rec: Record{
			UserID:         userID,
			ServerID:       meta.ServerID,
			ConnectedAt:    connected,
			LastActivityAt: now,
		},
		expireAt: now.Add(m.ttl),
	}
	return nil
}

// Touch implements Store.
func (m *MemoryStore) Touch(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.liveLocked(userID)
	if !ok {
		return nil
	}
	now := m.now()
	e.rec.LastActivityAt = now
	e.expireAt = now.Add(m.ttl)
	m.records[userID] = e
	return nil
}

// MarkOffline implements Store.
func (m *MemoryStore) MarkOffline(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, userID)
	return nil
}

// IsOnline implements Store.
func (m *MemoryStore) IsOnline(_ context.Context, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.liveLocked(userID)
	return ok, nil
}

// Get returns a copy of the heartbeat for userID, or nil when offline.
func (m *MemoryStore) Get(_ context.Context, userID int64) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.liveLocked(userID)
	if !ok {
		return nil, nil
	}
	rec := e.rec
	return &rec, nil
}

// ListOnline implements Store.
func (m *MemoryStore) ListOnline(_ context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]int64, 0, len(m.records))
	for id := range m.records {
		if _, ok := m.liveLocked(id); ok {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// liveLocked returns the entry for userID, dropping it if expired.
func (m *MemoryStore) liveLocked(userID int64) (memoryEntry, bool) {
	e, ok := m.records[userID]
	if !ok {
		return memoryEntry{}, false
	}
	if !m.now().Before(e.expireAt) {
		delete(m.records, userID)
		return memoryEntry{}, false
	}
	return e, true
}
