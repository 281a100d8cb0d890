// Package presence is the connection registry: it records the last time each
// user showed activity and derives online status from it at read time.
//
// Nothing here is durable. Losing heartbeats on restart only makes users look
// offline until their next heartbeat.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Seen is one user's last activity timestamp.
type Seen struct {
	UserID string
	At     time.Time
}

// Store keeps last-activity timestamps. Touch is last-write-wins by timestamp:
// an older timestamp never replaces a newer one.
type Store interface {
	Touch(ctx context.Context, userID string, at time.Time) error
	LastSeen(ctx context.Context, userIDs []string) (map[string]time.Time, error)
	// Recent lists users seen strictly after since, newest first.
	Recent(ctx context.Context, since time.Time, limit int) ([]Seen, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu   sync.RWMutex
	seen map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]time.Time)}
}

func (m *MemoryStore) Touch(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	if prev, ok := m.seen[userID]; !ok || at.After(prev) {
		m.seen[userID] = at
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) LastSeen(_ context.Context, userIDs []string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(userIDs))
	m.mu.RLock()
	for _, id := range userIDs {
		if at, ok := m.seen[id]; ok {
			out[id] = at
		}
	}
	m.mu.RUnlock()
	return out, nil
}

func (m *MemoryStore) Recent(_ context.Context, since time.Time, limit int) ([]Seen, error) {
	m.mu.RLock()
	out := make([]Seen, 0, len(m.seen))
	for id, at := range m.seen {
		if at.After(since) {
			out = append(out, Seen{UserID: id, At: at})
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].At.After(out[j].At)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
