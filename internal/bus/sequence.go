package bus

import (
	"context"
	"sync"
)

// Sequencer hands out per-conversation sequence numbers starting at 1.
type Sequencer interface {
	Next(ctx context.Context, conversationID string) (uint64, error)
}

// MemorySequencer keeps counters in process memory. It numbers events that
// were published without a store-assigned sequence.
type MemorySequencer struct {
	mu   sync.Mutex
	next map[string]uint64
}

// NewMemorySequencer returns an empty MemorySequencer.
func NewMemorySequencer() *MemorySequencer {
	return &MemorySequencer{next: make(map[string]uint64)}
}

// Next implements Sequencer.
func (m *MemorySequencer) Next(_ context.Context, conversationID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next[conversationID]++
	return m.next[conversationID], nil
}
