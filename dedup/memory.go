package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/kruthis123/sqs-cluster-consumer/consumer"
)

type processedMessage struct {
	kind        consumer.Kind
	processedAt time.Time
}

type MemoryStore struct {
	mu        sync.RWMutex
	processed map[string]processedMessage
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		processed: make(map[string]processedMessage),
		now:       time.Now,
	}
}

func (m *MemoryStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.processed[messageID]
	return exists, nil
}

func (m *MemoryStore) MarkProcessed(ctx context.Context, messageID string, kind consumer.Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.processed == nil {
		return ErrClosed
	}
	m.processed[messageID] = processedMessage{
		kind:        kind,
		processedAt: m.now(),
	}
	return nil
}

func (m *MemoryStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-olderThan)
	for id, msg := range m.processed {
		if msg.processedAt.Before(cutoff) {
			delete(m.processed, id)
		}
	}
	return nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.processed)
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.processed = nil
	return nil
}
