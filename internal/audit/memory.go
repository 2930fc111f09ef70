package audit

import (
	"context"
	"sync"
)

// MemoryStorage keeps every written record. Used by tests and local runs without a database.
type MemoryStorage struct {
	mu      sync.Mutex
	records []Record
	batches int
}

func NewMemoryStorage() *MemoryStorage { return &MemoryStorage{} }

func (m *MemoryStorage) WriteBatch(_ context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	m.batches++
	return nil
}

func (m *MemoryStorage) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

func (m *MemoryStorage) Batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}
