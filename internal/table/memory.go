package table

import (
	"context"
	"sync"

	"github.com/vk/racegate/internal/engine"
)

// Memory is an ephemeral, thread-safe table kept in insertion order.
type Memory struct {
	mu      sync.RWMutex
	records []Record
	opts    options
}

// NewMemory creates an empty in-memory table.
func NewMemory(opts ...Option) *Memory {
	return &Memory{opts: buildOptions(opts)}
}

// Add implements Table.
func (m *Memory) Add(_ context.Context, req *engine.Request, interesting bool) error {
	rec := NewRecord(req, interesting, m.opts.extract)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// Records implements Table. The returned slice is a copy.
func (m *Memory) Records(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out, nil
}

// Len returns the number of records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Close implements Table.
func (m *Memory) Close() error {
	return nil
}
