package history

import (
	"context"
	"strings"
	"sync"
)

// DefaultMemoryLimit is the capacity of a [Memory] store created with a
// non-positive limit.
const DefaultMemoryLimit = 200

var _ Store = (*Memory)(nil)

// Memory is an in-process [Store] holding the most recent entries. Older
// entries are dropped once the limit is reached.
type Memory struct {
	mu      sync.RWMutex
	limit   int
	entries []Entry // oldest first
}

// NewMemory creates a Memory store keeping at most limit entries.
func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return &Memory{limit: limit}
}

// Record implements [Store].
func (m *Memory) Record(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	if over := len(m.entries) - m.limit; over > 0 {
		m.entries = append(m.entries[:0:0], m.entries[over:]...)
	}
	return nil
}

// Recent implements [Store].
func (m *Memory) Recent(_ context.Context, n int) ([]Entry, error) {
	return m.collect(n, func(Entry) bool { return true }), nil
}

// Search implements [Store]. Every whitespace-separated word of query must
// appear in the entry text, compared case-insensitively.
func (m *Memory) Search(_ context.Context, query string, limit int) ([]Entry, error) {
	words := strings.Fields(strings.ToLower(query))
	return m.collect(limit, func(e Entry) bool {
		text := strings.ToLower(e.Text)
		for _, w := range words {
			if !strings.Contains(text, w) {
				return false
			}
		}
		return true
	}), nil
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) collect(n int, keep func(Entry) bool) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Entry{}
	for i := len(m.entries) - 1; i >= 0; i-- {
		if n > 0 && len(out) == n {
			break
		}
		if keep(m.entries[i]) {
			out = append(out, m.entries[i])
		}
	}
	return out
}
