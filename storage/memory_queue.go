package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"handoff/pkg/record"
)

// MemoryQueue keeps every label's entries in a slice.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[record.Label][]Entry
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{queues: make(map[record.Label][]Entry)}
}

func (m *MemoryQueue) Push(ctx context.Context, label record.Label, entry Entry) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[label] = append(m.queues[label], entry)
	return nil
}

func (m *MemoryQueue) PushFront(ctx context.Context, label record.Label, entries []Entry) error {
	_ = ctx
	if len(entries) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q := make([]Entry, 0, len(entries)+len(m.queues[label]))
	q = append(q, entries...)
	m.queues[label] = append(q, m.queues[label]...)
	return nil
}

func (m *MemoryQueue) Drain(ctx context.Context, label record.Label) ([]Entry, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[label]
	delete(m.queues, label)
	if q == nil {
		return []Entry{}, nil
	}
	return q, nil
}

func (m *MemoryQueue) Len(ctx context.Context, label record.Label) (int, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[label]), nil
}

func (m *MemoryQueue) Labels(ctx context.Context) ([]record.Label, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]record.Label, 0, len(m.queues))
	for l, q := range m.queues {
		if len(q) > 0 {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *MemoryQueue) Expire(ctx context.Context, before time.Time) (map[record.Label]int, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := make(map[record.Label]int)
	for l, q := range m.queues {
		kept := q[:0]
		for _, e := range q {
			if e.DepositedAt.Before(before) {
				removed[l]++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(m.queues, l)
		} else {
			m.queues[l] = kept
		}
	}
	return removed, nil
}

func (m *MemoryQueue) Close() error { return nil }
