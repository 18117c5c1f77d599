package storage

import (
	"context"
	"fmt"
	"time"

	"handoff/pkg/record"
)

// Queue defines the per-label record queues backing a directory.
// Implementations are safe for concurrent use, though the directory only ever
// calls them from its own loop.
type Queue interface {
	// Push appends an entry to the tail of the label's queue.
	Push(ctx context.Context, label record.Label, entry Entry) error
	// PushFront inserts entries ahead of the existing ones, keeping their order.
	PushFront(ctx context.Context, label record.Label, entries []Entry) error
	// Drain removes and returns every entry of the label in FIFO order.
	Drain(ctx context.Context, label record.Label) ([]Entry, error)
	Len(ctx context.Context, label record.Label) (int, error)
	// Labels returns the labels holding at least one entry, sorted.
	Labels(ctx context.Context) ([]record.Label, error)
	// Expire removes entries deposited before the given time.
	Expire(ctx context.Context, before time.Time) (map[record.Label]int, error)

	Close() error
}

// Entry is a queued record plus the time it reached this node.
type Entry struct {
	Record      record.Record `json:"record"`
	DepositedAt time.Time     `json:"deposited_at"`
}

// Records strips the bookkeeping from a batch of entries.
func Records(entries []Entry) []record.Record {
	out := make([]record.Record, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Record)
	}
	return out
}

// Entries wraps records deposited at the given time.
func Entries(recs []record.Record, at time.Time) []Entry {
	out := make([]Entry, 0, len(recs))
	for _, r := range recs {
		out = append(out, Entry{Record: r, DepositedAt: at})
	}
	return out
}

const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

// Open creates a queue for the named backend. An empty name selects memory.
func Open(backend string) (Queue, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemoryQueue(), nil
	case BackendBadger:
		return NewBadgerQueue()
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
