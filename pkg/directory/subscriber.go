package directory

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"handoff/pkg/record"
)

// Subscriber is a registered consumer of availability notifications.
type Subscriber interface {
	// ID identifies the subscriber across labels and calls.
	ID() string
	// Notify delivers an availability signal. It must not block; it reports
	// false when the signal could not be delivered.
	Notify(label record.Label) bool
	// Done is closed when the subscriber terminates. The directory then drops
	// every registration it holds for it.
	Done() <-chan struct{}
}

// Inbox is a channel-backed Subscriber for in-process consumers.
type Inbox struct {
	id      string
	ch      chan record.Label
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

var _ Subscriber = (*Inbox)(nil)

// NewInbox creates an inbox. An empty id is replaced by a random one; buffer
// below 1 is treated as 1.
func NewInbox(id string, buffer int) *Inbox {
	if id == "" {
		id = uuid.NewString()
	}
	if buffer < 1 {
		buffer = 1
	}
	return &Inbox{
		id:   id,
		ch:   make(chan record.Label, buffer),
		done: make(chan struct{}),
	}
}

func (in *Inbox) ID() string { return in.id }

// C returns the notification channel. It is never closed; select on Done as well.
func (in *Inbox) C() <-chan record.Label { return in.ch }

func (in *Inbox) Done() <-chan struct{} { return in.done }

// Notify enqueues label without blocking. When the buffer is full the signal
// is dropped: a pending one already tells the consumer to drain.
func (in *Inbox) Notify(label record.Label) bool {
	select {
	case <-in.done:
		return false
	default:
	}
	select {
	case in.ch <- label:
		return true
	default:
		in.dropped.Add(1)
		return false
	}
}

// Dropped returns how many notifications were discarded because the buffer was full.
func (in *Inbox) Dropped() uint64 { return in.dropped.Load() }

// Close ends the inbox's liveness. Safe to call more than once.
func (in *Inbox) Close() {
	in.once.Do(func() { close(in.done) })
}
