package directory

import (
	"context"
	"time"

	"handoff/pkg/record"
)

// DefaultTimeout applies when a Handle call passes a non-positive timeout.
const DefaultTimeout = 5000 * time.Millisecond

// Handle is the process-facing API: one subscriber identity talking to one
// directory with per-call timeouts.
type Handle struct {
	svc Service
	sub Subscriber
}

// NewHandle binds sub to svc.
func NewHandle(svc Service, sub Subscriber) *Handle {
	return &Handle{svc: svc, sub: sub}
}

// Subscriber returns the identity the handle acts as.
func (h *Handle) Subscriber() Subscriber { return h.sub }

// Initiate deposits rec under label. rec must be valid and carry label.
func (h *Handle) Initiate(label record.Label, rec record.Record, timeout time.Duration) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.Label() != label {
		return &record.ValidationError{Field: "label", Reason: "does not match record label " + string(rec.Label())}
	}
	ctx, cancel := withTimeout(timeout)
	defer cancel()
	return h.svc.Put(ctx, h.sub.ID(), rec)
}

// Complete claims every pending record for label.
func (h *Handle) Complete(label record.Label, timeout time.Duration) ([]record.Record, error) {
	if label == "" {
		return nil, &record.ValidationError{Field: "label", Reason: "is empty"}
	}
	ctx, cancel := withTimeout(timeout)
	defer cancel()
	return h.svc.Drain(ctx, label)
}

// Subscribe asks to be notified when records for label become available.
func (h *Handle) Subscribe(label record.Label, timeout time.Duration) error {
	if label == "" {
		return &record.ValidationError{Field: "label", Reason: "is empty"}
	}
	ctx, cancel := withTimeout(timeout)
	defer cancel()
	return h.svc.Subscribe(ctx, label, h.sub)
}

func (h *Handle) Unsubscribe(label record.Label, timeout time.Duration) error {
	if label == "" {
		return &record.ValidationError{Field: "label", Reason: "is empty"}
	}
	ctx, cancel := withTimeout(timeout)
	defer cancel()
	return h.svc.Unsubscribe(ctx, label, h.sub.ID())
}

func withTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(context.Background(), timeout)
}
