// Package directory holds pending handoff records per label and tells
// subscribers when records are available to claim.
package directory

import (
	"context"

	"handoff/pkg/record"
)

// Service is implemented by Local and Distributed.
type Service interface {
	// Put deposits rec on behalf of caller. caller may be empty.
	Put(ctx context.Context, caller string, rec record.Record) error
	// Drain claims every pending record for label. The result is empty, not
	// nil, when nothing is pending.
	Drain(ctx context.Context, label record.Label) ([]record.Record, error)
	Subscribe(ctx context.Context, label record.Label, sub Subscriber) error
	Unsubscribe(ctx context.Context, label record.Label, id string) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
