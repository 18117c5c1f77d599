package directory

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTimeout means the caller stopped waiting. The operation may still
	// have taken effect.
	ErrTimeout = errors.New("handoff: timed out waiting for directory")
	// ErrClosed is returned once the directory has been shut down.
	ErrClosed = errors.New("handoff: directory closed")
)

// IsTimeout reports whether err is or wraps ErrTimeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// ctxErr maps a context error to the directory's error values.
func ctxErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}
