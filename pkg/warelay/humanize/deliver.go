// Package humanize – deliver.go paces a delivery plan onto the wire.
package humanize

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrDeliveryAborted marks a humanized delivery that stopped partway.
var ErrDeliveryAborted = errors.New("delivery aborted")

// DeliveryError reports a paced delivery that stopped before completing.
// Sent counts chunks already visible to the remote party; the caller
// decides whether to resend the remainder.
type DeliveryError struct {
	Sent  int
	Total int
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery aborted after %d/%d chunks: %v", e.Sent, e.Total, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool { return target == ErrDeliveryAborted }

// SendFunc delivers one chunk.
type SendFunc func(ctx context.Context, text string) error

// GuardFunc is checked before each chunk; a non-nil error aborts the
// plan. Used to stop delivery when the conversation's bound instance
// becomes invalid mid-plan.
type GuardFunc func() error

// Deliver sends chunks strictly in order with the given delay between
// sends. The first failed guard or send aborts the remaining chunks and
// returns a DeliveryError; there is no retry and no implicit resume on a
// different instance. Returns the number of chunks sent.
func Deliver(ctx context.Context, chunks []string, delay time.Duration, send SendFunc, guard GuardFunc) (int, error) {
	total := len(chunks)
	for i, chunk := range chunks {
		if i > 0 && delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return i, &DeliveryError{Sent: i, Total: total, Err: ctx.Err()}
			}
		}
		if guard != nil {
			if err := guard(); err != nil {
				return i, &DeliveryError{Sent: i, Total: total, Err: err}
			}
		}
		if err := send(ctx, chunk); err != nil {
			return i, &DeliveryError{Sent: i, Total: total, Err: err}
		}
	}
	return total, nil
}
