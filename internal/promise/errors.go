package promise

import (
	"errors"
	"fmt"
	"time"
)

// CancelledError is the canonical rejection reason of a cancelled promise.
type CancelledError struct{}

func (*CancelledError) Error() string { return "promise cancelled" }

// ErrCancelled is the shared cancellation reason. Compare with errors.Is
// or IsCancelled.
var ErrCancelled = &CancelledError{}

// IsCancelled reports whether err is a promise cancellation.
func IsCancelled(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce)
}

// TimeoutError rejects promises wrapped by Timeout. It is distinct from
// cancellation and transport failures.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("promise timed out after %s", e.After)
}

// IsTimeout reports whether err is a promise timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// UsageError reports misuse of the API surfaced synchronously, such as a
// double mutex release or awaiting from inside a running loop callback.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return e.Msg }
