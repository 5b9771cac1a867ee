package promise

import (
	"time"

	"github.com/asyncloop/asyncloop/internal/loop"
)

// Delay returns a cancellable promise fulfilled (with nil) after d.
// Cancelling it cancels the underlying timer.
func Delay(l *loop.Loop, d time.Duration) *Cancellable {
	c, resolve, _ := NewCancellable(l)
	timerID := l.AddTimer(d, func() {
		resolve(nil)
	})
	c.BindTimer(timerID)
	return c
}

// SetTimeout schedules cb after d and returns a cancellable handle whose
// promise fulfills with cb's result.
func SetTimeout(l *loop.Loop, d time.Duration, cb func() (any, error)) *Cancellable {
	c, resolve, reject := NewCancellable(l)
	timerID := l.AddTimer(d, func() {
		v, err := cb()
		if err != nil {
			reject(err)
			return
		}
		resolve(v)
	})
	c.BindTimer(timerID)
	return c
}
