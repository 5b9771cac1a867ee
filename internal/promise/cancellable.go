package promise

import (
	"log/slog"

	"github.com/asyncloop/asyncloop/internal/loop"
)

// Cancellable is a promise that can be rejected from the outside with the
// canonical cancellation reason. Promises chained from it share its cancel
// state: once cancelled, their not-yet-run handlers are skipped.
type Cancellable struct {
	*Promise
	cs       *cancelState
	onCancel func()
	timerID  string
	rejectFn RejectFunc
}

// NewCancellable creates a pending cancellable promise.
func NewCancellable(l *loop.Loop) (*Cancellable, ResolveFunc, RejectFunc) {
	p, resolve, reject := New(l)
	cs := &cancelState{}
	p.root = cs
	c := &Cancellable{Promise: p, cs: cs, rejectFn: reject}
	return c, resolve, reject
}

// OnCancel sets the handler run exactly once when Cancel succeeds. It runs
// on the next tick, never inline with Cancel.
func (c *Cancellable) OnCancel(fn func()) *Cancellable {
	c.onCancel = fn
	return c
}

// BindTimer associates a loop timer cancelled together with the promise.
func (c *Cancellable) BindTimer(timerID string) *Cancellable {
	c.timerID = timerID
	return c
}

// Cancelled reports whether Cancel has succeeded.
func (c *Cancellable) Cancelled() bool { return c.cs.cancelled }

// Cancel rejects the promise with the cancellation reason, cancels the
// bound timer, and schedules the cancel handler. Returns false when the
// promise already settled or was already cancelled.
func (c *Cancellable) Cancel() bool {
	if c.cs.cancelled || c.Settled() {
		return false
	}
	c.cs.cancelled = true

	if c.timerID != "" {
		c.loop.CancelTimer(c.timerID)
	}
	c.rejectFn(ErrCancelled)

	if fn := c.onCancel; fn != nil {
		c.onCancel = nil
		c.loop.NextTick(func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("cancel handler panicked", "panic", r)
				}
			}()
			fn()
		})
	}
	return true
}
