package promise

import (
	"github.com/asyncloop/asyncloop/internal/loop"
)

// Await suspends the calling fiber until p settles, returning its value or
// error. Outside a fiber it drives the loop until settlement; calling it
// from a loop callback while the loop is running is a usage error.
func Await(p *Promise) (any, error) {
	l := p.loop
	if f := l.CurrentFiber(); f != nil {
		return f.Await(p)
	}

	if l.Running() {
		return nil, &UsageError{Msg: "await outside a fiber while the loop is running; use a fiber or Then"}
	}

	// Block this goroutine by running the loop through a throwaway fiber
	// that performs the suspension.
	f := l.Spawn(func() (any, error) {
		return l.CurrentFiber().Await(p)
	})
	return l.RunUntilDone(f)
}

// AwaitCancellable is Await for a cancellable promise.
func AwaitCancellable(c *Cancellable) (any, error) {
	return Await(c.Promise)
}

// Run spawns fn as a fiber and drives the loop until it terminates,
// returning the fiber's outcome. It is the entry point for synchronous
// callers bridging into the runtime.
func Run(l *loop.Loop, fn func() (any, error)) (any, error) {
	if l.Running() {
		return nil, &UsageError{Msg: "run called while the loop is already running"}
	}
	f := l.Spawn(fn)
	return l.RunUntilDone(f)
}
