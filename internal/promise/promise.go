// Package promise implements settle-once futures whose handler chains
// dispatch through the event loop's next-tick queue, plus the fiber-side
// await primitive, collection combinators, and async primitives built on
// them (mutex, sleep, cancellable timers).
package promise

import (
	"github.com/asyncloop/asyncloop/internal/loop"
)

// State is the settlement state of a promise.
type State int32

const (
	Pending State = iota
	Fulfilled
	Rejected
)

func (s State) String() string {
	switch s {
	case Fulfilled:
		return "fulfilled"
	case Rejected:
		return "rejected"
	default:
		return "pending"
	}
}

// ResolveFunc fulfills a promise. Calls after settlement are no-ops.
type ResolveFunc func(value any)

// RejectFunc rejects a promise. Calls after settlement are no-ops.
type RejectFunc func(reason error)

// OnFulfilled transforms a fulfillment value. Returning a *Promise makes
// the chained promise adopt its outcome; returning an error rejects it.
type OnFulfilled func(value any) (any, error)

// OnRejected handles a rejection. Returning a nil error recovers the chain
// with the returned value.
type OnRejected func(reason error) (any, error)

// cancelState is shared between a cancellable root and every promise
// chained from it. Chained handlers check it at entry and are skipped once
// the root is cancelled.
type cancelState struct {
	cancelled bool
}

type handler struct {
	onFulfilled OnFulfilled
	onRejected  OnRejected
	onFinally   func() error
	target      *Promise
}

// Promise is a settle-once container for an eventual value or error.
// All methods must be used from the loop goroutine (or a fiber it runs);
// handlers always execute on the loop via next-tick scheduling.
type Promise struct {
	loop     *loop.Loop
	state    State
	value    any
	reason   error
	handlers []handler
	root     *cancelState
}

// New creates a pending promise with its resolve and reject halves.
func New(l *loop.Loop) (*Promise, ResolveFunc, RejectFunc) {
	p := newPromise(l)
	return p, p.resolve, p.reject
}

// Resolved returns a promise already fulfilled with value.
func Resolved(l *loop.Loop, value any) *Promise {
	p := newPromise(l)
	p.resolve(value)
	return p
}

// Reject returns a promise already rejected with reason.
func Reject(l *loop.Loop, reason error) *Promise {
	p := newPromise(l)
	p.reject(reason)
	return p
}

func newPromise(l *loop.Loop) *Promise {
	return &Promise{loop: l}
}

// Loop returns the loop this promise dispatches on.
func (p *Promise) Loop() *loop.Loop { return p.loop }

// State returns the current settlement state.
func (p *Promise) State() State { return p.state }

// IsPending reports whether the promise has not settled.
func (p *Promise) IsPending() bool { return p.state == Pending }

// IsFulfilled reports whether the promise fulfilled.
func (p *Promise) IsFulfilled() bool { return p.state == Fulfilled }

// IsRejected reports whether the promise rejected.
func (p *Promise) IsRejected() bool { return p.state == Rejected }

// Settled implements loop.Awaitable.
func (p *Promise) Settled() bool { return p.state != Pending }

// Result implements loop.Awaitable. Only meaningful once settled.
func (p *Promise) Result() (any, error) {
	if p.state == Rejected {
		return nil, p.reason
	}
	return p.value, nil
}

// Then chains fulfillment and rejection handlers, either of which may be
// nil to pass the outcome through. Handlers run via next-tick, never
// synchronously, even when the promise is already settled.
func (p *Promise) Then(onFulfilled OnFulfilled, onRejected OnRejected) *Promise {
	child := newPromise(p.loop)
	child.root = p.root
	p.addHandler(handler{
		onFulfilled: onFulfilled,
		onRejected:  onRejected,
		target:      child,
	})
	return child
}

// Catch chains a rejection handler.
func (p *Promise) Catch(onRejected OnRejected) *Promise {
	return p.Then(nil, onRejected)
}

// Finally runs fn on any settlement. The outcome passes through unchanged
// unless fn returns an error, which rejects the chained promise.
func (p *Promise) Finally(fn func() error) *Promise {
	child := newPromise(p.loop)
	child.root = p.root
	p.addHandler(handler{
		onFinally: fn,
		target:    child,
	})
	return child
}

func (p *Promise) addHandler(h handler) {
	if p.state != Pending {
		p.schedule(h)
		return
	}
	p.handlers = append(p.handlers, h)
}

// resolve fulfills the promise, or adopts the outcome when value is itself
// a promise. Subsequent calls are no-ops.
func (p *Promise) resolve(value any) {
	if p.state != Pending {
		return
	}
	switch inner := value.(type) {
	case *Promise:
		inner.addHandler(handler{
			onFulfilled: func(v any) (any, error) { p.settle(Fulfilled, v, nil); return nil, nil },
			onRejected:  func(err error) (any, error) { p.settle(Rejected, nil, err); return nil, nil },
		})
	case *Cancellable:
		p.resolve(inner.Promise)
	default:
		p.settle(Fulfilled, value, nil)
	}
}

// reject settles the promise with reason. Subsequent calls are no-ops.
func (p *Promise) reject(reason error) {
	p.settle(Rejected, nil, reason)
}

func (p *Promise) settle(state State, value any, reason error) {
	if p.state != Pending {
		return
	}
	p.state = state
	p.value = value
	p.reason = reason

	queued := p.handlers
	p.handlers = nil
	for _, h := range queued {
		p.schedule(h)
	}
}

func (p *Promise) schedule(h handler) {
	p.loop.NextTick(func() { p.runHandler(h) })
}

func (p *Promise) runHandler(h handler) {
	target := h.target

	// A cancelled root short-circuits the chain: downstream handlers are
	// skipped and dependents observe the cancellation rejection.
	if target != nil && target.root != nil && target.root.cancelled && p.state != Rejected {
		target.reject(ErrCancelled)
		return
	}

	if h.onFinally != nil {
		if err := h.onFinally(); err != nil {
			if target != nil {
				target.reject(err)
			}
			return
		}
		if target != nil {
			if p.state == Rejected {
				target.reject(p.reason)
			} else {
				target.resolve(p.value)
			}
		}
		return
	}

	switch p.state {
	case Fulfilled:
		if h.onFulfilled == nil {
			if target != nil {
				target.resolve(p.value)
			}
			return
		}
		out, err := h.onFulfilled(p.value)
		p.settleTarget(target, out, err)
	case Rejected:
		if h.onRejected == nil {
			if target != nil {
				target.reject(p.reason)
			}
			return
		}
		out, err := h.onRejected(p.reason)
		p.settleTarget(target, out, err)
	}
}

func (p *Promise) settleTarget(target *Promise, out any, err error) {
	if target == nil {
		return
	}
	if err != nil {
		target.reject(err)
		return
	}
	target.resolve(out)
}
