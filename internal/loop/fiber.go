package loop

import (
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"
)

// Awaitable is anything a fiber can suspend on. The promise package
// implements it.
type Awaitable interface {
	// Settled reports whether the value or reason is available.
	Settled() bool
	// Result returns the settled value or reason. Only valid once Settled.
	Result() (any, error)
}

type fiberState int

const (
	fiberCreated fiberState = iota
	fiberRunning
	fiberSuspended
	fiberDone
)

type resumeMsg struct {
	value any
	err   error
}

// Fiber is a resumable computation backed by a goroutine. The loop and the
// fiber goroutine hand control back and forth over unbuffered channels, so
// exactly one of them runs at any time.
type Fiber struct {
	id    string
	loop  *Loop
	state fiberState

	resume chan resumeMsg
	yield  chan struct{}

	awaiting Awaitable
	value    any
	err      error
}

// ID returns the fiber's opaque identifier.
func (f *Fiber) ID() string { return f.id }

// Done reports whether the fiber body has returned or panicked.
func (f *Fiber) Done() bool { return f.state == fiberDone }

// Value returns the fiber's return value once done.
func (f *Fiber) Value() any { return f.value }

// Err returns the fiber's error once done.
func (f *Fiber) Err() error { return f.err }

// Await suspends the fiber until aw settles, then returns its outcome.
// Must be called from the fiber's own goroutine.
func (f *Fiber) Await(aw Awaitable) (any, error) {
	if aw.Settled() {
		return aw.Result()
	}
	f.awaiting = aw
	f.yield <- struct{}{}
	msg := <-f.resume
	return msg.value, msg.err
}

// fiberManager tracks spawned fibers and resumes those whose awaited
// promise has settled.
type fiberManager struct {
	loop    *Loop
	fibers  []*Fiber
	current *Fiber
}

func newFiberManager(l *Loop) *fiberManager {
	return &fiberManager{loop: l}
}

// Spawn creates a fiber running fn. The body starts on the next scan, not
// inline with the caller.
func (m *fiberManager) Spawn(fn func() (any, error)) *Fiber {
	f := &Fiber{
		id:     uuid.NewString(),
		loop:   m.loop,
		state:  fiberCreated,
		resume: make(chan resumeMsg),
		yield:  make(chan struct{}),
	}
	go func() {
		<-f.resume // wait for the first scheduling step
		defer func() {
			if r := recover(); r != nil {
				f.value = nil
				f.err = fmt.Errorf("fiber panicked: %v\n%s", r, debug.Stack())
			}
			f.state = fiberDone
			f.awaiting = nil
			f.yield <- struct{}{}
		}()
		f.value, f.err = fn()
	}()
	m.fibers = append(m.fibers, f)
	return f
}

// step hands control to the fiber and blocks until it suspends or finishes.
func (m *fiberManager) step(f *Fiber, msg resumeMsg) {
	f.state = fiberRunning
	f.awaiting = nil
	m.current = f
	f.resume <- msg
	<-f.yield
	m.current = nil
	if f.state != fiberDone {
		f.state = fiberSuspended
	}
}

// Resume resumes a suspended fiber with a value, bypassing its awaited
// promise.
func (m *fiberManager) Resume(f *Fiber, value any) {
	if f.state != fiberSuspended {
		return
	}
	m.step(f, resumeMsg{value: value})
}

// Reject resumes a suspended fiber with an error; the error is returned
// from the fiber's pending Await.
func (m *fiberManager) Reject(f *Fiber, reason error) {
	if f.state != fiberSuspended {
		return
	}
	m.step(f, resumeMsg{err: reason})
}

// scan starts new fibers and resumes any whose awaited promise settled.
// Returns true if any fiber ran.
func (m *fiberManager) scan() bool {
	ran := false
	// Iterate over a snapshot: running a fiber may spawn more.
	batch := m.fibers
	for _, f := range batch {
		switch f.state {
		case fiberCreated:
			m.step(f, resumeMsg{})
			ran = true
		case fiberSuspended:
			if f.awaiting != nil && f.awaiting.Settled() {
				v, err := f.awaiting.Result()
				m.step(f, resumeMsg{value: v, err: err})
				ran = true
			}
		}
	}
	m.compact()
	return ran
}

func (m *fiberManager) compact() {
	kept := m.fibers[:0]
	for _, f := range m.fibers {
		if f.state != fiberDone {
			kept = append(kept, f)
		}
	}
	m.fibers = kept
}

// HasActive reports whether any fiber has not yet terminated.
func (m *fiberManager) HasActive() bool {
	return len(m.fibers) > 0
}

// hasRunnable reports whether a fiber could run right now.
func (m *fiberManager) hasRunnable() bool {
	for _, f := range m.fibers {
		if f.state == fiberCreated {
			return true
		}
		if f.state == fiberSuspended && f.awaiting != nil && f.awaiting.Settled() {
			return true
		}
	}
	return false
}
