package promise

import (
	"github.com/asyncloop/asyncloop/internal/loop"
)

// Mutex is a FIFO-fair async lock. Acquire returns a promise fulfilled
// when the caller owns the lock; Release hands ownership directly to the
// head waiter, so a later acquirer can never cut in.
type Mutex struct {
	loop    *loop.Loop
	locked  bool
	waiters []ResolveFunc
}

// NewMutex creates an unlocked async mutex.
func NewMutex(l *loop.Loop) *Mutex {
	return &Mutex{loop: l}
}

// Acquire returns a promise that fulfills once the lock is held.
func (m *Mutex) Acquire() *Promise {
	if !m.locked {
		m.locked = true
		return Resolved(m.loop, nil)
	}
	p, resolve, _ := New(m.loop)
	m.waiters = append(m.waiters, resolve)
	return p
}

// TryAcquire takes the lock if it is free, without queueing.
func (m *Mutex) TryAcquire() bool {
	if m.locked {
		return false
	}
	m.locked = true
	return true
}

// Release unlocks, waking the head waiter if one is queued. Releasing an
// unlocked mutex is a usage error.
func (m *Mutex) Release() error {
	if !m.locked {
		return &UsageError{Msg: "release of unlocked mutex"}
	}
	if len(m.waiters) > 0 {
		// Ownership passes directly; locked stays true so acquirers
		// arriving during the handoff queue behind the new owner.
		head := m.waiters[0]
		m.waiters = m.waiters[1:]
		head(nil)
		return nil
	}
	m.locked = false
	return nil
}

// Locked reports whether the lock is held.
func (m *Mutex) Locked() bool { return m.locked }

// Waiting returns the number of queued acquirers.
func (m *Mutex) Waiting() int { return len(m.waiters) }

// WithLock acquires the mutex, runs fn, and releases once the promise fn
// returns has settled. The returned promise carries fn's outcome.
func (m *Mutex) WithLock(fn func() *Promise) *Promise {
	return m.Acquire().Then(func(any) (any, error) {
		return fn().Finally(func() error {
			return m.Release()
		}), nil
	}, nil)
}
