// Package pool provides a bounded MySQL connection pool with FIFO waiters.
// All pool state lives on the loop goroutine; acquisition returns a
// promise so callers' fibers suspend instead of blocking.
package pool

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/asyncloop/asyncloop/internal/loop"
	"github.com/asyncloop/asyncloop/internal/mysql"
	"github.com/asyncloop/asyncloop/internal/promise"
)

// ErrClosed rejects waiters and acquisitions after Close.
var ErrClosed = errors.New("pool: closed")

// Stats holds connection pool statistics.
type Stats struct {
	Active    int   `json:"active"`
	Idle      int   `json:"idle"`
	Total     int   `json:"total"`
	Waiting   int   `json:"waiting"`
	MaxConns  int   `json:"max_connections"`
	Exhausted int64 `json:"pool_exhausted_total"`
}

// OnExhausted is called when the pool reaches max connections and a caller
// must wait.
type OnExhausted func()

// Config sizes the pool.
type Config struct {
	MaxConnections int
	IdleTimeout    time.Duration
	MaxLifetime    time.Duration
	AcquireTimeout time.Duration
}

type waiter struct {
	resolve promise.ResolveFunc
	reject  promise.RejectFunc
	timerID string
}

type idleEntry struct {
	conn  *mysql.Conn
	since time.Time
}

// Pool is a bounded set of MySQL connections multiplexed across callers.
// Invariants: total ≤ max; a queued waiter is served before a released
// connection is re-queued.
type Pool struct {
	loop  *loop.Loop
	db    mysql.Config
	cfg   Config
	total int

	idle    []idleEntry // FIFO: dequeue from the front
	waiters []*waiter   // FIFO

	closed      bool
	stopReap    chan struct{}
	onExhausted OnExhausted

	statActive    atomic.Int64
	statIdle      atomic.Int64
	statWaiting   atomic.Int64
	statExhausted atomic.Int64
}

// New creates a pool. Connections are dialed lazily on demand.
func New(l *loop.Loop, db mysql.Config, cfg Config) *Pool {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 10 * time.Second
	}
	p := &Pool{loop: l, db: db, cfg: cfg, stopReap: make(chan struct{})}
	go p.reapLoop()
	return p
}

// SetOnExhausted sets the exhaustion callback.
func (p *Pool) SetOnExhausted(cb OnExhausted) {
	p.onExhausted = cb
}

// Stats returns a snapshot, safe to read from any goroutine.
func (p *Pool) Stats() Stats {
	idle := int(p.statIdle.Load())
	active := int(p.statActive.Load())
	return Stats{
		Active:    active,
		Idle:      idle,
		Total:     active + idle,
		Waiting:   int(p.statWaiting.Load()),
		MaxConns:  p.cfg.MaxConnections,
		Exhausted: p.statExhausted.Load(),
	}
}

func (p *Pool) syncStats() {
	p.statIdle.Store(int64(len(p.idle)))
	p.statActive.Store(int64(p.total - len(p.idle)))
	p.statWaiting.Store(int64(len(p.waiters)))
}

// Get acquires a connection: an idle one immediately, a fresh dial while
// under the limit, or a FIFO waiter slot otherwise.
func (p *Pool) Get() *promise.Promise {
	if p.closed {
		return promise.Reject(p.loop, ErrClosed)
	}

	if len(p.idle) > 0 {
		entry := p.idle[0]
		p.idle = p.idle[1:]
		p.syncStats()
		return promise.Resolved(p.loop, entry.conn)
	}

	if p.total < p.cfg.MaxConnections {
		p.total++
		p.syncStats()
		return mysql.Connect(p.loop, p.db).Catch(func(err error) (any, error) {
			p.total--
			p.syncStats()
			return nil, err
		})
	}

	// Pool exhausted: queue a waiter.
	p.statExhausted.Add(1)
	if p.onExhausted != nil {
		p.onExhausted()
	}

	out, resolve, reject := promise.New(p.loop)
	w := &waiter{resolve: resolve, reject: reject}
	w.timerID = p.loop.AddTimer(p.cfg.AcquireTimeout, func() {
		p.dropWaiter(w)
		reject(&promise.TimeoutError{After: p.cfg.AcquireTimeout})
	})
	p.waiters = append(p.waiters, w)
	p.syncStats()
	return out
}

func (p *Pool) dropWaiter(w *waiter) {
	for i, cand := range p.waiters {
		if cand == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.syncStats()
}

// popWaiter removes and returns the head waiter, cancelling its timer.
func (p *Pool) popWaiter() *waiter {
	if len(p.waiters) == 0 {
		return nil
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.loop.CancelTimer(w.timerID)
	p.syncStats()
	return w
}

// Release returns a connection to the pool. The connection is pinged and
// its session state reset before reuse; a dead connection is dropped and,
// when waiters are queued, replaced with a fresh dial.
func (p *Pool) Release(conn *mysql.Conn) {
	if p.closed {
		p.discard(conn)
		return
	}
	if !conn.Alive() {
		p.dropAndReplace(conn)
		return
	}

	conn.Ping().Then(func(any) (any, error) {
		return conn.Reset(), nil
	}, nil).Then(func(any) (any, error) {
		p.handOff(conn)
		return nil, nil
	}, func(err error) (any, error) {
		slog.Warn("released connection failed liveness check", "err", err)
		p.dropAndReplace(conn)
		return nil, nil
	})
}

// handOff gives a healthy connection to the head waiter, or parks it idle.
func (p *Pool) handOff(conn *mysql.Conn) {
	if p.closed {
		p.discard(conn)
		return
	}
	if w := p.popWaiter(); w != nil {
		w.resolve(conn)
		return
	}
	p.idle = append(p.idle, idleEntry{conn: conn, since: time.Now()})
	p.syncStats()
}

// discard closes a connection without returning it.
func (p *Pool) discard(conn *mysql.Conn) {
	p.total--
	p.syncStats()
	conn.Close()
}

// dropAndReplace discards a dead connection and, if anyone is waiting,
// dials a replacement on their behalf.
func (p *Pool) dropAndReplace(conn *mysql.Conn) {
	p.discard(conn)
	if len(p.waiters) == 0 || p.total >= p.cfg.MaxConnections {
		return
	}
	p.total++
	p.syncStats()
	mysql.Connect(p.loop, p.db).Then(func(v any) (any, error) {
		p.handOff(v.(*mysql.Conn))
		return nil, nil
	}, func(err error) (any, error) {
		p.total--
		p.syncStats()
		if w := p.popWaiter(); w != nil {
			w.reject(err)
		}
		return nil, nil
	})
}

// Close drains idle connections with COM_QUIT and rejects every pending
// waiter. The returned promise resolves once the quit packets are written.
func (p *Pool) Close() *promise.Promise {
	if p.closed {
		return promise.Resolved(p.loop, nil)
	}
	p.closed = true
	close(p.stopReap)

	for _, w := range p.waiters {
		p.loop.CancelTimer(w.timerID)
		w.reject(ErrClosed)
	}
	p.waiters = nil

	closing := make([]*promise.Promise, 0, len(p.idle))
	for _, entry := range p.idle {
		p.total--
		closing = append(closing, entry.conn.Close())
	}
	p.idle = nil
	p.syncStats()
	return promise.All(p.loop, closing)
}

// Closed reports whether Close has been called.
func (p *Pool) Closed() bool { return p.closed }

// reapLoop ticks on its own goroutine so an idle pool never keeps the
// loop awake; the actual reap runs on the loop via Submit.
func (p *Pool) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.loop.Submit(func() {
				if !p.closed {
					p.reapIdle()
				}
			})
		case <-p.stopReap:
			return
		}
	}
}

// reapIdle closes idle connections past their idle timeout or lifetime.
func (p *Pool) reapIdle() {
	now := time.Now()
	kept := p.idle[:0]
	for _, entry := range p.idle {
		expired := p.cfg.MaxLifetime > 0 && now.Sub(entry.conn.CreatedAt()) > p.cfg.MaxLifetime
		stale := p.cfg.IdleTimeout > 0 && now.Sub(entry.since) > p.cfg.IdleTimeout
		if expired || stale {
			p.total--
			entry.conn.Close()
			continue
		}
		kept = append(kept, entry)
	}
	p.idle = kept
	p.syncStats()
}
