package pool

import (
	"errors"
	"testing"
	"time"

	"github.com/asyncloop/asyncloop/internal/loop"
	"github.com/asyncloop/asyncloop/internal/mysql"
	"github.com/asyncloop/asyncloop/internal/mysql/mysqltest"
	"github.com/asyncloop/asyncloop/internal/promise"
)

func newTestLoop(t *testing.T) *loop.Loop {
	t.Helper()
	l, err := loop.New(loop.Tuning{})
	if err != nil {
		t.Fatalf("creating loop: %v", err)
	}
	t.Cleanup(l.Close)
	return l
}

func startServer(t *testing.T) *mysqltest.Server {
	t.Helper()
	srv, err := mysqltest.Start(mysqltest.Options{})
	if err != nil {
		t.Fatalf("starting server double: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

func testPool(t *testing.T, l *loop.Loop, srv *mysqltest.Server, maxConns int) *Pool {
	t.Helper()
	return New(l, mysql.Config{
		Host:        srv.Host,
		Port:        srv.Port,
		Username:    "app",
		Password:    "secret",
		DialTimeout: 2 * time.Second,
	}, Config{
		MaxConnections: maxConns,
		AcquireTimeout: 2 * time.Second,
	})
}

func TestGetCreatesAndReusesConnections(t *testing.T) {
	srv := startServer(t)
	l := newTestLoop(t)
	p := testPool(t, l, srv, 4)

	_, err := promise.Run(l, func() (any, error) {
		cv, err := promise.Await(p.Get())
		if err != nil {
			return nil, err
		}
		first := cv.(*mysql.Conn)
		p.Release(first)

		// Wait for the release chain (ping + reset) to park it idle.
		for p.Stats().Idle == 0 {
			if _, err := promise.Await(promise.Delay(l, 5*time.Millisecond).Promise); err != nil {
				return nil, err
			}
		}

		cv, err = promise.Await(p.Get())
		if err != nil {
			return nil, err
		}
		second := cv.(*mysql.Conn)
		if second != first {
			t.Error("idle connection was not reused")
		}
		p.Release(second)
		return nil, nil
	})
	if err != nil {
		t.Fatalf("fiber: %v", err)
	}

	if _, err := promise.Await(p.Close()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if s := p.Stats(); s.Total != 0 {
		t.Errorf("stats after close %+v", s)
	}
}

func TestPoolFairnessUnderContention(t *testing.T) {
	srv := startServer(t)
	l := newTestLoop(t)
	p := testPool(t, l, srv, 2)

	// Pre-warm two connections so acquisition order is deterministic.
	_, err := promise.Run(l, func() (any, error) {
		a, err := promise.Await(p.Get())
		if err != nil {
			return nil, err
		}
		b, err := promise.Await(p.Get())
		if err != nil {
			return nil, err
		}
		p.Release(a.(*mysql.Conn))
		p.Release(b.(*mysql.Conn))
		for p.Stats().Idle < 2 {
			if _, err := promise.Await(promise.Delay(l, 5*time.Millisecond).Promise); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("pre-warm: %v", err)
	}

	var order []int
	start := time.Now()
	done := 0
	for i := 0; i < 4; i++ {
		i := i
		l.Spawn(func() (any, error) {
			cv, err := promise.Await(p.Get())
			if err != nil {
				return nil, err
			}
			order = append(order, i)
			promise.Await(promise.Delay(l, 50*time.Millisecond).Promise)
			p.Release(cv.(*mysql.Conn))
			done++
			return nil, nil
		})
	}
	if err := l.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	elapsed := time.Since(start)

	if done != 4 {
		t.Fatalf("%d of 4 fibers finished", done)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("acquisition order %v, want spawn order", order)
		}
	}
	// Two waves of two 50ms holds, plus release round-trips.
	if elapsed < 95*time.Millisecond || elapsed > 400*time.Millisecond {
		t.Errorf("contention run took %s, want ~100ms", elapsed)
	}
	if s := p.Stats(); s.Total > s.MaxConns {
		t.Errorf("pool exceeded max: %+v", s)
	}
}

func TestWaiterServedBeforeRequeue(t *testing.T) {
	srv := startServer(t)
	l := newTestLoop(t)
	p := testPool(t, l, srv, 1)

	_, err := promise.Run(l, func() (any, error) {
		cv, err := promise.Await(p.Get())
		if err != nil {
			return nil, err
		}
		held := cv.(*mysql.Conn)

		waiterServed := false
		p.Get().Then(func(v any) (any, error) {
			waiterServed = true
			p.Release(v.(*mysql.Conn))
			return nil, nil
		}, nil)

		if p.Stats().Waiting != 1 {
			t.Errorf("waiting %d, want 1", p.Stats().Waiting)
		}

		p.Release(held)

		for !waiterServed {
			if _, err := promise.Await(promise.Delay(l, 5*time.Millisecond).Promise); err != nil {
				return nil, err
			}
		}
		// The connection went straight to the waiter, never through idle.
		if p.Stats().Waiting != 0 {
			t.Errorf("waiting %d after release", p.Stats().Waiting)
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("fiber: %v", err)
	}
}

func TestAcquireTimeout(t *testing.T) {
	srv := startServer(t)
	l := newTestLoop(t)
	p := New(l, mysql.Config{
		Host:        srv.Host,
		Port:        srv.Port,
		Username:    "app",
		DialTimeout: time.Second,
	}, Config{
		MaxConnections: 1,
		AcquireTimeout: 50 * time.Millisecond,
	})

	_, err := promise.Run(l, func() (any, error) {
		cv, err := promise.Await(p.Get())
		if err != nil {
			return nil, err
		}
		defer p.Release(cv.(*mysql.Conn))

		// Second Get must time out while the only connection is held.
		_, err = promise.Await(p.Get())
		return nil, err
	})
	if !promise.IsTimeout(err) {
		t.Fatalf("error %v, want timeout", err)
	}
}

func TestCloseRejectsWaiters(t *testing.T) {
	srv := startServer(t)
	l := newTestLoop(t)
	p := testPool(t, l, srv, 1)

	_, err := promise.Run(l, func() (any, error) {
		cv, err := promise.Await(p.Get())
		if err != nil {
			return nil, err
		}
		held := cv.(*mysql.Conn)

		var waiterErr error
		p.Get().Catch(func(err error) (any, error) {
			waiterErr = err
			return nil, nil
		})

		if _, err := promise.Await(p.Close()); err != nil {
			return nil, err
		}
		for waiterErr == nil {
			if _, err := promise.Await(promise.Delay(l, 5*time.Millisecond).Promise); err != nil {
				return nil, err
			}
		}
		if !errors.Is(waiterErr, ErrClosed) {
			t.Errorf("waiter rejected with %v, want ErrClosed", waiterErr)
		}

		held.Close()
		return nil, nil
	})
	if err != nil {
		t.Fatalf("fiber: %v", err)
	}

	if _, err := promise.Await(p.Get()); !errors.Is(err, ErrClosed) {
		t.Errorf("get after close: %v", err)
	}
}

func TestGetAfterDialFailure(t *testing.T) {
	l := newTestLoop(t)
	p := New(l, mysql.Config{
		Host:        "127.0.0.1",
		Port:        1,
		Username:    "app",
		DialTimeout: time.Second,
	}, Config{MaxConnections: 2, AcquireTimeout: time.Second})

	_, err := promise.Run(l, func() (any, error) {
		return promise.Await(p.Get())
	})
	if err == nil {
		t.Fatal("get against a dead backend succeeded")
	}
	// The failed dial must give its slot back.
	if s := p.Stats(); s.Total != 0 {
		t.Errorf("stats after failed dial %+v", s)
	}
}
