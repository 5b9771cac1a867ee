package pool

import (
	"testing"
	"time"

	"github.com/asyncloop/asyncloop/internal/mysql"
	"github.com/asyncloop/asyncloop/internal/promise"
)

func TestPooledTransactionPinsConnection(t *testing.T) {
	srv := startServer(t)
	l := newTestLoop(t)
	p := testPool(t, l, srv, 2)

	_, err := promise.Run(l, func() (any, error) {
		tv, err := promise.Await(p.Begin(mysql.LevelRepeatableRead))
		if err != nil {
			return nil, err
		}
		tx := tv.(*Tx)

		if _, err := promise.Await(tx.Query("UPDATE t SET x = 1")); err != nil {
			return nil, err
		}
		if _, err := promise.Await(tx.Savepoint("sp1")); err != nil {
			return nil, err
		}

		// The pinned connection is held out of the pool.
		if s := p.Stats(); s.Idle != 0 || s.Active != 1 {
			t.Errorf("stats during transaction %+v", s)
		}

		if _, err := promise.Await(tx.Commit()); err != nil {
			return nil, err
		}

		// Commit after commit is a usage error, and release happened once.
		if _, err := promise.Await(tx.Commit()); err == nil {
			t.Error("second commit succeeded")
		}

		for p.Stats().Idle == 0 {
			if _, err := promise.Await(promise.Delay(l, 5*time.Millisecond).Promise); err != nil {
				return nil, err
			}
		}
		if s := p.Stats(); s.Total != 1 {
			t.Errorf("stats after commit %+v", s)
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("fiber: %v", err)
	}
}

func TestPooledTransactionRollbackReleases(t *testing.T) {
	srv := startServer(t)
	l := newTestLoop(t)
	p := testPool(t, l, srv, 1)

	_, err := promise.Run(l, func() (any, error) {
		tv, err := promise.Await(p.Begin(""))
		if err != nil {
			return nil, err
		}
		tx := tv.(*Tx)
		if _, err := promise.Await(tx.Rollback()); err != nil {
			return nil, err
		}
		// The single connection is available again.
		cv, err := promise.Await(p.Get())
		if err != nil {
			return nil, err
		}
		p.Release(cv.(*mysql.Conn))
		return nil, nil
	})
	if err != nil {
		t.Fatalf("fiber: %v", err)
	}
}

func TestPooledStatementReleasesOnClose(t *testing.T) {
	srv := startServer(t)
	l := newTestLoop(t)
	p := testPool(t, l, srv, 1)

	_, err := promise.Run(l, func() (any, error) {
		sv, err := promise.Await(p.Prepare("SELECT ? + ? AS s"))
		if err != nil {
			return nil, err
		}
		stmt := sv.(*Stmt)

		rv, err := promise.Await(stmt.Execute([]any{int64(4), int64(6)}))
		if err != nil {
			return nil, err
		}
		rows := rv.(*mysql.Rows)
		if rows.Values[0][0] != int64(10) {
			t.Errorf("sum %v, want 10", rows.Values[0][0])
		}

		if _, err := promise.Await(stmt.Close()); err != nil {
			return nil, err
		}
		// Idempotent close.
		if _, err := promise.Await(stmt.Close()); err != nil {
			return nil, err
		}

		// The connection is back; a plain Get succeeds on a 1-conn pool.
		cv, err := promise.Await(p.Get())
		if err != nil {
			return nil, err
		}
		p.Release(cv.(*mysql.Conn))
		return nil, nil
	})
	if err != nil {
		t.Fatalf("fiber: %v", err)
	}
}

func TestBeginInvalidIsolationReleasesConnection(t *testing.T) {
	srv := startServer(t)
	l := newTestLoop(t)
	p := testPool(t, l, srv, 1)

	_, err := promise.Run(l, func() (any, error) {
		if _, err := promise.Await(p.Begin("BOGUS LEVEL")); err == nil {
			t.Error("begin with bogus isolation succeeded")
		}
		// The connection must not leak.
		cv, err := promise.Await(p.Get())
		if err != nil {
			return nil, err
		}
		p.Release(cv.(*mysql.Conn))
		return nil, nil
	})
	if err != nil {
		t.Fatalf("fiber: %v", err)
	}
}
