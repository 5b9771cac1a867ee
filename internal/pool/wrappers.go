package pool

import (
	"github.com/asyncloop/asyncloop/internal/mysql"
	"github.com/asyncloop/asyncloop/internal/promise"
)

// Tx pins a connection for the lifetime of a transaction. The pool never
// reissues the connection to other callers until Commit or Rollback
// releases it; release happens exactly once.
type Tx struct {
	pool     *Pool
	conn     *mysql.Conn
	released bool
}

// Begin acquires a connection, starts a transaction at the given isolation
// level, and resolves with a *Tx bound to that connection.
func (p *Pool) Begin(level string) *promise.Promise {
	return p.Get().Then(func(v any) (any, error) {
		conn := v.(*mysql.Conn)
		return conn.BeginTransaction(level).Then(func(any) (any, error) {
			return &Tx{pool: p, conn: conn}, nil
		}, func(err error) (any, error) {
			p.Release(conn)
			return nil, err
		}), nil
	}, nil)
}

// Conn exposes the pinned connection.
func (t *Tx) Conn() *mysql.Conn { return t.conn }

// Query runs a statement inside the transaction.
func (t *Tx) Query(sql string) *promise.Promise {
	if t.released {
		return promise.Reject(t.pool.loop, &mysql.UsageError{Msg: "transaction already finished"})
	}
	return t.conn.Query(sql)
}

// Prepare prepares a statement on the transaction's connection.
func (t *Tx) Prepare(sql string) *promise.Promise {
	if t.released {
		return promise.Reject(t.pool.loop, &mysql.UsageError{Msg: "transaction already finished"})
	}
	return t.conn.Prepare(sql)
}

// Savepoint creates a named savepoint inside the transaction.
func (t *Tx) Savepoint(name string) *promise.Promise {
	if t.released {
		return promise.Reject(t.pool.loop, &mysql.UsageError{Msg: "transaction already finished"})
	}
	return t.conn.Savepoint(name)
}

// RollbackTo rolls back to a named savepoint.
func (t *Tx) RollbackTo(name string) *promise.Promise {
	if t.released {
		return promise.Reject(t.pool.loop, &mysql.UsageError{Msg: "transaction already finished"})
	}
	return t.conn.RollbackTo(name)
}

// Commit commits and releases the connection back to the pool.
func (t *Tx) Commit() *promise.Promise {
	return t.finish(func() *promise.Promise { return t.conn.Commit() })
}

// Rollback aborts and releases the connection back to the pool.
func (t *Tx) Rollback() *promise.Promise {
	return t.finish(func() *promise.Promise { return t.conn.Rollback() })
}

func (t *Tx) finish(op func() *promise.Promise) *promise.Promise {
	if t.released {
		return promise.Reject(t.pool.loop, &mysql.UsageError{Msg: "transaction already finished"})
	}
	t.released = true
	return op().Finally(func() error {
		t.pool.Release(t.conn)
		return nil
	})
}

// Stmt pins a connection for the lifetime of a prepared statement, since
// statement ids are scoped to the connection that prepared them.
type Stmt struct {
	pool     *Pool
	conn     *mysql.Conn
	stmt     *mysql.Statement
	released bool
}

// Prepare acquires a connection, prepares sql on it, and resolves with a
// *Stmt holding the connection out of the pool until Close.
func (p *Pool) Prepare(sql string) *promise.Promise {
	return p.Get().Then(func(v any) (any, error) {
		conn := v.(*mysql.Conn)
		return conn.Prepare(sql).Then(func(sv any) (any, error) {
			return &Stmt{pool: p, conn: conn, stmt: sv.(*mysql.Statement)}, nil
		}, func(err error) (any, error) {
			p.Release(conn)
			return nil, err
		}), nil
	}, nil)
}

// Statement exposes the underlying prepared statement.
func (s *Stmt) Statement() *mysql.Statement { return s.stmt }

// Execute runs the statement with params.
func (s *Stmt) Execute(params []any) *promise.Promise {
	if s.released {
		return promise.Reject(s.pool.loop, &mysql.UsageError{Msg: "statement already closed"})
	}
	return s.stmt.Execute(params)
}

// Close deallocates the statement and releases its connection exactly
// once. Subsequent calls resolve immediately.
func (s *Stmt) Close() *promise.Promise {
	if s.released {
		return promise.Resolved(s.pool.loop, nil)
	}
	s.released = true
	return s.stmt.Close().Finally(func() error {
		s.pool.Release(s.conn)
		return nil
	})
}
