package mysql

import (
	"strings"

	"github.com/asyncloop/asyncloop/internal/promise"
)

// Isolation levels accepted by BeginTransaction. Any other string is a
// usage error.
const (
	LevelRepeatableRead  = "REPEATABLE READ"
	LevelReadCommitted   = "READ COMMITTED"
	LevelReadUncommitted = "READ UNCOMMITTED"
	LevelSerializable    = "SERIALIZABLE"
)

var isolationLevels = map[string]bool{
	LevelRepeatableRead:  true,
	LevelReadCommitted:   true,
	LevelReadUncommitted: true,
	LevelSerializable:    true,
}

// BeginTransaction sets the isolation level for the next transaction and
// issues START TRANSACTION. An empty level keeps the session default.
func (c *Conn) BeginTransaction(level string) *promise.Promise {
	if level == "" {
		return c.Query("START TRANSACTION")
	}
	normalized := strings.ToUpper(strings.TrimSpace(level))
	if !isolationLevels[normalized] {
		return promise.Reject(c.loop, &UsageError{Msg: "invalid isolation level " + level})
	}
	return c.Query("SET TRANSACTION ISOLATION LEVEL " + normalized).Then(func(any) (any, error) {
		return c.Query("START TRANSACTION"), nil
	}, nil)
}

// Commit terminates the open transaction.
func (c *Conn) Commit() *promise.Promise {
	return c.Query("COMMIT")
}

// Rollback aborts the open transaction.
func (c *Conn) Rollback() *promise.Promise {
	return c.Query("ROLLBACK")
}

// Savepoint creates a named savepoint. The name is quoted as an
// identifier.
func (c *Conn) Savepoint(name string) *promise.Promise {
	return c.Query("SAVEPOINT " + quoteIdentifier(name))
}

// RollbackTo rolls back to a named savepoint.
func (c *Conn) RollbackTo(name string) *promise.Promise {
	return c.Query("ROLLBACK TO SAVEPOINT " + quoteIdentifier(name))
}

// ReleaseSavepoint discards a named savepoint.
func (c *Conn) ReleaseSavepoint(name string) *promise.Promise {
	return c.Query("RELEASE SAVEPOINT " + quoteIdentifier(name))
}

// SetAutocommit toggles the session autocommit mode.
func (c *Conn) SetAutocommit(on bool) *promise.Promise {
	return c.Query("SET autocommit=" + formatTextValue(on))
}

// Reset restores a connection to a reusable state: any open transaction is
// rolled back and autocommit is restored. Used by the pool before handing
// the connection to a new owner.
func (c *Conn) Reset() *promise.Promise {
	p := promise.Resolved(c.loop, nil)
	if c.inTx {
		p = p.Then(func(any) (any, error) {
			return c.Rollback(), nil
		}, nil)
	}
	if !c.autocommit {
		p = p.Then(func(any) (any, error) {
			return c.SetAutocommit(true), nil
		}, nil)
	}
	return p
}

// quoteIdentifier wraps name in backticks, doubling embedded backticks.
func quoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
