package mysql

import (
	"errors"
	"testing"
	"time"

	"github.com/asyncloop/asyncloop/internal/loop"
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

func startServer(t *testing.T, opts mysqltest.Options) *mysqltest.Server {
	t.Helper()
	srv, err := mysqltest.Start(opts)
	if err != nil {
		t.Fatalf("starting server double: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(srv *mysqltest.Server) Config {
	return Config{
		Host:        srv.Host,
		Port:        srv.Port,
		Username:    "app",
		Password:    "secret",
		DBName:      "appdb",
		DialTimeout: 2 * time.Second,
	}
}

func connect(t *testing.T, l *loop.Loop, cfg Config) *Conn {
	t.Helper()
	v, err := promise.Await(Connect(l, cfg))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	return v.(*Conn)
}

func TestConnectAndQueryTextProtocol(t *testing.T) {
	for _, deprecate := range []bool{false, true} {
		name := "classic_eof"
		if deprecate {
			name = "deprecate_eof"
		}
		t.Run(name, func(t *testing.T) {
			srv := startServer(t, mysqltest.Options{DeprecateEOF: deprecate})
			l := newTestLoop(t)

			v, err := promise.Run(l, func() (any, error) {
				cv, err := promise.Await(Connect(l, testConfig(srv)))
				if err != nil {
					return nil, err
				}
				conn := cv.(*Conn)
				defer conn.Close()

				rv, err := promise.Await(conn.Query("SELECT 1 AS n"))
				if err != nil {
					return nil, err
				}
				return rv, nil
			})
			if err != nil {
				t.Fatalf("fiber: %v", err)
			}

			rows, ok := v.(*Rows)
			if !ok {
				t.Fatalf("result %T, want *Rows", v)
			}
			maps := rows.Maps()
			if len(maps) != 1 || maps[0]["n"] != "1" {
				t.Fatalf("rows %v, want [{n: 1}]", maps)
			}
		})
	}
}

func TestQueryReturnsOKForNonSelect(t *testing.T) {
	srv := startServer(t, mysqltest.Options{})
	l := newTestLoop(t)

	v, err := promise.Run(l, func() (any, error) {
		conn := connect(t, l, testConfig(srv))
		defer conn.Close()
		return promise.Await(conn.Query("UPDATE t SET x = 1"))
	})
	if err != nil {
		t.Fatalf("fiber: %v", err)
	}
	ok, isOK := v.(*OK)
	if !isOK {
		t.Fatalf("result %T, want *OK", v)
	}
	if ok.AffectedRows != 1 {
		t.Errorf("affected rows %d, want 1", ok.AffectedRows)
	}
}

func TestPing(t *testing.T) {
	srv := startServer(t, mysqltest.Options{})
	l := newTestLoop(t)

	_, err := promise.Run(l, func() (any, error) {
		conn := connect(t, l, testConfig(srv))
		defer conn.Close()
		return promise.Await(conn.Ping())
	})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestPrepareExecuteBinaryProtocol(t *testing.T) {
	srv := startServer(t, mysqltest.Options{})
	l := newTestLoop(t)

	v, err := promise.Run(l, func() (any, error) {
		conn := connect(t, l, testConfig(srv))
		defer conn.Close()

		sv, err := promise.Await(conn.Prepare("SELECT ? + ? AS s"))
		if err != nil {
			return nil, err
		}
		stmt := sv.(*Statement)
		if stmt.ParamCount() != 2 {
			t.Errorf("param count %d, want 2", stmt.ParamCount())
		}

		rv, err := promise.Await(stmt.Execute([]any{int64(2), int64(3)}))
		if err != nil {
			return nil, err
		}
		if _, err := promise.Await(stmt.Close()); err != nil {
			return nil, err
		}
		return rv, nil
	})
	if err != nil {
		t.Fatalf("fiber: %v", err)
	}

	rows, ok := v.(*Rows)
	if !ok {
		t.Fatalf("result %T, want *Rows", v)
	}
	if len(rows.Values) != 1 {
		t.Fatalf("rows %v", rows.Values)
	}
	// The sum arrives as a typed integer, not a string.
	if rows.Values[0][0] != int64(5) {
		t.Fatalf("sum %v (%T), want int64(5)", rows.Values[0][0], rows.Values[0][0])
	}
}

func TestExecuteParamCountMismatch(t *testing.T) {
	srv := startServer(t, mysqltest.Options{})
	l := newTestLoop(t)

	_, err := promise.Run(l, func() (any, error) {
		conn := connect(t, l, testConfig(srv))
		defer conn.Close()

		sv, err := promise.Await(conn.Prepare("SELECT ? + ? AS s"))
		if err != nil {
			return nil, err
		}
		return promise.Await(sv.(*Statement).Execute([]any{int64(1)}))
	})

	var ue *UsageError
	if !errors.As(err, &ue) {
		t.Fatalf("error %v, want UsageError", err)
	}
}

func TestAuthRejection(t *testing.T) {
	srv := startServer(t, mysqltest.Options{RejectAuth: true})
	l := newTestLoop(t)

	_, err := promise.Run(l, func() (any, error) {
		return promise.Await(Connect(l, testConfig(srv)))
	})

	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("error %v, want AuthError", err)
	}
}

func TestConnectRefused(t *testing.T) {
	l := newTestLoop(t)

	_, err := promise.Run(l, func() (any, error) {
		return promise.Await(Connect(l, Config{
			Host:        "127.0.0.1",
			Port:        1, // nothing listens here
			Username:    "app",
			DialTimeout: time.Second,
		}))
	})

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("error %v, want TransportError", err)
	}
}

func TestCommandsSerializeOverMutex(t *testing.T) {
	srv := startServer(t, mysqltest.Options{})
	l := newTestLoop(t)

	_, err := promise.Run(l, func() (any, error) {
		conn := connect(t, l, testConfig(srv))
		defer conn.Close()

		// Issue both commands without awaiting in between: the mutex must
		// sequence them over the single wire.
		p1 := conn.Query("SELECT 1 AS n")
		p2 := conn.Ping()
		if _, err := promise.Await(p1); err != nil {
			return nil, err
		}
		return promise.Await(p2)
	})
	if err != nil {
		t.Fatalf("interleaved commands: %v", err)
	}
}

func TestIsolationLevelValidation(t *testing.T) {
	l := newTestLoop(t)
	c := &Conn{loop: l}

	_, err := promise.Await(c.BeginTransaction("CHAOS MODE"))
	var ue *UsageError
	if !errors.As(err, &ue) {
		t.Fatalf("error %v, want UsageError", err)
	}
}

func TestTransactionRoundTrip(t *testing.T) {
	srv := startServer(t, mysqltest.Options{})
	l := newTestLoop(t)

	_, err := promise.Run(l, func() (any, error) {
		conn := connect(t, l, testConfig(srv))
		defer conn.Close()

		if _, err := promise.Await(conn.BeginTransaction(LevelReadCommitted)); err != nil {
			return nil, err
		}
		if _, err := promise.Await(conn.Savepoint("sp1")); err != nil {
			return nil, err
		}
		if _, err := promise.Await(conn.RollbackTo("sp1")); err != nil {
			return nil, err
		}
		return promise.Await(conn.Commit())
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}
