package mysql

import (
	"encoding/binary"
	"fmt"

	"github.com/asyncloop/asyncloop/internal/promise"
)

// Statement is a server-side prepared statement bound to one connection.
// Closing it releases the server-side resources.
type Statement struct {
	conn        *Conn
	id          uint32
	paramCount  int
	columnCount int
	closed      bool
}

// ID returns the server-assigned statement id.
func (s *Statement) ID() uint32 { return s.id }

// ParamCount returns the number of placeholders.
func (s *Statement) ParamCount() int { return s.paramCount }

// ColumnCount returns the number of result columns reported at prepare.
func (s *Statement) ColumnCount() int { return s.columnCount }

// Conn returns the owning connection.
func (s *Statement) Conn() *Conn { return s.conn }

// Prepare sends COM_STMT_PREPARE and resolves with a *Statement.
func (c *Conn) Prepare(sql string) *promise.Promise {
	payload := make([]byte, 0, 1+len(sql))
	payload = append(payload, comStmtPrepare)
	payload = append(payload, sql...)
	return c.runCommand(payload, func(resolve promise.ResolveFunc, reject promise.RejectFunc) {
		c.readPrepareResponse(resolve, reject)
	})
}

// readPrepareResponse decodes COM_STMT_PREPARE_OK: 0x00 + statement_id(4)
// + column_count(2) + param_count(2) + filler(1) + warning_count(2),
// followed by param definitions and column definitions, each group
// terminated by EOF unless DEPRECATE_EOF is negotiated.
func (c *Conn) readPrepareResponse(resolve promise.ResolveFunc, reject promise.RejectFunc) {
	c.readPacket(func(pkt []byte, err error) {
		if err != nil {
			reject(c.fail(err))
			return
		}
		if len(pkt) == 0 {
			reject(c.fail(protocolErrorf("empty prepare response")))
			return
		}
		if pkt[0] == headerERR {
			reject(parseERR(pkt))
			return
		}
		if pkt[0] != headerOK || len(pkt) < 12 {
			reject(c.fail(protocolErrorf("malformed prepare response")))
			return
		}

		stmt := &Statement{
			conn:        c,
			id:          binary.LittleEndian.Uint32(pkt[1:5]),
			columnCount: int(binary.LittleEndian.Uint16(pkt[5:7])),
			paramCount:  int(binary.LittleEndian.Uint16(pkt[7:9])),
		}

		// Definition groups are read and discarded; execute re-reads the
		// column set with each result.
		c.skipDefinitionGroup(stmt.paramCount, func(err error) {
			if err != nil {
				reject(err)
				return
			}
			c.skipDefinitionGroup(stmt.columnCount, func(err error) {
				if err != nil {
					reject(err)
					return
				}
				resolve(stmt)
			})
		})
	})
}

// skipDefinitionGroup consumes count definition packets plus the trailing
// EOF in classic mode.
func (c *Conn) skipDefinitionGroup(count int, done func(error)) {
	if count == 0 {
		done(nil)
		return
	}

	remaining := count
	var next func()
	next = func() {
		if remaining == 0 {
			if c.deprecateEOF {
				done(nil)
				return
			}
			c.readPacket(func(pkt []byte, err error) {
				if err != nil {
					done(c.fail(err))
					return
				}
				if !isEOF(pkt) {
					done(c.fail(protocolErrorf("expected EOF after definitions, got 0x%02x", pkt[0])))
					return
				}
				done(nil)
			})
			return
		}
		c.readPacket(func(pkt []byte, err error) {
			if err != nil {
				done(c.fail(err))
				return
			}
			remaining--
			next()
		})
	}
	next()
}

// Execute runs the statement with params over the binary protocol,
// resolving with *OK or *Rows. A parameter-count mismatch is rejected
// before anything is sent.
func (s *Statement) Execute(params []any) *promise.Promise {
	c := s.conn
	if s.closed {
		return promise.Reject(c.loop, &UsageError{Msg: "statement is closed"})
	}
	if len(params) != s.paramCount {
		return promise.Reject(c.loop, &UsageError{
			Msg: fmt.Sprintf("statement expects %d parameters, got %d", s.paramCount, len(params)),
		})
	}

	payload := make([]byte, 0, 16)
	payload = append(payload, comStmtExecute)
	var idBuf [4]byte
	binary.LittleEndian.PutUint32(idBuf[:], s.id)
	payload = append(payload, idBuf[:]...)
	payload = append(payload, 0x00)             // CURSOR_TYPE_NO_CURSOR
	payload = append(payload, 1, 0, 0, 0)       // iteration count
	if s.paramCount > 0 {
		var err error
		payload, err = encodeBinaryParams(payload, params)
		if err != nil {
			return promise.Reject(c.loop, err)
		}
	}

	return c.runCommand(payload, func(resolve promise.ResolveFunc, reject promise.RejectFunc) {
		c.readResultSet(true, resolve, reject)
	})
}

// Close sends COM_STMT_CLOSE. The server sends no reply; the promise
// resolves once the packet is written. Closing twice is a no-op.
func (s *Statement) Close() *promise.Promise {
	c := s.conn
	if s.closed {
		return promise.Resolved(c.loop, nil)
	}
	s.closed = true
	if !c.Alive() {
		return promise.Resolved(c.loop, nil)
	}

	return c.mutex.WithLock(func() *promise.Promise {
		p, resolve, reject := promise.New(c.loop)
		payload := make([]byte, 5)
		payload[0] = comStmtClose
		binary.LittleEndian.PutUint32(payload[1:], s.id)
		c.seq = 0
		c.stream.WriteAll(framePacket(payload, &c.seq), func(err error) {
			if err != nil {
				reject(c.fail(&TransportError{Op: "stmt close", Err: err}))
				return
			}
			resolve(nil)
		})
		return p
	})
}
