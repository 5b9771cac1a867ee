// Package mysql implements a wire-level MySQL client driven by the event
// loop: packet framing, handshake and auth scrambles, COM_QUERY, prepared
// statements over the binary protocol, and transaction control. All I/O is
// readiness-driven; every command returns a promise.
package mysql

import (
	"time"

	"github.com/asyncloop/asyncloop/internal/loop"
	"github.com/asyncloop/asyncloop/internal/promise"
)

// Config holds the connection target and credentials.
type Config struct {
	Host        string
	Port        int
	Username    string
	Password    string
	DBName      string
	Charset     byte
	DialTimeout time.Duration
}

// Conn is a single MySQL connection with its protocol state machine. At
// most one command is on the wire at a time; the per-connection async
// mutex enforces it, keeping the sequence counter and packet stream
// coherent.
type Conn struct {
	loop   *loop.Loop
	stream *loop.Stream
	cfg    Config
	mutex  *promise.Mutex

	seq     uint8
	readBuf []byte

	caps          uint32
	deprecateEOF  bool
	serverStatus  uint16
	serverVersion string
	connectionID  uint32

	autocommit bool
	inTx       bool

	createdAt time.Time
	closed    bool
	broken    bool
}

// Connect dials the server and performs the connection phase. The returned
// promise resolves with a ready *Conn or rejects with an auth, protocol,
// or transport error.
func Connect(l *loop.Loop, cfg Config) *promise.Promise {
	p, resolve, reject := promise.New(l)
	if cfg.Charset == 0 {
		cfg.Charset = 0x21 // utf8_general_ci
	}
	if cfg.Port == 0 {
		cfg.Port = 3306
	}

	loop.Dial(l, cfg.Host, cfg.Port, cfg.DialTimeout, func(s *loop.Stream, err error) {
		if err != nil {
			reject(&TransportError{Op: "dial", Err: err})
			return
		}
		c := &Conn{
			loop:       l,
			stream:     s,
			cfg:        cfg,
			mutex:      promise.NewMutex(l),
			autocommit: true,
			createdAt:  time.Now(),
		}
		c.beginHandshake(resolve, reject)
	})
	return p
}

// Loop returns the loop this connection is driven by.
func (c *Conn) Loop() *loop.Loop { return c.loop }

// ServerVersion returns the server version string from the handshake.
func (c *Conn) ServerVersion() string { return c.serverVersion }

// ConnectionID returns the server-assigned thread id.
func (c *Conn) ConnectionID() uint32 { return c.connectionID }

// Alive reports whether the connection can still carry commands.
func (c *Conn) Alive() bool { return !c.closed && !c.broken }

// InTransaction reports whether a transaction is open per the server's
// status flags.
func (c *Conn) InTransaction() bool { return c.inTx }

// Autocommit reports the tracked autocommit state.
func (c *Conn) Autocommit() bool { return c.autocommit }

// CreatedAt returns when the connection was established.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// --- connection phase ---

func (c *Conn) beginHandshake(resolve promise.ResolveFunc, reject promise.RejectFunc) {
	c.readPacket(func(pkt []byte, err error) {
		if err != nil {
			c.abandon()
			reject(err)
			return
		}
		if len(pkt) > 0 && pkt[0] == headerERR {
			c.abandon()
			reject(&AuthError{Msg: parseERR(pkt).Message})
			return
		}

		h, err := parseHandshake(pkt)
		if err != nil {
			c.abandon()
			reject(err)
			return
		}
		if h.capabilities&capProtocol41 == 0 {
			c.abandon()
			reject(protocolErrorf("server does not speak protocol 4.1"))
			return
		}
		c.serverVersion = h.serverVersion
		c.connectionID = h.connectionID

		caps := capLongPassword | capProtocol41 | capSecureConn | capPluginAuth |
			capTransactions | capMultiResults
		if c.cfg.DBName != "" {
			caps |= capConnectWithDB
		}
		if h.capabilities&capDeprecateEOF != 0 {
			caps |= capDeprecateEOF
			c.deprecateEOF = true
		}
		c.caps = caps

		authResp, scrErr := scramblePassword(h.authPlugin, c.cfg.Password, h.authData)
		if scrErr != nil {
			// Unknown plugin: send an empty response and let the server
			// issue an AuthSwitchRequest for one we support.
			authResp = nil
		}

		payload := buildHandshakeResponse(caps, c.cfg.Charset, c.cfg.Username, c.cfg.DBName, h.authPlugin, authResp)
		c.send(payload, func(err error) {
			if err != nil {
				c.abandon()
				reject(&TransportError{Op: "handshake response", Err: err})
				return
			}
			c.readAuthResult(resolve, reject)
		})
	})
}

func (c *Conn) readAuthResult(resolve promise.ResolveFunc, reject promise.RejectFunc) {
	c.readPacket(func(pkt []byte, err error) {
		if err != nil {
			c.abandon()
			reject(err)
			return
		}
		if len(pkt) == 0 {
			c.abandon()
			reject(protocolErrorf("empty auth result packet"))
			return
		}
		switch pkt[0] {
		case headerOK:
			ok, parseErr := parseOK(pkt)
			if parseErr != nil {
				c.abandon()
				reject(parseErr)
				return
			}
			c.applyStatus(ok.Status)
			resolve(c)

		case headerERR:
			c.abandon()
			reject(&AuthError{Msg: parseERR(pkt).Message})

		case headerEOF:
			plugin, data, parseErr := parseAuthSwitch(pkt)
			if parseErr != nil {
				c.abandon()
				reject(parseErr)
				return
			}
			authResp, scrErr := scramblePassword(plugin, c.cfg.Password, data)
			if scrErr != nil {
				c.abandon()
				reject(scrErr)
				return
			}
			c.send(authResp, func(err error) {
				if err != nil {
					c.abandon()
					reject(&TransportError{Op: "auth switch response", Err: err})
					return
				}
				c.readAuthResult(resolve, reject)
			})

		case headerAuthMore:
			// caching_sha2_password extra round.
			if len(pkt) >= 2 && pkt[1] == fastAuthSuccess {
				c.readAuthResult(resolve, reject)
				return
			}
			if len(pkt) >= 2 && pkt[1] == fullAuthNeeded {
				c.abandon()
				reject(&AuthError{Msg: "caching_sha2_password full authentication requires TLS"})
				return
			}
			c.abandon()
			reject(protocolErrorf("unexpected auth-more-data byte 0x%02x", pkt[1]))

		default:
			c.abandon()
			reject(protocolErrorf("unexpected auth response byte 0x%02x", pkt[0]))
		}
	})
}

// --- packet I/O ---

// readPacket delivers the next payload, joining continuation frames and
// enforcing the sequence discipline. The callback runs on the loop.
func (c *Conn) readPacket(cb func(payload []byte, err error)) {
	if len(c.readBuf) >= 4 {
		length := int(c.readBuf[0]) | int(c.readBuf[1])<<8 | int(c.readBuf[2])<<16
		if len(c.readBuf) >= 4+length {
			seq := c.readBuf[3]
			payload := make([]byte, length)
			copy(payload, c.readBuf[4:4+length])
			c.readBuf = c.readBuf[4+length:]

			if seq != c.seq {
				cb(nil, protocolErrorf("sequence mismatch: got %d, want %d", seq, c.seq))
				return
			}
			c.seq++

			if length == maxPacketPayload {
				c.readPacket(func(next []byte, err error) {
					if err != nil {
						cb(nil, err)
						return
					}
					cb(append(payload, next...), nil)
				})
				return
			}
			cb(payload, nil)
			return
		}
	}

	c.stream.OnReadable(func() {
		var buf [16 * 1024]byte
		for {
			n, err := c.stream.Read(buf[:])
			if err == loop.ErrWouldBlock {
				break
			}
			if err != nil {
				cb(nil, &TransportError{Op: "read", Err: err})
				return
			}
			c.readBuf = append(c.readBuf, buf[:n]...)
			if n < len(buf) {
				break
			}
		}
		c.readPacket(cb)
	})
}

// send frames payload with the current sequence counter and writes it out.
func (c *Conn) send(payload []byte, cb func(error)) {
	c.stream.WriteAll(framePacket(payload, &c.seq), cb)
}

// fail marks the connection broken and closes the socket. Protocol and
// transport errors are fatal for the connection.
func (c *Conn) fail(err error) error {
	c.broken = true
	_ = c.stream.Close()
	return err
}

func (c *Conn) abandon() {
	c.broken = true
	_ = c.stream.Close()
}

func (c *Conn) applyStatus(status uint16) {
	c.serverStatus = status
	c.inTx = status&statusInTrans != 0
	c.autocommit = status&statusAutocommit != 0
}

// --- command phase ---

// runCommand serializes a send/receive cycle under the connection mutex.
// The sequence counter resets to 0 for every command.
func (c *Conn) runCommand(payload []byte, read func(resolve promise.ResolveFunc, reject promise.RejectFunc)) *promise.Promise {
	return c.mutex.WithLock(func() *promise.Promise {
		p, resolve, reject := promise.New(c.loop)
		if !c.Alive() {
			reject(ErrConnClosed)
			return p
		}
		c.seq = 0
		c.stream.WriteAll(framePacket(payload, &c.seq), func(err error) {
			if err != nil {
				reject(c.fail(&TransportError{Op: "write command", Err: err}))
				return
			}
			read(resolve, reject)
		})
		return p
	})
}

// Query sends COM_QUERY and resolves with a Result: *OK for statements
// without a result set, *Rows for text-protocol result sets. Server ERR
// packets reject with *ServerError and leave the connection usable.
func (c *Conn) Query(sql string) *promise.Promise {
	payload := make([]byte, 0, 1+len(sql))
	payload = append(payload, comQuery)
	payload = append(payload, sql...)
	return c.runCommand(payload, func(resolve promise.ResolveFunc, reject promise.RejectFunc) {
		c.readResultSet(false, resolve, reject)
	})
}

// Ping sends COM_PING and resolves with nil on success.
func (c *Conn) Ping() *promise.Promise {
	return c.runCommand([]byte{comPing}, func(resolve promise.ResolveFunc, reject promise.RejectFunc) {
		c.readPacket(func(pkt []byte, err error) {
			if err != nil {
				reject(c.fail(err))
				return
			}
			if len(pkt) > 0 && pkt[0] == headerERR {
				reject(parseERR(pkt))
				return
			}
			ok, parseErr := parseOK(pkt)
			if parseErr != nil {
				reject(c.fail(parseErr))
				return
			}
			c.applyStatus(ok.Status)
			resolve(nil)
		})
	})
}

// InitDB sends COM_INIT_DB to select a default database.
func (c *Conn) InitDB(name string) *promise.Promise {
	payload := make([]byte, 0, 1+len(name))
	payload = append(payload, comInitDB)
	payload = append(payload, name...)
	return c.runCommand(payload, func(resolve promise.ResolveFunc, reject promise.RejectFunc) {
		c.readOKResponse(resolve, reject)
	})
}

// Close sends COM_QUIT and closes the socket. Resolves with nil even when
// the quit packet cannot be delivered.
func (c *Conn) Close() *promise.Promise {
	if c.closed || c.broken {
		c.closed = true
		return promise.Resolved(c.loop, nil)
	}
	return c.mutex.WithLock(func() *promise.Promise {
		p, resolve, _ := promise.New(c.loop)
		c.closed = true
		c.seq = 0
		c.stream.WriteAll(framePacket([]byte{comQuit}, &c.seq), func(error) {
			_ = c.stream.Close()
			resolve(nil)
		})
		return p
	})
}

// readOKResponse reads a single OK-or-ERR reply.
func (c *Conn) readOKResponse(resolve promise.ResolveFunc, reject promise.RejectFunc) {
	c.readPacket(func(pkt []byte, err error) {
		if err != nil {
			reject(c.fail(err))
			return
		}
		if len(pkt) == 0 {
			reject(c.fail(protocolErrorf("empty response packet")))
			return
		}
		switch pkt[0] {
		case headerERR:
			reject(parseERR(pkt))
		case headerOK:
			ok, parseErr := parseOK(pkt)
			if parseErr != nil {
				reject(c.fail(parseErr))
				return
			}
			c.applyStatus(ok.Status)
			resolve(ok)
		default:
			reject(c.fail(protocolErrorf("unexpected response byte 0x%02x", pkt[0])))
		}
	})
}

// readResultSet reads a command response: OK, ERR, or a result set whose
// rows are text-encoded for COM_QUERY and binary-encoded for prepared
// execute.
func (c *Conn) readResultSet(binary bool, resolve promise.ResolveFunc, reject promise.RejectFunc) {
	c.readPacket(func(pkt []byte, err error) {
		if err != nil {
			reject(c.fail(err))
			return
		}
		if len(pkt) == 0 {
			reject(c.fail(protocolErrorf("empty response packet")))
			return
		}
		switch pkt[0] {
		case headerOK:
			ok, parseErr := parseOK(pkt)
			if parseErr != nil {
				reject(c.fail(parseErr))
				return
			}
			c.applyStatus(ok.Status)
			resolve(ok)
		case headerERR:
			reject(parseERR(pkt))
		case headerLocalInf:
			reject(c.fail(protocolErrorf("LOCAL INFILE requests are not supported")))
		default:
			count, _, _, ok := readLenEncInt(pkt, 0)
			if !ok || count == 0 {
				reject(c.fail(protocolErrorf("invalid column count packet")))
				return
			}
			c.readColumns(int(count), binary, resolve, reject)
		}
	})
}

// readColumns collects column definitions, the optional EOF separator, and
// then the row stream.
func (c *Conn) readColumns(count int, binary bool, resolve promise.ResolveFunc, reject promise.RejectFunc) {
	columns := make([]Column, 0, count)

	var readDef func()
	readDef = func() {
		if len(columns) == count {
			if c.deprecateEOF {
				c.readRows(columns, binary, resolve, reject)
				return
			}
			// Classic mode: an EOF packet separates definitions from rows.
			c.readPacket(func(pkt []byte, err error) {
				if err != nil {
					reject(c.fail(err))
					return
				}
				if !isEOF(pkt) {
					reject(c.fail(protocolErrorf("expected EOF after column definitions, got 0x%02x", pkt[0])))
					return
				}
				c.readRows(columns, binary, resolve, reject)
			})
			return
		}
		c.readPacket(func(pkt []byte, err error) {
			if err != nil {
				reject(c.fail(err))
				return
			}
			col, defErr := parseColumnDefinition(pkt)
			if defErr != nil {
				reject(c.fail(defErr))
				return
			}
			columns = append(columns, col)
			readDef()
		})
	}
	readDef()
}

func (c *Conn) readRows(columns []Column, binary bool, resolve promise.ResolveFunc, reject promise.RejectFunc) {
	rows := &Rows{Columns: columns}

	var readRow func()
	readRow = func() {
		c.readPacket(func(pkt []byte, err error) {
			if err != nil {
				reject(c.fail(err))
				return
			}
			if len(pkt) == 0 {
				reject(c.fail(protocolErrorf("empty row packet")))
				return
			}
			if pkt[0] == headerERR {
				reject(parseERR(pkt))
				return
			}
			if pkt[0] == headerEOF && len(pkt) < 9 {
				// Result-set terminator: classic EOF, or a short OK when
				// DEPRECATE_EOF is negotiated. The capability decides the
				// trailer layout.
				status, _, termErr := terminatorStatus(pkt, c.deprecateEOF)
				if termErr != nil {
					reject(c.fail(termErr))
					return
				}
				c.applyStatus(status)
				if status&statusMoreResults != 0 {
					// Additional result sets are drained; the first one is
					// the command's result.
					c.drainExtraResults(func(err error) {
						if err != nil {
							reject(err)
							return
						}
						resolve(rows)
					})
					return
				}
				resolve(rows)
				return
			}

			var (
				row    []any
				rowErr error
			)
			if binary {
				row, rowErr = parseBinaryRow(pkt, columns)
			} else {
				row, rowErr = parseTextRow(pkt, len(columns))
			}
			if rowErr != nil {
				reject(c.fail(rowErr))
				return
			}
			rows.Values = append(rows.Values, row)
			readRow()
		})
	}
	readRow()
}

// drainExtraResults discards trailing result sets after a terminator that
// carried SERVER_MORE_RESULTS_EXISTS.
func (c *Conn) drainExtraResults(done func(error)) {
	c.readPacket(func(pkt []byte, err error) {
		if err != nil {
			done(c.fail(err))
			return
		}
		if len(pkt) == 0 {
			done(c.fail(protocolErrorf("empty packet while draining results")))
			return
		}
		switch {
		case pkt[0] == headerERR:
			done(parseERR(pkt))
		case pkt[0] == headerOK || (pkt[0] == headerEOF && len(pkt) < 9):
			status, _, termErr := terminatorStatus(pkt, c.deprecateEOF || pkt[0] == headerOK)
			if termErr != nil {
				done(c.fail(termErr))
				return
			}
			c.applyStatus(status)
			if status&statusMoreResults != 0 {
				c.drainExtraResults(done)
				return
			}
			done(nil)
		default:
			// Column counts, definitions, and rows of the extra set.
			c.drainExtraResults(done)
		}
	})
}
