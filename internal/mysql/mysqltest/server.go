// Package mysqltest runs an in-process MySQL server double speaking just
// enough of the wire protocol for client and pool tests: handshake v10,
// native-password auth, COM_QUERY with canned text result sets, prepared
// statements with binary rows, COM_PING and COM_QUIT.
package mysqltest

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
)

// Options configure the server double.
type Options struct {
	// DeprecateEOF advertises and honors CLIENT_DEPRECATE_EOF.
	DeprecateEOF bool
	// RejectAuth answers every handshake response with an ERR packet.
	RejectAuth bool
	// Queries maps exact SQL text to a canned single-column text result:
	// column name -> value. Unmatched SELECTs return column "n" = "1";
	// everything else returns OK.
	Queries map[string]map[string]string
}

// Server is the listening double.
type Server struct {
	Host string
	Port int

	ln     net.Listener
	opts   Options
	mu     sync.Mutex
	conns  []net.Conn
	closed bool
	wg     sync.WaitGroup
}

// Start launches the server on a loopback port.
func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	addr := ln.Addr().(*net.TCPAddr)
	s := &Server{Host: "127.0.0.1", Port: addr.Port, ln: ln, opts: opts}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Close stops the listener and open sessions.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	s.ln.Close()
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()

	if err := s.handshake(conn); err != nil {
		return
	}

	for {
		cmd, err := readPacket(conn)
		if err != nil || len(cmd) == 0 {
			return
		}
		seq := uint8(1)
		switch cmd[0] {
		case 0x01: // COM_QUIT
			return
		case 0x0e: // COM_PING
			writeOK(conn, &seq, 0, 0)
		case 0x02: // COM_INIT_DB
			writeOK(conn, &seq, 0, 0)
		case 0x03: // COM_QUERY
			s.handleQuery(conn, string(cmd[1:]), &seq)
		case 0x16: // COM_STMT_PREPARE
			s.handlePrepare(conn, string(cmd[1:]), &seq)
		case 0x17: // COM_STMT_EXECUTE
			s.handleExecute(conn, cmd, &seq)
		case 0x19: // COM_STMT_CLOSE
			// no response
		default:
			writeERR(conn, &seq, 1047, "08S01", "unknown command")
		}
	}
}

const capDeprecateEOF = uint32(1 << 24)

func (s *Server) handshake(conn net.Conn) error {
	nonce := make([]byte, 20)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	for i := range nonce {
		if nonce[i] == 0 {
			nonce[i] = 1
		}
	}

	var pkt []byte
	pkt = append(pkt, 10)                     // protocol version
	pkt = append(pkt, "8.0.0-mysqltest"...)   // server version
	pkt = append(pkt, 0)
	pkt = append(pkt, 1, 0, 0, 0)             // connection id
	pkt = append(pkt, nonce[:8]...)           // auth data part 1
	pkt = append(pkt, 0)                      // filler
	capLow := uint16(0xf7ff)                  // PROTOCOL_41 | SECURE_CONNECTION | ...
	pkt = append(pkt, byte(capLow), byte(capLow>>8))
	pkt = append(pkt, 33)                     // charset
	pkt = append(pkt, 0x02, 0x00)             // status: autocommit
	capHigh := uint16(0x0008)                 // PLUGIN_AUTH
	if s.opts.DeprecateEOF {
		capHigh |= uint16(capDeprecateEOF >> 16)
	}
	pkt = append(pkt, byte(capHigh), byte(capHigh>>8))
	pkt = append(pkt, 21)                     // auth data length
	pkt = append(pkt, make([]byte, 10)...)    // reserved
	pkt = append(pkt, nonce[8:]...)           // auth data part 2
	pkt = append(pkt, 0)
	pkt = append(pkt, "mysql_native_password"...)
	pkt = append(pkt, 0)

	seq := uint8(0)
	if err := writePacket(conn, pkt, &seq); err != nil {
		return err
	}

	// HandshakeResponse41; credentials are not verified. The client's
	// response consumed sequence 1, so the verdict carries sequence 2.
	if _, err := readPacket(conn); err != nil {
		return err
	}
	seq = 2
	if s.opts.RejectAuth {
		writeERR(conn, &seq, 1045, "28000", "Access denied")
		return fmt.Errorf("auth rejected")
	}
	return writeOK(conn, &seq, 0, 0)
}

func (s *Server) handleQuery(conn net.Conn, sql string, seq *uint8) {
	trimmed := strings.TrimSpace(sql)
	upper := strings.ToUpper(trimmed)

	if canned, ok := s.opts.Queries[trimmed]; ok {
		for name, val := range canned {
			s.writeTextResultSet(conn, seq, name, val)
			return
		}
	}
	if strings.HasPrefix(upper, "SELECT") {
		s.writeTextResultSet(conn, seq, "n", "1")
		return
	}
	writeOK(conn, seq, 1, 0)
}

// writeTextResultSet emits a single-column, single-row text result set.
func (s *Server) writeTextResultSet(conn net.Conn, seq *uint8, column, value string) {
	writePacket(conn, []byte{1}, seq) // column count
	writePacket(conn, columnDefinition(column, 0xfd), seq)
	if !s.opts.DeprecateEOF {
		writeEOF(conn, seq)
	}
	row := appendLenEncBytes(nil, []byte(value))
	writePacket(conn, row, seq)
	s.writeTerminator(conn, seq)
}

// writeTerminator ends a result set: EOF classically, a short OK with the
// 0xfe header when DEPRECATE_EOF was negotiated.
func (s *Server) writeTerminator(conn net.Conn, seq *uint8) {
	if s.opts.DeprecateEOF {
		writePacket(conn, []byte{0xfe, 0, 0, 0x02, 0x00, 0x00, 0x00}, seq)
		return
	}
	writeEOF(conn, seq)
}

func (s *Server) handlePrepare(conn net.Conn, sql string, seq *uint8) {
	params := strings.Count(sql, "?")

	resp := make([]byte, 12)
	resp[0] = 0x00
	binary.LittleEndian.PutUint32(resp[1:5], 1)              // statement id
	binary.LittleEndian.PutUint16(resp[5:7], 1)              // column count
	binary.LittleEndian.PutUint16(resp[7:9], uint16(params)) // param count
	writePacket(conn, resp, seq)

	for i := 0; i < params; i++ {
		writePacket(conn, columnDefinition("?", 0xfd), seq)
	}
	if params > 0 && !s.opts.DeprecateEOF {
		writeEOF(conn, seq)
	}
	writePacket(conn, columnDefinition("s", 0x08), seq)
	if !s.opts.DeprecateEOF {
		writeEOF(conn, seq)
	}
}

// handleExecute sums the LONGLONG parameters and returns one binary row
// with column "s" of type LONGLONG.
func (s *Server) handleExecute(conn net.Conn, cmd []byte, seq *uint8) {
	var sum int64
	// COM_STMT_EXECUTE: cmd(1) + stmt_id(4) + flags(1) + iterations(4) +
	// null bitmap + bound flag(1) + types(2/param) + values.
	pos := 10
	if len(cmd) > pos {
		// Single-statement double: assume no NULL params and count types
		// from the remaining layout written by the client under test.
		rest := cmd[pos:]
		// null bitmap length for n params is (n+7)/8; recover n from the
		// type table: bytes after bitmap start with bound flag 1.
		for nparams := 1; nparams <= 16; nparams++ {
			bitmapLen := (nparams + 7) / 8
			idx := bitmapLen
			if idx >= len(rest) || rest[idx] != 1 {
				continue
			}
			typesEnd := idx + 1 + nparams*2
			if typesEnd > len(rest) {
				continue
			}
			vals := rest[typesEnd:]
			if len(vals) != nparams*8 {
				continue
			}
			for i := 0; i < nparams; i++ {
				sum += int64(binary.LittleEndian.Uint64(vals[i*8 : i*8+8]))
			}
			break
		}
	}

	writePacket(conn, []byte{1}, seq) // column count
	writePacket(conn, columnDefinition("s", 0x08), seq)
	if !s.opts.DeprecateEOF {
		writeEOF(conn, seq)
	}

	row := make([]byte, 0, 16)
	row = append(row, 0x00)       // header
	row = append(row, 0x00)       // null bitmap (1 column -> 1 byte)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(sum))
	row = append(row, buf[:]...)
	writePacket(conn, row, seq)
	s.writeTerminator(conn, seq)
}

// --- wire helpers ---

func readPacket(conn net.Conn) ([]byte, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return nil, err
	}
	length := int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

func writePacket(conn net.Conn, payload []byte, seq *uint8) error {
	hdr := make([]byte, 4)
	hdr[0] = byte(len(payload))
	hdr[1] = byte(len(payload) >> 8)
	hdr[2] = byte(len(payload) >> 16)
	hdr[3] = *seq
	*seq++
	if _, err := conn.Write(hdr); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

func writeOK(conn net.Conn, seq *uint8, affected, insertID uint64) error {
	pkt := []byte{0x00}
	pkt = appendLenEncInt(pkt, affected)
	pkt = appendLenEncInt(pkt, insertID)
	pkt = append(pkt, 0x02, 0x00, 0x00, 0x00) // status: autocommit, no warnings
	return writePacket(conn, pkt, seq)
}

func writeEOF(conn net.Conn, seq *uint8) error {
	return writePacket(conn, []byte{0xfe, 0x00, 0x00, 0x02, 0x00}, seq)
}

func writeERR(conn net.Conn, seq *uint8, code uint16, sqlState, msg string) error {
	pkt := []byte{0xff, byte(code), byte(code >> 8), '#'}
	pkt = append(pkt, sqlState...)
	pkt = append(pkt, msg...)
	return writePacket(conn, pkt, seq)
}

func columnDefinition(name string, colType byte) []byte {
	var pkt []byte
	pkt = appendLenEncBytes(pkt, []byte("def"))
	pkt = appendLenEncBytes(pkt, nil)           // schema
	pkt = appendLenEncBytes(pkt, []byte("t"))   // table
	pkt = appendLenEncBytes(pkt, []byte("t"))   // org table
	pkt = appendLenEncBytes(pkt, []byte(name))  // name
	pkt = appendLenEncBytes(pkt, []byte(name))  // org name
	pkt = append(pkt, 0x0c)                     // fixed fields length
	pkt = append(pkt, 33, 0)                    // charset
	pkt = append(pkt, 0xff, 0x00, 0x00, 0x00)   // column length
	pkt = append(pkt, colType)
	pkt = append(pkt, 0x00, 0x00)               // flags
	pkt = append(pkt, 0x00)                     // decimals
	pkt = append(pkt, 0x00, 0x00)               // filler
	return pkt
}

func appendLenEncInt(dst []byte, v uint64) []byte {
	switch {
	case v < 0xfb:
		return append(dst, byte(v))
	case v <= 0xffff:
		return append(dst, 0xfc, byte(v), byte(v>>8))
	default:
		dst = append(dst, 0xfe)
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], v)
		return append(dst, buf[:]...)
	}
}

func appendLenEncBytes(dst, b []byte) []byte {
	dst = appendLenEncInt(dst, uint64(len(b)))
	return append(dst, b...)
}
