package mysql

import (
	"fmt"
)

// ProtocolError reports a malformed packet, an unexpected response byte,
// or a sequence mismatch. It is fatal for the connection.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string {
	return "mysql: protocol error: " + e.Msg
}

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// AuthError reports a failure during the connection phase. The connection
// never becomes usable.
type AuthError struct {
	Msg string
}

func (e *AuthError) Error() string {
	return "mysql: auth failed: " + e.Msg
}

// ServerError is an ERR packet reported by the server. The connection
// remains usable and any open transaction is preserved; the caller decides
// whether to roll back.
type ServerError struct {
	Code     uint16
	SQLState string
	Message  string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("mysql: server error %d (%s): %s", e.Code, e.SQLState, e.Message)
}

// TransportError wraps a socket-level failure. The connection is dropped.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mysql: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UsageError reports API misuse such as a parameter-count mismatch or an
// illegal isolation level. Surfaced without touching the wire.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return "mysql: " + e.Msg }

// ErrConnClosed is returned for commands on a closed or broken connection.
var ErrConnClosed = &UsageError{Msg: "connection is closed"}
