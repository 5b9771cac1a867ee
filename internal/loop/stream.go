package loop

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by Stream.Read and Stream.Write when the
// socket has no data or buffer space; register a watcher and retry.
var ErrWouldBlock = errors.New("stream: operation would block")

// ErrStreamClosed is returned for operations on a closed stream.
var ErrStreamClosed = errors.New("stream: closed")

// Stream is a non-blocking TCP connection owned by the loop. All reads and
// writes are readiness-driven through the loop's multiplexer.
type Stream struct {
	loop   *Loop
	fd     int
	closed bool
}

// Dial opens a non-blocking TCP connection to host:port and invokes cb on
// the loop once the connect finishes or fails. Name resolution happens
// inline, so hosts should be IP literals or fast to resolve.
func Dial(l *Loop, host string, port int, timeout time.Duration, cb func(*Stream, error)) {
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		l.NextTick(func() { cb(nil, fmt.Errorf("resolving %s: %w", host, err)) })
		return
	}

	var (
		fd      int
		sockErr error
		sa      unix.Sockaddr
	)
	if ip4 := addr.IP.To4(); ip4 != nil {
		fd, sockErr = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		sa4 := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa4.Addr[:], ip4)
		sa = sa4
	} else {
		fd, sockErr = unix.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		sa6 := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa6.Addr[:], addr.IP.To16())
		sa = sa6
	}
	if sockErr != nil {
		l.NextTick(func() { cb(nil, fmt.Errorf("creating socket: %w", sockErr)) })
		return
	}

	s := &Stream{loop: l, fd: fd}

	connErr := unix.Connect(fd, sa)
	if connErr == nil {
		l.NextTick(func() { cb(s, nil) })
		return
	}
	if connErr != unix.EINPROGRESS {
		_ = unix.Close(fd)
		l.NextTick(func() { cb(nil, fmt.Errorf("connecting to %s: %w", addr, connErr)) })
		return
	}

	var timerID string
	watchID := l.AddWriteWatcher(fd, func() {
		l.CancelTimer(timerID)
		soErr, getErr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if getErr != nil {
			s.Close()
			cb(nil, fmt.Errorf("checking connect result: %w", getErr))
			return
		}
		if soErr != 0 {
			s.Close()
			cb(nil, fmt.Errorf("connecting to %s: %w", addr, unix.Errno(soErr)))
			return
		}
		cb(s, nil)
	})
	if timeout > 0 {
		timerID = l.AddTimer(timeout, func() {
			l.RemoveWatcher(watchID)
			s.Close()
			cb(nil, fmt.Errorf("connecting to %s: %w", addr, os.ErrDeadlineExceeded))
		})
	}
}

// FD returns the stream's file descriptor.
func (s *Stream) FD() int { return s.fd }

// Closed reports whether the stream has been closed.
func (s *Stream) Closed() bool { return s.closed }

// Read reads available bytes without blocking. Returns ErrWouldBlock when
// the socket has nothing buffered and io.EOF semantics via (0, nil) never
// occur: a zero-byte read means the peer closed the connection, reported
// as an error.
func (s *Stream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrStreamClosed
	}
	n, err := unix.Read(s.fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, ErrWouldBlock
		}
		return 0, fmt.Errorf("read: %w", err)
	}
	if n == 0 {
		return 0, errors.New("connection closed by peer")
	}
	return n, nil
}

// Write writes as much of p as the socket accepts without blocking.
func (s *Stream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrStreamClosed
	}
	n, err := unix.Write(s.fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, ErrWouldBlock
		}
		return 0, fmt.Errorf("write: %w", err)
	}
	return n, nil
}

// OnReadable registers a one-shot readable watcher for the stream.
func (s *Stream) OnReadable(cb func()) string {
	return s.loop.AddReadWatcher(s.fd, cb)
}

// OnWritable registers a one-shot writable watcher for the stream.
func (s *Stream) OnWritable(cb func()) string {
	return s.loop.AddWriteWatcher(s.fd, cb)
}

// WriteAll writes data fully, registering write watchers as needed, then
// invokes cb with the outcome.
func (s *Stream) WriteAll(data []byte, cb func(error)) {
	for len(data) > 0 {
		n, err := s.Write(data)
		if err == ErrWouldBlock {
			rest := data
			s.OnWritable(func() { s.WriteAll(rest, cb) })
			return
		}
		if err != nil {
			cb(err)
			return
		}
		data = data[n:]
	}
	cb(nil)
}

// Close removes the stream's watchers and closes the descriptor.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.loop.ClearFD(s.fd)
	return unix.Close(s.fd)
}
