package loop

import (
	"net"
	"testing"
	"time"
)

func TestStreamDialAndEcho(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		conn.Write(buf[:n])
	}()

	l := newTestLoop(t)
	addr := ln.Addr().(*net.TCPAddr)

	var echoed []byte
	Dial(l, "127.0.0.1", addr.Port, time.Second, func(s *Stream, err error) {
		if err != nil {
			t.Errorf("dial: %v", err)
			return
		}
		s.WriteAll([]byte("ping"), func(err error) {
			if err != nil {
				t.Errorf("write: %v", err)
				s.Close()
				return
			}
			s.OnReadable(func() {
				buf := make([]byte, 64)
				n, err := s.Read(buf)
				if err != nil {
					t.Errorf("read: %v", err)
				} else {
					echoed = buf[:n]
				}
				s.Close()
			})
		})
	})

	if err := l.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if string(echoed) != "ping" {
		t.Fatalf("echoed %q, want ping", echoed)
	}
}

func TestStreamDialRefused(t *testing.T) {
	// Grab a port and close it so the connect is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	l := newTestLoop(t)
	var dialErr error
	Dial(l, "127.0.0.1", port, time.Second, func(s *Stream, err error) {
		dialErr = err
		if s != nil {
			s.Close()
		}
	})
	if err := l.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if dialErr == nil {
		t.Fatal("dial to closed port succeeded")
	}
}
