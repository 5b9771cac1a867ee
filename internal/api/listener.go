package api

import (
	"net"
)

// newListener exists so Start can fail fast on a bad bind address instead
// of logging asynchronously from the serve goroutine.
func newListener(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
