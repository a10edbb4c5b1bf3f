package transport

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrNotConnected indicates an operation on a transport that was never connected
	ErrNotConnected = errors.New("transport not connected")

	// ErrAlreadyConnected indicates Connect was called on an open transport
	ErrAlreadyConnected = errors.New("transport already connected")

	// ErrConnectionClosed indicates the stream was closed locally or by the peer
	ErrConnectionClosed = errors.New("connection closed")

	// ErrNoRoute indicates the network is unreachable; dialing is retried
	ErrNoRoute = errors.New("no route to server")
)

// Error represents a transport error with additional context
type Error struct {
	Op   string // operation that caused the error
	Addr string // address if relevant
	Err  error  // underlying error
}

func (e *Error) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("transport %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op, addr string, err error) *Error {
	return &Error{Op: op, Addr: addr, Err: err}
}

// IsNoRoute reports whether err means the network or host is unreachable.
func IsNoRoute(err error) bool {
	return errors.Is(err, ErrNoRoute) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH)
}
