package transport

import (
	"context"
)

// Transport is a connectable, readable, writable, closable ordered byte stream.
// Implementations must allow Send to be called concurrently with Read and with
// other Send calls. Only one goroutine may call Read at a time.
type Transport interface {
	// Connect opens the stream to host:port.
	Connect(ctx context.Context, host string, port uint16) error

	// Read blocks until bytes arrive, the stream fails, or ctx is done. The
	// returned slice is owned by the caller.
	Read(ctx context.Context) ([]byte, error)

	// Send writes one complete frame atomically.
	Send(data []byte) error

	// Close shuts down the stream. It is safe to call more than once.
	Close() error

	// IsOpen reports whether the stream is connected and not closed.
	IsOpen() bool
}

// Factory creates a fresh, unconnected Transport. The supervisor calls it once
// per connection so a reconnect never reuses a closed stream.
type Factory func() Transport
