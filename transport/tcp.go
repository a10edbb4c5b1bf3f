package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultReadBufferSize is the size of the buffer handed to each socket read.
	DefaultReadBufferSize = 64 * 1024

	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 5 * time.Second
)

// TCPTransport is the client side of the engine's TCP byte stream.
// It satisfies the Transport interface.
type TCPTransport struct {
	conn         net.Conn
	addr         string
	mu           sync.RWMutex
	writeMu      sync.Mutex
	open         atomic.Bool
	readBuf      []byte
	dialer       net.Dialer
	writeTimeout time.Duration
}

// NewTCPTransport creates an unconnected TCP transport.
func NewTCPTransport() *TCPTransport {
	return &TCPTransport{
		readBuf:      make([]byte, DefaultReadBufferSize),
		dialer:       net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second},
		writeTimeout: DefaultWriteTimeout,
	}
}

// NewTCPTransportFromConn wraps an already connected stream.
func NewTCPTransportFromConn(conn net.Conn) *TCPTransport {
	t := NewTCPTransport()
	t.conn = conn
	t.addr = conn.RemoteAddr().String()
	t.open.Store(true)
	return t
}

// NewTCPFactory returns a Factory producing TCP transports.
func NewTCPFactory() Factory {
	return func() Transport { return NewTCPTransport() }
}

// Connect dials host:port.
func (t *TCPTransport) Connect(ctx context.Context, host string, port uint16) error {
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.open.Load() {
		return newError("connect", addr, ErrAlreadyConnected)
	}

	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return newError("connect", addr, err)
	}

	t.conn = conn
	t.addr = addr
	t.open.Store(true)

	logrus.WithFields(logrus.Fields{
		"function": "TCPTransport.Connect",
		"addr":     addr,
		"local":    conn.LocalAddr().String(),
	}).Info("Connected to server")
	return nil
}

// connection returns the current connection or nil.
func (t *TCPTransport) connection() net.Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn
}

// Read blocks for the next chunk of bytes. Cancelling ctx expires the read
// deadline so a blocked read returns promptly with ctx.Err().
func (t *TCPTransport) Read(ctx context.Context) ([]byte, error) {
	conn := t.connection()
	if conn == nil {
		return nil, newError("read", "", ErrNotConnected)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	n, err := conn.Read(t.readBuf)
	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, t.readBuf[:n])
		return chunk, nil
	}
	if err == nil {
		return []byte{}, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		t.open.Store(false)
		return nil, newError("read", t.addr, ErrConnectionClosed)
	}
	return nil, newError("read", t.addr, err)
}

// Send writes one complete frame. Concurrent callers are serialized so their
// frames never interleave on the stream.
func (t *TCPTransport) Send(data []byte) error {
	conn := t.connection()
	if conn == nil || !t.open.Load() {
		return newError("send", t.addr, ErrNotConnected)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return newError("send", t.addr, err)
	}
	if _, err := conn.Write(data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "TCPTransport.Send",
			"addr":     t.addr,
			"size":     len(data),
			"error":    err.Error(),
		}).Warn("Frame write failed")
		return newError("send", t.addr, err)
	}
	return nil
}

// Close shuts down the connection.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.open.Swap(false) || t.conn == nil {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "TCPTransport.Close",
		"addr":     t.addr,
	}).Debug("Closing connection")
	return t.conn.Close()
}

// IsOpen reports whether the connection is usable.
func (t *TCPTransport) IsOpen() bool {
	return t.open.Load()
}

// RemoteAddr returns the server address, or the empty string before Connect.
func (t *TCPTransport) RemoteAddr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.addr
}
