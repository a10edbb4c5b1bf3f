package transport

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// scriptedConnector fails Connect with the queued errors, then succeeds.
type scriptedConnector struct {
	errs     []error
	attempts int
}

func (s *scriptedConnector) Connect(ctx context.Context, host string, port uint16) error {
	s.attempts++
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *scriptedConnector) Read(ctx context.Context) ([]byte, error) { return nil, ErrNotConnected }
func (s *scriptedConnector) Send(data []byte) error                   { return nil }
func (s *scriptedConnector) Close() error                             { return nil }
func (s *scriptedConnector) IsOpen() bool                             { return false }

func TestConnectWithRetryRetriesNoRoute(t *testing.T) {
	conn := &scriptedConnector{errs: []error{
		newError("connect", "example:8080", syscall.ENETUNREACH),
		newError("connect", "example:8080", syscall.EHOSTUNREACH),
		ErrNoRoute,
	}}

	err := ConnectWithRetry(context.Background(), conn, "example", 8080, time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, 4, conn.attempts)
}

func TestConnectWithRetryPropagatesOtherErrors(t *testing.T) {
	refused := newError("connect", "example:8080", syscall.ECONNREFUSED)
	conn := &scriptedConnector{errs: []error{refused}}

	err := ConnectWithRetry(context.Background(), conn, "example", 8080, time.Millisecond)
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	assert.Equal(t, 1, conn.attempts)
}

func TestConnectWithRetryStopsOnCancel(t *testing.T) {
	errs := make([]error, 1000)
	for i := range errs {
		errs[i] = ErrNoRoute
	}
	conn := &scriptedConnector{errs: errs}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := ConnectWithRetry(ctx, conn, "example", 8080, 20*time.Millisecond)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, conn.attempts, 10)
}

func TestIsNoRoute(t *testing.T) {
	assert.True(t, IsNoRoute(ErrNoRoute))
	assert.True(t, IsNoRoute(&Error{Op: "connect", Err: syscall.ENETUNREACH}))
	assert.False(t, IsNoRoute(syscall.ECONNREFUSED))
	assert.False(t, IsNoRoute(nil))
}
