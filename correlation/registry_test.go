package correlation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opd-ai/imcore/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func soon() time.Time {
	return time.Now().Add(5 * time.Second)
}

func TestRegistryCompleteUnmatched(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Complete("Heartbeat.Alive", 1, &packet.Packet{}))
	assert.Equal(t, 0, r.Len())
}

func TestRegistryCompleteOnce(t *testing.T) {
	r := NewRegistry()
	p, err := r.Register("wtlogin.login", 7, soon())
	require.NoError(t, err)

	first := &packet.Packet{CommandName: "wtlogin.login", SequenceID: 7, Body: []byte("1")}
	second := &packet.Packet{CommandName: "wtlogin.login", SequenceID: 7, Body: []byte("2")}
	assert.True(t, r.Complete("wtlogin.login", 7, first))
	assert.False(t, r.Complete("wtlogin.login", 7, second), "late response is a no-op")

	got, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, got)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	r := NewRegistry()
	const workers = 16

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Register("a.b", 42, soon()); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrDuplicateRequest)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, 1, r.Len())

	// the key is reusable once resolved
	assert.True(t, r.Complete("a.b", 42, &packet.Packet{}))
	_, err := r.Register("a.b", 42, soon())
	assert.NoError(t, err)
}

func TestRegistryCancelAll(t *testing.T) {
	r := NewRegistry()
	const n = 10

	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		p, err := r.Register("cmd", int32(i), soon())
		require.NoError(t, err)
		go func() {
			_, err := p.Wait(context.Background())
			errs <- err
		}()
	}

	reason := errors.New("transport closed")
	assert.Equal(t, n, r.CancelAll(reason))
	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrCancelled)
			assert.ErrorIs(t, err, reason)
		case <-time.After(time.Second):
			t.Fatal("waiter still blocked after CancelAll")
		}
	}
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, r.CancelAll(nil))
}

func TestPendingWaitTimeout(t *testing.T) {
	r := NewRegistry()
	p, err := r.Register("cmd", 1, time.Now().Add(20*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Complete("cmd", 1, &packet.Packet{}))
}

func TestPendingWaitContext(t *testing.T) {
	r := NewRegistry()
	p, err := r.Register("cmd", 1, soon())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, r.Len())
}

func TestPendingResultBeforeDone(t *testing.T) {
	r := NewRegistry()
	p, err := r.Register("cmd", 1, soon())
	require.NoError(t, err)
	_, err = p.Result()
	assert.Error(t, err)

	require.True(t, r.Fail("cmd", 1, errors.New("server error")))
	<-p.Done()
	_, err = p.Result()
	assert.EqualError(t, err, "server error")
}

func TestRegistryOnChange(t *testing.T) {
	r := NewRegistry()
	var counts []int
	r.OnChange(func(n int) { counts = append(counts, n) })

	_, err := r.Register("a", 1, soon())
	require.NoError(t, err)
	_, err = r.Register("a", 2, soon())
	require.NoError(t, err)
	r.Complete("a", 1, nil)
	r.CancelAll(nil)
	assert.Equal(t, []int{1, 2, 1, 0}, counts)
}
