package crypto

import (
	"sync/atomic"
	"time"
)

// TimeProvider abstracts time operations for deterministic testing.
// Implementations must be safe for concurrent use.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since the given time.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

type timeProviderBox struct{ tp TimeProvider }

var defaultTimeProvider atomic.Pointer[timeProviderBox]

func init() {
	defaultTimeProvider.Store(&timeProviderBox{tp: DefaultTimeProvider{}})
}

// SetDefaultTimeProvider sets the package-level time provider for testing.
// Pass nil to reset to the default implementation.
func SetDefaultTimeProvider(tp TimeProvider) {
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	defaultTimeProvider.Store(&timeProviderBox{tp: tp})
}

// GetDefaultTimeProvider returns the current package-level time provider.
func GetDefaultTimeProvider() TimeProvider {
	return defaultTimeProvider.Load().tp
}

// ManualClock is a TimeProvider whose time only moves when told to.
type ManualClock struct {
	nanos atomic.Int64
}

// NewManualClock creates a clock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	c := &ManualClock{}
	c.nanos.Store(start.UnixNano())
	return c
}

// Now returns the clock's current time.
func (c *ManualClock) Now() time.Time { return time.Unix(0, c.nanos.Load()) }

// Since returns the duration between t and the clock's current time.
func (c *ManualClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) { c.nanos.Add(int64(d)) }
