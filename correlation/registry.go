package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/imcore/crypto"
	"github.com/opd-ai/imcore/packet"
	"github.com/sirupsen/logrus"
)

var (
	// ErrTimeout indicates a pending request reached its deadline without a response
	ErrTimeout = errors.New("request timed out")

	// ErrCancelled indicates a pending request was failed because its session ended
	ErrCancelled = errors.New("request cancelled")

	// ErrDuplicateRequest indicates a second registration for a key that is still pending
	ErrDuplicateRequest = errors.New("request already pending for command and sequence")
)

// Key identifies a pending request.
type Key struct {
	CommandName string
	SequenceID  int32
}

func (k Key) String() string {
	return fmt.Sprintf("%s#%d", k.CommandName, k.SequenceID)
}

// Pending is the completion slot of one outstanding request.
type Pending struct {
	Key      Key
	Deadline time.Time

	registry *Registry
	done     chan struct{}
	resolved bool // guarded by registry.mu
	packet   *packet.Packet
	err      error
}

// Done is closed once the request is completed, failed, expired or cancelled.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome. It is only meaningful after Done is closed.
func (p *Pending) Result() (*packet.Packet, error) {
	select {
	case <-p.done:
		return p.packet, p.err
	default:
		return nil, errors.New("request still pending")
	}
}

// Wait blocks until the request resolves, its deadline passes or ctx ends.
// Deadline expiry removes the slot and yields ErrTimeout; a finished ctx
// removes the slot and yields the context error.
func (p *Pending) Wait(ctx context.Context) (*packet.Packet, error) {
	timer := time.NewTimer(p.Deadline.Sub(p.registry.now()))
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		p.registry.resolve(p, nil, fmt.Errorf("%w: %s", ErrTimeout, p.Key))
	case <-ctx.Done():
		p.registry.resolve(p, nil, ctx.Err())
	}
	<-p.done
	return p.packet, p.err
}

// Registry tracks pending requests by command name and sequence id. It is
// safe for concurrent register, complete and cancel.
type Registry struct {
	mu       sync.Mutex
	pending  map[Key]*Pending
	clock    crypto.TimeProvider
	onChange func(pending int)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		pending: make(map[Key]*Pending),
		clock:   crypto.GetDefaultTimeProvider(),
	}
}

// SetTimeProvider replaces the clock used to compute wait durations.
func (r *Registry) SetTimeProvider(tp crypto.TimeProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	r.clock = tp
}

// OnChange registers a hook called with the pending count after every
// registration and removal. The hook runs under the registry lock and must
// not call back into the registry.
func (r *Registry) OnChange(hook func(pending int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = hook
}

// Register creates the slot for (commandName, seq) with the given deadline.
func (r *Registry) Register(commandName string, seq int32, deadline time.Time) (*Pending, error) {
	key := Key{CommandName: commandName, SequenceID: seq}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pending[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, key)
	}
	p := &Pending{
		Key:      key,
		Deadline: deadline,
		registry: r,
		done:     make(chan struct{}),
	}
	r.pending[key] = p
	r.changed()
	return p, nil
}

// Complete fulfils the slot matching (commandName, seq) with pkt and removes
// it. It returns false when no slot matches; late and unsolicited responses
// are not errors.
func (r *Registry) Complete(commandName string, seq int32, pkt *packet.Packet) bool {
	return r.finish(Key{CommandName: commandName, SequenceID: seq}, pkt, nil)
}

// Fail resolves the slot matching (commandName, seq) with err.
func (r *Registry) Fail(commandName string, seq int32, err error) bool {
	return r.finish(Key{CommandName: commandName, SequenceID: seq}, nil, err)
}

func (r *Registry) finish(key Key, pkt *packet.Packet, err error) bool {
	r.mu.Lock()
	p, ok := r.pending[key]
	if ok {
		r.resolveLocked(p, pkt, err)
	}
	r.mu.Unlock()

	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "Registry.finish",
			"key":      key.String(),
		}).Debug("No pending request for response")
	}
	return ok
}

// CancelAll fails every pending slot with an error wrapping ErrCancelled and
// reason, and returns how many were cancelled.
func (r *Registry) CancelAll(reason error) int {
	err := ErrCancelled
	if reason != nil {
		err = fmt.Errorf("%w: %w", ErrCancelled, reason)
	}

	r.mu.Lock()
	n := 0
	for _, p := range r.pending {
		r.resolveLocked(p, nil, err)
		n++
	}
	r.mu.Unlock()

	if n > 0 {
		logrus.WithFields(logrus.Fields{
			"function":  "Registry.CancelAll",
			"cancelled": n,
			"reason":    fmt.Sprint(reason),
		}).Info("Cancelled pending requests")
	}
	return n
}

// Len returns the number of pending slots.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Registry) resolve(p *Pending, pkt *packet.Packet, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolveLocked(p, pkt, err)
}

// resolveLocked settles p exactly once and drops it from the map if it is
// still the registered slot for its key.
func (r *Registry) resolveLocked(p *Pending, pkt *packet.Packet, err error) {
	if p.resolved {
		return
	}
	p.resolved = true
	p.packet = pkt
	p.err = err
	if cur, ok := r.pending[p.Key]; ok && cur == p {
		delete(r.pending, p.Key)
		r.changed()
	}
	close(p.done)
}

func (r *Registry) now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clock.Now()
}

func (r *Registry) changed() {
	if r.onChange != nil {
		r.onChange(len(r.pending))
	}
}
