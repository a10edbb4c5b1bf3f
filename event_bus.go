package imcore

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/opd-ai/imcore/interfaces"
	"github.com/sirupsen/logrus"
)

// EventBus is an in-process interfaces.IEventBus. Sessions use it when the
// options carry no bus of their own.
type EventBus struct {
	mu   sync.RWMutex
	subs []*subscription
}

// NewEventBus creates an empty event bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

type subscription struct {
	bus      *EventBus
	opts     interfaces.SubscribeOptions
	listener interfaces.Listener
	lock     sync.Mutex
	active   atomic.Bool
}

func (s *subscription) Stop() {
	if s.active.Swap(false) {
		s.bus.remove(s)
	}
}

func (s *subscription) Active() bool {
	return s.active.Load()
}

func (s *subscription) deliver(event any) {
	if s.opts.Mode == interfaces.ConcurrencyLocked {
		s.lock.Lock()
		defer s.lock.Unlock()
	}
	if !s.active.Load() {
		return
	}
	if s.opts.Filter != nil && !s.opts.Filter(event) {
		return
	}
	if s.listener(event) == interfaces.Stopped {
		s.Stop()
	}
}

// Subscribe registers listener. Listeners of equal priority run in
// subscription order.
func (b *EventBus) Subscribe(opts interfaces.SubscribeOptions, listener interfaces.Listener) interfaces.ISubscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &subscription{bus: b, opts: opts, listener: listener}
	s.active.Store(true)
	b.subs = append(b.subs, s)
	sort.SliceStable(b.subs, func(i, j int) bool {
		return b.subs[i].opts.Priority > b.subs[j].opts.Priority
	})
	return s
}

// Publish delivers event to every active subscriber in priority order and
// returns when all of them have run. A panicking listener is logged and
// does not stop delivery to the others.
func (b *EventBus) Publish(event any) {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.safeDeliver(s, event)
	}
}

func (b *EventBus) safeDeliver(s *subscription, event any) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "EventBus.Publish",
				"event":    eventName(event),
				"panic":    r,
			}).Error("Event listener panicked")
		}
	}()
	s.deliver(event)
}

// Len returns the number of active subscriptions.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *EventBus) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.subs {
		if cur == s {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}
