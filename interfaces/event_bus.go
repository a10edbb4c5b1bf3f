package interfaces

import "fmt"

// Priority orders delivery of one event across subscribers. Higher
// priorities are delivered first; Monitor subscribers see the event last.
type Priority int

const (
	// PriorityMonitor subscribers observe events after every other subscriber.
	PriorityMonitor Priority = iota - 1
	// PriorityLowest is the lowest regular priority.
	PriorityLowest
	// PriorityLow runs after normal subscribers.
	PriorityLow
	// PriorityNormal is the default priority.
	PriorityNormal
	// PriorityHigh runs before normal subscribers.
	PriorityHigh
	// PriorityHighest runs before every other subscriber.
	PriorityHighest
)

func (p Priority) String() string {
	switch p {
	case PriorityMonitor:
		return "monitor"
	case PriorityLowest:
		return "lowest"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityHighest:
		return "highest"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ConcurrencyMode controls whether one listener may run concurrently with
// itself when events are published from several goroutines.
type ConcurrencyMode int

const (
	// ConcurrencyLocked serializes calls to the listener with a mutex.
	ConcurrencyLocked ConcurrencyMode = iota
	// ConcurrencyConcurrent calls the listener without synchronization.
	ConcurrencyConcurrent
)

// ListeningStatus is returned by a listener to keep or end its subscription.
type ListeningStatus int

const (
	// Listening keeps the subscription active.
	Listening ListeningStatus = iota
	// Stopped ends the subscription after the current event.
	Stopped
)

// Listener handles one published event.
type Listener func(event any) ListeningStatus

// SubscribeOptions configures one subscription.
type SubscribeOptions struct {
	Priority Priority
	Mode     ConcurrencyMode
	// Filter, when set, skips events for which it returns false.
	Filter func(event any) bool
}

// IEventBus delivers events to subscribers. Publish is synchronous: it
// returns after every matching listener has run, in priority order.
// Implementations must be safe for concurrent Publish and Subscribe.
type IEventBus interface {
	// Publish delivers event to every active subscriber.
	Publish(event any)

	// Subscribe registers listener until it returns Stopped or the
	// subscription is stopped.
	Subscribe(opts SubscribeOptions, listener Listener) ISubscription
}

// ISubscription is a handle on one registered listener.
type ISubscription interface {
	// Stop ends the subscription. It is safe to call more than once.
	Stop()

	// Active reports whether the listener still receives events.
	Active() bool
}

// SubscribeOnce registers handler for the first event accepted by opts.Filter.
func SubscribeOnce(bus IEventBus, opts SubscribeOptions, handler func(event any)) ISubscription {
	return bus.Subscribe(opts, func(event any) ListeningStatus {
		handler(event)
		return Stopped
	})
}

// SubscribeAlways registers handler until the returned subscription is stopped.
func SubscribeAlways(bus IEventBus, opts SubscribeOptions, handler func(event any)) ISubscription {
	return bus.Subscribe(opts, func(event any) ListeningStatus {
		handler(event)
		return Listening
	})
}
