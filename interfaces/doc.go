// Package interfaces defines the contracts of collaborators the session
// engine consumes but does not own.
//
// # Event Bus
//
// [IEventBus] accepts published events and delivers them synchronously to
// subscribers in priority order. A session publishes lifecycle events
// (online, offline, reconnected) and unsolicited server pushes through it.
//
//	sub := interfaces.SubscribeAlways(bus, interfaces.SubscribeOptions{
//	    Priority: interfaces.PriorityNormal,
//	    Mode:     interfaces.ConcurrencyLocked,
//	}, func(event any) {
//	    log.Printf("event: %v", event)
//	})
//	defer sub.Stop()
//
// [SubscribeOnce] registers a listener that ends after its first accepted
// event. Listeners may also end themselves by returning [Stopped].
//
// # Concurrency
//
// Publish may be called from several goroutines at once. A listener
// subscribed with [ConcurrencyLocked] never runs concurrently with itself;
// one subscribed with [ConcurrencyConcurrent] may.
package interfaces
