package imcore

import (
	"sync"

	"github.com/opd-ai/imcore/interfaces"
)

// pushQueue publishes one connection's unsolicited packets on the bus in
// arrival order, off the frame reader's goroutine. It never blocks the
// reader, so a listener may issue requests of its own.
type pushQueue struct {
	bus interfaces.IEventBus

	mu     sync.Mutex
	items  []PacketReceived
	closed bool
	notify chan struct{}
	done   chan struct{}
}

func newPushQueue(bus interfaces.IEventBus) *pushQueue {
	q := &pushQueue{
		bus:    bus,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// put queues ev. It reports false once the queue is closed.
func (q *pushQueue) put(ev PacketReceived) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.signal()
	return true
}

func (q *pushQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *pushQueue) run() {
	defer close(q.done)
	for range q.notify {
		for {
			q.mu.Lock()
			if len(q.items) == 0 {
				closed := q.closed
				q.mu.Unlock()
				if closed {
					return
				}
				break
			}
			ev := q.items[0]
			q.items[0] = PacketReceived{}
			q.items = q.items[1:]
			q.mu.Unlock()
			q.bus.Publish(ev)
		}
	}
}

// close stops accepting packets and returns once every queued packet has
// been published.
func (q *pushQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
	<-q.done
}
