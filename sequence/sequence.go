// Package sequence provides the engine's monotonic id counters.
//
// Each counter family advances by a fixed stride with atomic fetch-and-add,
// so concurrent senders never observe a repeated id within one family.
package sequence

import (
	"math/rand/v2"
	"sync/atomic"
)

// DefaultStride is the step used by every protocol counter family.
const DefaultStride = 2

// Generator is a monotonic int32 counter. Values wrap around on overflow the
// way the wire's signed 32-bit fields do.
type Generator struct {
	value  atomic.Int32
	stride int32
}

// NewGenerator creates a counter whose first emitted value is initial+stride.
func NewGenerator(initial, stride int32) *Generator {
	if stride == 0 {
		stride = DefaultStride
	}
	g := &Generator{stride: stride}
	g.value.Store(initial)
	return g
}

// Next advances the counter and returns the new value.
func (g *Generator) Next() int32 {
	return g.value.Add(g.stride)
}

// Peek returns the most recently emitted value without advancing.
func (g *Generator) Peek() int32 {
	return g.value.Load()
}

// Stride returns the counter's step.
func (g *Generator) Stride() int32 {
	return g.stride
}

// Set groups the per-purpose counters owned by one session.
type Set struct {
	// SSO numbers every outbound envelope and is the correlation key.
	SSO *Generator
	// Message numbers outbound chat messages.
	Message *Generator
	// Friend numbers friend-list operations.
	Friend *Generator
	// Transfer numbers file/resource transfer requests.
	Transfer *Generator
	// TransferRequest numbers the requests inside one transfer.
	TransferRequest *Generator
}

// NewSet creates the counters for a fresh session. The SSO counter starts at a
// random offset as the server expects.
func NewSet() *Set {
	return &Set{
		SSO:             NewGenerator(int32(rand.IntN(100000)+60000), DefaultStride),
		Message:         NewGenerator(int32(rand.IntN(10000)+22000), DefaultStride),
		Friend:          NewGenerator(int32(rand.IntN(1000)+22000), DefaultStride),
		Transfer:        NewGenerator(int32(rand.IntN(1000)+43973), DefaultStride),
		TransferRequest: NewGenerator(0, 1),
	}
}
