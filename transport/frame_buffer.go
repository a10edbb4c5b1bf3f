package transport

import (
	"encoding/binary"
	"time"

	"github.com/opd-ai/imcore/crypto"
	"github.com/opd-ai/imcore/limits"
	"github.com/sirupsen/logrus"
)

// DefaultStaleTimeout is how long a partial frame may wait for its remaining
// bytes before it is discarded.
const DefaultStaleTimeout = time.Second

// Frame is exactly one complete envelope without its length prefix.
type Frame []byte

// FrameBuffer reassembles length-prefixed frames from arbitrary read chunks.
// It carries at most one partially received frame between calls. A frame's
// length prefix is a signed 32-bit big-endian integer that counts itself.
//
// FrameBuffer is not safe for concurrent use; it belongs to the frame reader.
type FrameBuffer struct {
	header       []byte // incomplete length prefix
	partial      []byte // body bytes of the pending frame received so far
	missing      int    // body bytes the pending frame still needs
	since        time.Time
	staleTimeout time.Duration
	clock        crypto.TimeProvider
	staleCount   uint64
	onStale      func(discarded int)
}

// NewFrameBuffer creates an empty frame buffer with the default stale timeout.
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{
		staleTimeout: DefaultStaleTimeout,
		clock:        crypto.GetDefaultTimeProvider(),
	}
}

// SetStaleTimeout changes how long a partial frame may stay unresolved.
func (fb *FrameBuffer) SetStaleTimeout(d time.Duration) {
	fb.staleTimeout = d
}

// SetTimeProvider replaces the clock used for staleness checks.
func (fb *FrameBuffer) SetTimeProvider(tp crypto.TimeProvider) {
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	fb.clock = tp
}

// OnStale registers a hook called with the number of discarded bytes whenever
// a stale partial frame is dropped.
func (fb *FrameBuffer) OnStale(hook func(discarded int)) {
	fb.onStale = hook
}

// Pending reports whether a partial frame is buffered.
func (fb *FrameBuffer) Pending() bool {
	return len(fb.header) > 0 || fb.missing > 0
}

// StaleCount returns how many partial frames have been discarded as stale.
func (fb *FrameBuffer) StaleCount() uint64 {
	return fb.staleCount
}

// Reset discards any partial frame.
func (fb *FrameBuffer) Reset() {
	fb.header = nil
	fb.partial = nil
	fb.missing = 0
	fb.since = time.Time{}
}

// Feed consumes one chunk and returns every frame it completes, in order.
// Returned frames may alias chunk, so the caller must not reuse chunk. A
// malformed length prefix discards all partial state and returns the frames
// completed before it together with the error.
func (fb *FrameBuffer) Feed(chunk []byte) ([]Frame, error) {
	fb.expireStale()
	if len(chunk) == 0 {
		return nil, nil
	}

	if !fb.Pending() && len(chunk) >= limits.LengthPrefixSize {
		declared := int32(binary.BigEndian.Uint32(chunk))
		if err := limits.ValidateFrameLength(declared); err != nil {
			fb.Reset()
			return nil, err
		}
		if int(declared) == len(chunk) {
			return []Frame{Frame(chunk[limits.LengthPrefixSize:])}, nil
		}
	}

	var frames []Frame
	data := chunk

	if len(fb.header) > 0 {
		need := limits.LengthPrefixSize - len(fb.header)
		if len(data) < need {
			fb.header = append(fb.header, data...)
			return nil, nil
		}
		fb.header = append(fb.header, data[:need]...)
		data = data[need:]

		declared := int32(binary.BigEndian.Uint32(fb.header))
		fb.header = nil
		if err := limits.ValidateFrameLength(declared); err != nil {
			fb.Reset()
			return nil, err
		}
		fb.missing = int(declared) - limits.LengthPrefixSize
		fb.partial = make([]byte, 0, fb.missing)
		if fb.missing == 0 {
			frames = append(frames, Frame{})
			fb.Reset()
		}
	}

	if fb.missing > 0 {
		if len(data) < fb.missing {
			fb.partial = append(fb.partial, data...)
			fb.missing -= len(data)
			return frames, nil
		}
		fb.partial = append(fb.partial, data[:fb.missing]...)
		data = data[fb.missing:]
		frames = append(frames, Frame(fb.partial))
		fb.Reset()
	}

	for len(data) > 0 {
		if len(data) < limits.LengthPrefixSize {
			fb.header = append([]byte(nil), data...)
			fb.since = fb.clock.Now()
			return frames, nil
		}

		declared := int32(binary.BigEndian.Uint32(data))
		if err := limits.ValidateFrameLength(declared); err != nil {
			fb.Reset()
			return frames, err
		}
		body := int(declared) - limits.LengthPrefixSize
		data = data[limits.LengthPrefixSize:]

		if len(data) >= body {
			frames = append(frames, Frame(data[:body:body]))
			data = data[body:]
			continue
		}

		fb.partial = make([]byte, len(data), body)
		copy(fb.partial, data)
		fb.missing = body - len(data)
		fb.since = fb.clock.Now()
		return frames, nil
	}

	return frames, nil
}

// expireStale drops a partial frame that has waited longer than the stale timeout.
func (fb *FrameBuffer) expireStale() {
	if !fb.Pending() || fb.staleTimeout <= 0 {
		return
	}
	if fb.clock.Since(fb.since) <= fb.staleTimeout {
		return
	}

	discarded := len(fb.header) + len(fb.partial)
	logrus.WithFields(logrus.Fields{
		"function":  "FrameBuffer.Feed",
		"discarded": discarded,
		"missing":   fb.missing,
		"waited":    fb.clock.Since(fb.since).String(),
	}).Warn("Discarding stale partial frame")

	fb.staleCount++
	fb.Reset()
	if fb.onStale != nil {
		fb.onStale(discarded)
	}
}
