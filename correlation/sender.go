package correlation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/imcore/packet"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultTimeout is how long one attempt waits for its response.
	DefaultTimeout = 5 * time.Second
	// DefaultRetries is how many times a timed-out request is re-sent.
	DefaultRetries = 2
)

// Transmitter writes one complete frame.
type Transmitter interface {
	Send(frame []byte) error
}

// Options controls one send-and-expect call.
type Options struct {
	Timeout time.Duration
	Retries int
}

// NewOptions returns the default timeout and retry budget.
func NewOptions() Options {
	return Options{Timeout: DefaultTimeout, Retries: DefaultRetries}
}

// Sender transmits requests and waits for their correlated responses.
type Sender struct {
	registry *Registry
	tracer   trace.Tracer
	onRetry  func(key Key, attempt int)
}

// NewSender creates a sender over registry.
func NewSender(registry *Registry) *Sender {
	return &Sender{
		registry: registry,
		tracer:   otel.Tracer("github.com/opd-ai/imcore/correlation"),
	}
}

// Registry returns the registry the sender registers into.
func (s *Sender) Registry() *Registry {
	return s.registry
}

// OnRetry registers a hook called before each re-send.
func (s *Sender) OnRetry(hook func(key Key, attempt int)) {
	s.onRetry = hook
}

// SendAndExpect registers (key), sends frame and waits for the response. A
// timed-out attempt re-sends the same frame under the same key up to
// opts.Retries times. Cancellation, context errors, transmit errors and
// failures reported by the registry are returned without retry.
func (s *Sender) SendAndExpect(ctx context.Context, tx Transmitter, frame []byte, key Key, opts Options) (*packet.Packet, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}

	ctx, span := s.tracer.Start(ctx, "correlation.SendAndExpect", trace.WithAttributes(
		attribute.String("command", key.CommandName),
		attribute.Int("sequence", int(key.SequenceID)),
	))
	defer span.End()

	logger := logrus.WithFields(logrus.Fields{
		"function": "SendAndExpect",
		"key":      key.String(),
	})

	attempts := opts.Retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		pkt, err := s.attempt(ctx, tx, frame, key, opts.Timeout)
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", attempt))
			return pkt, nil
		}
		if !errors.Is(err, ErrTimeout) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if attempt < attempts {
			logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"timeout": opts.Timeout,
			}).Warn("Request timed out, re-sending")
			if s.onRetry != nil {
				s.onRetry(key, attempt)
			}
		}
	}

	err := fmt.Errorf("%w: %s after %d attempts", ErrTimeout, key, attempts)
	span.RecordError(err)
	span.SetStatus(codes.Error, "timeout")
	return nil, err
}

func (s *Sender) attempt(ctx context.Context, tx Transmitter, frame []byte, key Key, timeout time.Duration) (*packet.Packet, error) {
	p, err := s.registry.Register(key.CommandName, key.SequenceID, s.registry.now().Add(timeout))
	if err != nil {
		return nil, err
	}
	if err := tx.Send(frame); err != nil {
		s.registry.resolve(p, nil, err)
		return nil, fmt.Errorf("send %s: %w", key, err)
	}
	return p.Wait(ctx)
}
