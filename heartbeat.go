package imcore

import (
	"context"
	"fmt"
	"time"

	"github.com/opd-ai/imcore/correlation"
	"github.com/opd-ai/imcore/crypto"
	"github.com/opd-ai/imcore/packet"
	"github.com/sirupsen/logrus"
)

func (c *connection) startHeartbeat(life context.Context) {
	ctx, cancel := context.WithCancel(life)
	c.loopsMu.Lock()
	c.stopHeartbeat = cancel
	c.heartbeatDone = make(chan struct{})
	done := c.heartbeatDone
	c.loopsMu.Unlock()
	c.heartbeatActive.Store(true)
	go c.heartbeatLoop(ctx, done)
}

// heartbeatLoop sends a heartbeat every interval. A closed transport or the
// configured number of consecutive unanswered heartbeats demotes the session
// to reconnect; fewer misses are tolerated.
func (c *connection) heartbeatLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.heartbeatActive.Store(false)
	s := c.session

	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !c.transport.IsOpen() {
			s.triggerReconnect(c, ErrLivenessLost)
			return
		}
		err := c.heartbeat(ctx)
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}

		failures++
		s.metrics.heartbeatFailures.Inc()
		if failures < s.opts.HeartbeatFailures {
			logrus.WithFields(logrus.Fields{
				"function": "connection.heartbeatLoop",
				"session":  s.id,
				"failures": failures,
				"error":    err.Error(),
			}).Warn("Heartbeat missed")
			continue
		}
		logrus.WithFields(logrus.Fields{
			"function": "connection.heartbeatLoop",
			"session":  s.id,
			"failures": failures,
		}).Error("Heartbeat failed repeatedly")
		s.triggerReconnect(c, fmt.Errorf("%w: %d consecutive misses", ErrHeartbeatFailed, failures))
		return
	}
}

// heartbeat sends one heartbeat and waits for its reply without retrying.
func (c *connection) heartbeat(ctx context.Context) error {
	body, err := c.commands.EncodeBody(CommandHeartbeat, nil)
	if err != nil {
		return err
	}
	_, err = c.exchange(ctx, packet.Request{
		CommandName: CommandHeartbeat,
		Regime:      crypto.RegimeSession,
		Layout:      packet.LayoutUni,
		Body:        body,
	}, correlation.Options{Timeout: c.session.opts.HeartbeatTimeout})
	return err
}

func (c *connection) startRefresh(life context.Context) {
	ctx, cancel := context.WithCancel(life)
	c.loopsMu.Lock()
	c.stopRefresh = cancel
	c.refreshDone = make(chan struct{})
	done := c.refreshDone
	c.loopsMu.Unlock()
	go c.refreshLoop(ctx, done)
}

// refreshLoop renegotiates the session key RefreshMargin before it expires.
// A failed refresh is retried after RefreshRetryDelay, never later than the
// key's expiry; a refresh that fails once the key has expired demotes the
// session to reconnect.
func (c *connection) refreshLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	s := c.session

	failed := false
	for {
		cur := s.keys.Current()
		if !cur.ExpiresAt.After(cur.IssuedAt) {
			<-ctx.Done()
			return
		}
		now := s.clock.Now()
		wait := refreshDelay(cur, now, s.opts.RefreshMargin)
		if failed {
			wait = min(s.opts.RefreshRetryDelay, cur.ExpiresAt.Sub(now))
		}
		if !sleepContext(ctx, wait) {
			return
		}

		_, err := c.machine.Refresh(ctx)
		if err == nil {
			failed = false
			s.metrics.keyRefreshes.WithLabelValues("success").Inc()
			continue
		}
		if ctx.Err() != nil {
			return
		}
		failed = true
		s.metrics.keyRefreshes.WithLabelValues("error").Inc()
		if cur.Expired(s.clock.Now()) {
			logrus.WithFields(logrus.Fields{
				"function": "connection.refreshLoop",
				"session":  s.id,
				"error":    err.Error(),
			}).Error("Session key expired without a successful refresh")
			s.triggerReconnect(c, fmt.Errorf("%w: %w", ErrSessionKeyExpired, err))
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "connection.refreshLoop",
			"session":  s.id,
			"error":    err.Error(),
		}).Warn("Session key refresh failed")
	}
}

// refreshDelay returns how long to wait before refreshing cur. The refresh
// is due RefreshMargin before expiry, or halfway through the lifetime when
// the margin is longer than the lifetime. A key already past that point is
// refreshed at once.
func refreshDelay(cur *crypto.KeyMaterial, now time.Time, margin time.Duration) time.Duration {
	lifetime := cur.ExpiresAt.Sub(cur.IssuedAt)
	due := cur.ExpiresAt.Add(-margin)
	if margin >= lifetime {
		due = cur.IssuedAt.Add(lifetime / 2)
	}
	return max(due.Sub(now), 0)
}
