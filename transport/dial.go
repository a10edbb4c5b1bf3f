package transport

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultNoRouteDelay is the pause between connection attempts while the
// network is unreachable.
const DefaultNoRouteDelay = 3 * time.Second

// ConnectWithRetry connects t to host:port. Unreachable-network errors are
// retried forever with a fixed delay; any other error is returned at once.
// The loop ends early only when ctx is done.
func ConnectWithRetry(ctx context.Context, t Transport, host string, port uint16, delay time.Duration) error {
	if delay <= 0 {
		delay = DefaultNoRouteDelay
	}

	for attempt := 1; ; attempt++ {
		err := t.Connect(ctx, host, port)
		if err == nil {
			return nil
		}
		if !IsNoRoute(err) {
			logrus.WithFields(logrus.Fields{
				"function": "ConnectWithRetry",
				"host":     host,
				"port":     port,
				"attempt":  attempt,
				"error":    err.Error(),
			}).Error("Connection failed")
			return err
		}

		logrus.WithFields(logrus.Fields{
			"function": "ConnectWithRetry",
			"host":     host,
			"port":     port,
			"attempt":  attempt,
			"delay":    delay,
		}).Warn("Network unreachable, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
