package imcore

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// metrics holds the Prometheus collectors of one session.
type metrics struct {
	framesReceived    prometheus.Counter
	decodeErrors      prometheus.Counter
	staleFrames       prometheus.Counter
	unmatchedPackets  prometheus.Counter
	heartbeatFailures prometheus.Counter
	reconnects        prometheus.Counter
	requestRetries    prometheus.Counter
	keyRefreshes      *prometheus.CounterVec
	logins            *prometheus.CounterVec
	pendingRequests   prometheus.Gauge
	state             prometheus.Gauge
}

// newMetrics creates the collectors labelled with account. A nil registerer
// leaves them unregistered. Collectors already registered for the same
// account, by an earlier session, are reused so series continue across
// re-logins.
func newMetrics(reg prometheus.Registerer, account int64) *metrics {
	labels := prometheus.Labels{"account": strconv.FormatInt(account, 10)}
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{
			Namespace:   "imcore",
			Subsystem:   "session",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}
	}
	counter := func(name, help string) prometheus.Counter {
		return register(reg, prometheus.NewCounter(opts(name, help)))
	}
	gauge := func(name, help string) prometheus.Gauge {
		return register(reg, prometheus.NewGauge(prometheus.GaugeOpts(opts(name, help))))
	}
	outcomes := func(name, help string) *prometheus.CounterVec {
		return register(reg, prometheus.NewCounterVec(opts(name, help), []string{"outcome"}))
	}

	return &metrics{
		framesReceived:    counter("frames_received_total", "Complete frames reassembled from the transport"),
		decodeErrors:      counter("decode_errors_total", "Frames that failed to decode and were skipped"),
		staleFrames:       counter("stale_frames_total", "Partial frames discarded after the stale timeout"),
		unmatchedPackets:  counter("unmatched_packets_total", "Packets that answered no pending request"),
		heartbeatFailures: counter("heartbeat_failures_total", "Heartbeats that received no reply"),
		reconnects:        counter("reconnects_total", "Reconnect cycles started"),
		requestRetries:    counter("request_retries_total", "Requests re-sent after a timeout"),
		keyRefreshes:      outcomes("key_refreshes_total", "Session key refresh attempts by outcome"),
		logins:            outcomes("logins_total", "Login handshakes by outcome"),
		pendingRequests:   gauge("pending_requests", "Requests awaiting a correlated response"),
		state:             gauge("state", "Current supervisor state"),
	}
}

// register adds c to reg. When an equal collector is already registered the
// existing one is returned instead. Any other registration failure leaves c
// working but unexported.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing
		}
	}
	logrus.WithFields(logrus.Fields{
		"function": "newMetrics",
		"error":    err.Error(),
	}).Warn("Session metric not registered")
	return c
}
