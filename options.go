package imcore

import (
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/imcore/correlation"
	"github.com/opd-ai/imcore/crypto"
	"github.com/opd-ai/imcore/interfaces"
	"github.com/opd-ai/imcore/login"
	"github.com/opd-ai/imcore/transport"
	"github.com/prometheus/client_golang/prometheus"
)

// Server is one address of the login/sso server.
type Server struct {
	Host string
	Port uint16
}

func (s Server) String() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Options contains session configuration.
type Options struct {
	// Servers are tried in rotation. Empty means Global().Servers.
	Servers []Server
	// ServerPublicKey is the server's static key-exchange key. Zero means
	// Global().ServerPublicKey.
	ServerPublicKey [crypto.ECDHKeySize]byte
	Protocol        login.Protocol

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// HeartbeatFailures is how many consecutive failed heartbeats demote
	// the session to reconnect.
	HeartbeatFailures int
	RequestTimeout    time.Duration
	RequestRetries    int
	NoRouteDelay      time.Duration
	StaleTimeout      time.Duration
	// RefreshMargin is how long before the session key expires a refresh
	// starts.
	RefreshMargin     time.Duration
	RefreshRetryDelay time.Duration
	// ReconnectDelay is the pause between failed reconnect attempts, before
	// jitter.
	ReconnectDelay time.Duration
	MaxLoginRounds int
	AllowSlider    bool

	TransportFactory transport.Factory
	Solver           login.Solver
	EventBus         interfaces.IEventBus
	// Registerer receives the session metrics. Nil leaves them unregistered.
	Registerer   prometheus.Registerer
	TimeProvider crypto.TimeProvider
}

// NewOptions creates a new Options instance with default values.
func NewOptions() *Options {
	return &Options{
		Protocol:          login.AndroidPhone(),
		HeartbeatInterval: 60 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
		HeartbeatFailures: 2,
		RequestTimeout:    correlation.DefaultTimeout,
		RequestRetries:    correlation.DefaultRetries,
		NoRouteDelay:      transport.DefaultNoRouteDelay,
		StaleTimeout:      transport.DefaultStaleTimeout,
		RefreshMargin:     30 * time.Minute,
		RefreshRetryDelay: time.Minute,
		ReconnectDelay:    5 * time.Second,
		MaxLoginRounds:    login.DefaultMaxRounds,
		AllowSlider:       true,
		TransportFactory:  transport.NewTCPFactory(),
	}
}

var (
	// ErrNoSolver indicates the options lack a challenge solver
	ErrNoSolver = errors.New("options require a challenge solver")
	// ErrNoServers indicates neither the options nor the global config name a server
	ErrNoServers = errors.New("no servers configured")
)

func (o *Options) validate() error {
	if o.Solver == nil {
		return ErrNoSolver
	}
	if o.TransportFactory == nil {
		return errors.New("options require a transport factory")
	}
	if o.HeartbeatInterval <= 0 || o.HeartbeatTimeout <= 0 || o.RequestTimeout <= 0 {
		return fmt.Errorf("intervals must be positive: heartbeat %v, heartbeat timeout %v, request timeout %v",
			o.HeartbeatInterval, o.HeartbeatTimeout, o.RequestTimeout)
	}
	if o.HeartbeatFailures < 1 {
		o.HeartbeatFailures = 1
	}
	if o.RequestRetries < 0 {
		o.RequestRetries = 0
	}
	return nil
}
