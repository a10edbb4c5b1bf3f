package imcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/imcore/correlation"
	"github.com/opd-ai/imcore/crypto"
	"github.com/opd-ai/imcore/interfaces"
	"github.com/opd-ai/imcore/login"
	"github.com/opd-ai/imcore/packet"
	"github.com/opd-ai/imcore/sequence"
	"github.com/opd-ai/imcore/transport"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// Session supervises one account's connection: it connects, logs in, keeps
// the connection alive and reconnects it when it dies.
type Session struct {
	id       SessionID
	opts     Options
	creds    login.Credentials
	device   login.Device
	keys     *crypto.KeyStore
	seq      *sequence.Set
	registry *correlation.Registry
	sender   *correlation.Sender
	bus      interfaces.IEventBus
	metrics  *metrics
	clock    crypto.TimeProvider
	tracer   trace.Tracer

	state         atomic.Int32
	onStateChange func(from, to State)
	reconnects    singleflight.Group
	background    sync.WaitGroup

	mu       sync.Mutex
	conn     *connection
	commands []packet.Command
	attempts int
	life     context.Context
	stop     context.CancelFunc
	closing  bool
}

// NewSession creates a disconnected session. opts may be nil for defaults,
// but a Solver is always required.
func NewSession(creds login.Credentials, device login.Device, opts *Options) (*Session, error) {
	if opts == nil {
		opts = NewOptions()
	}
	o := *opts
	if err := o.validate(); err != nil {
		return nil, err
	}
	if o.EventBus == nil {
		o.EventBus = NewEventBus()
	}
	if o.TimeProvider == nil {
		o.TimeProvider = crypto.GetDefaultTimeProvider()
	}

	s := &Session{
		opts:     o,
		creds:    creds,
		device:   device,
		keys:     crypto.NewKeyStore(),
		seq:      sequence.NewSet(),
		registry: correlation.NewRegistry(),
		bus:      o.EventBus,
		metrics:  newMetrics(o.Registerer, creds.Account),
		clock:    o.TimeProvider,
		tracer:   otel.Tracer("github.com/opd-ai/imcore"),
	}
	s.keys.SetTimeProvider(s.clock)
	s.registry.SetTimeProvider(s.clock)
	s.registry.OnChange(func(pending int) { s.metrics.pendingRequests.Set(float64(pending)) })
	s.sender = correlation.NewSender(s.registry)
	s.sender.OnRetry(func(correlation.Key, int) { s.metrics.requestRetries.Inc() })
	s.id = registerSession(s)

	logrus.WithFields(logrus.Fields{
		"function": "NewSession",
		"session":  s.id,
		"account":  creds.Account,
	}).Info("Created session")
	return s, nil
}

// ID returns the session's arena identifier.
func (s *Session) ID() SessionID { return s.id }

// Account returns the account the session logs in as.
func (s *Session) Account() int64 { return s.creds.Account }

// State returns the supervisor state.
func (s *Session) State() State { return State(s.state.Load()) }

// Keys returns the session's key store.
func (s *Session) Keys() *crypto.KeyStore { return s.keys }

// Sequences returns the session's sequence counters.
func (s *Session) Sequences() *sequence.Set { return s.seq }

// Bus returns the event bus the session publishes to.
func (s *Session) Bus() interfaces.IEventBus { return s.bus }

// OnStateChange registers a hook called on every state change. It must be
// set before Login.
func (s *Session) OnStateChange(hook func(from, to State)) {
	s.onStateChange = hook
}

func (s *Session) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	s.metrics.state.Set(float64(to))
	logrus.WithFields(logrus.Fields{
		"function": "Session.setState",
		"session":  s.id,
		"from":     from.String(),
		"to":       to.String(),
	}).Info("Session state changed")
	if s.onStateChange != nil {
		s.onStateChange(from, to)
	}
}

// AreYouOK reports whether the transport is open and both the frame reader
// and the heartbeat are running.
func (s *Session) AreYouOK() bool {
	c := s.current()
	return c != nil &&
		c.transport.IsOpen() &&
		c.readerActive.Load() &&
		c.heartbeatActive.Load()
}

// CheckLiveness demotes an online session whose liveness check fails to a
// reconnect. It reports whether the session was healthy.
func (s *Session) CheckLiveness() bool {
	c := s.current()
	if c == nil {
		return false
	}
	if s.AreYouOK() {
		return true
	}
	s.triggerReconnect(c, ErrLivenessLost)
	return false
}

func (s *Session) current() *connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Login connects and runs the login handshake. It returns once the session
// is online; from then on the session reconnects by itself until Close or a
// server kick.
func (s *Session) Login(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closing:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.life != nil && s.life.Err() == nil:
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	life, stop := context.WithCancel(context.Background())
	s.life, s.stop = life, stop
	s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "imcore.Session.Login", trace.WithAttributes(
		attribute.Int64("account", s.creds.Account),
	))
	defer span.End()

	ctx, release := bind(ctx, life)
	defer release()

	conn, err := s.establish(ctx, life, true)
	if err == nil {
		err = s.goOnline(conn, life)
	}
	if err != nil {
		stop()
		s.setState(StateDisconnected)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logrus.WithFields(logrus.Fields{
			"function": "Session.Login",
			"session":  s.id,
			"account":  s.creds.Account,
			"error":    err.Error(),
		}).Error("Login failed")
		return err
	}
	return nil
}

// bind returns a context that ends when either ctx or life ends.
func bind(ctx, life context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(life, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// establish connects and logs in. On the first connection of a session a
// declined slider captcha restarts the sequence once with sliders disabled.
func (s *Session) establish(ctx, life context.Context, first bool) (*connection, error) {
	allowSlider := s.opts.AllowSlider
	for {
		conn, err := s.connect(ctx, life)
		if err != nil {
			return nil, err
		}
		err = s.login(ctx, conn, allowSlider, first)
		if err == nil {
			return conn, nil
		}
		s.teardown(conn, err)
		if errors.Is(err, login.ErrRestartWithoutSlider) && allowSlider {
			logrus.WithFields(logrus.Fields{
				"function": "Session.establish",
				"session":  s.id,
			}).Info("Slider captcha declined, restarting connection without slider support")
			allowSlider = false
			first = false
			continue
		}
		return nil, err
	}
}

// connect opens a fresh transport to the next server with fresh key state
// and starts its frame reader.
func (s *Session) connect(ctx, life context.Context) (*connection, error) {
	s.setState(StateConnecting)
	s.keys.Reset()

	server, err := s.nextServer()
	if err != nil {
		return nil, err
	}
	tr := s.opts.TransportFactory()
	if err := transport.ConnectWithRetry(ctx, tr, server.Host, server.Port, s.opts.NoRouteDelay); err != nil {
		return nil, fmt.Errorf("connect %s: %w", server, err)
	}
	conn, err := s.newConnection(tr, server)
	if err != nil {
		tr.Close()
		return nil, err
	}
	conn.startReader(life)

	logrus.WithFields(logrus.Fields{
		"function": "Session.connect",
		"session":  s.id,
		"server":   server.String(),
	}).Info("Connected")
	return conn, nil
}

func (s *Session) nextServer() (Server, error) {
	servers := s.opts.Servers
	if len(servers) == 0 {
		servers = Global().Servers
	}
	if len(servers) == 0 {
		return Server{}, ErrNoServers
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	server := servers[s.attempts%len(servers)]
	s.attempts++
	return server, nil
}

func (s *Session) serverKey() [crypto.ECDHKeySize]byte {
	if s.opts.ServerPublicKey != ([crypto.ECDHKeySize]byte{}) {
		return s.opts.ServerPublicKey
	}
	return Global().ServerPublicKey
}

// login runs the handshake on conn.
func (s *Session) login(ctx context.Context, conn *connection, allowSlider, first bool) error {
	s.setState(StateLoggingIn)

	ecdh, err := crypto.NewECDH(s.serverKey())
	if err != nil {
		return err
	}
	conn.ecdh = ecdh

	cfg := login.NewConfig(s.creds, s.device)
	cfg.Protocol = s.opts.Protocol
	cfg.AllowSlider = allowSlider
	cfg.FirstAttempt = first
	cfg.MaxRounds = s.opts.MaxLoginRounds
	m, err := login.NewMachine(cfg, conn, ecdh, s.keys, s.opts.Solver)
	if err != nil {
		return err
	}
	m.SetTimeProvider(s.clock)
	m.OnTransition(func(from, to login.State) {
		logrus.WithFields(logrus.Fields{
			"function": "Session.login",
			"session":  s.id,
			"from":     from.String(),
			"to":       to.String(),
		}).Debug("Login state changed")
	})
	if err := m.RegisterCommands(conn.commands); err != nil {
		return err
	}
	conn.machine = m

	success, err := m.Run(ctx)
	s.metrics.logins.WithLabelValues(loginOutcome(err)).Inc()
	if err != nil {
		return err
	}
	conn.nick = success.Tickets.Nick
	return nil
}

func loginOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, login.ErrRestartWithoutSlider):
		return "restart"
	case errors.Is(err, login.ErrWrongCredentials):
		return "wrong_credentials"
	case errors.Is(err, login.ErrRetryLater):
		return "retry_later"
	case errors.Is(err, login.ErrSliderUnsupported):
		return "slider_unsupported"
	case errors.Is(err, login.ErrSMSUnsupported):
		return "sms_unsupported"
	default:
		return "error"
	}
}

// goOnline starts the heartbeat and key-refresh loops of a logged-in
// connection and installs it as the current connection.
func (s *Session) goOnline(conn *connection, life context.Context) error {
	conn.startHeartbeat(life)
	conn.startRefresh(life)
	conn.online.Store(true)

	s.mu.Lock()
	if life.Err() != nil {
		s.mu.Unlock()
		s.teardown(conn, ErrSessionClosed)
		return ErrSessionClosed
	}
	s.conn = conn
	s.mu.Unlock()

	s.setState(StateOnline)
	s.bus.Publish(SessionOnline{Session: s.id, Account: s.creds.Account, Nick: conn.nick})
	return nil
}

// spawn runs f in the background unless the session is closing.
func (s *Session) spawn(f func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		f()
	}()
	return true
}

// triggerReconnect demotes conn from a goroutine other than its loops.
func (s *Session) triggerReconnect(conn *connection, cause error) {
	s.spawn(func() { s.reconnect(conn, cause) })
}

// reconnect tears conn down and connects again until it succeeds, the
// session stops, or login fails for good. Concurrent triggers for the same
// failure collapse into one cycle.
func (s *Session) reconnect(conn *connection, cause error) {
	s.reconnects.Do("reconnect", func() (any, error) {
		s.mu.Lock()
		current, life, stop := s.conn, s.life, s.stop
		s.mu.Unlock()
		if current != conn {
			return nil, nil
		}

		s.setState(StateDegraded)
		logrus.WithFields(logrus.Fields{
			"function": "Session.reconnect",
			"session":  s.id,
			"cause":    cause.Error(),
		}).Warn("Connection lost, reconnecting")

		s.teardown(conn, cause)
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		s.bus.Publish(SessionOffline{Session: s.id, Kind: OfflineDropped, Cause: cause})
		s.metrics.reconnects.Inc()

		for attempt := 1; ; attempt++ {
			s.setState(StateReconnecting)
			next, err := s.establish(life, life, false)
			if err == nil {
				if err := s.goOnline(next, life); err != nil {
					return nil, err
				}
				s.bus.Publish(Reconnected{Session: s.id, Server: next.server})
				return nil, nil
			}
			if life.Err() != nil {
				s.setState(StateDisconnected)
				return nil, life.Err()
			}
			var loginErr *login.Error
			if errors.As(err, &loginErr) {
				logrus.WithFields(logrus.Fields{
					"function": "Session.reconnect",
					"session":  s.id,
					"error":    err.Error(),
				}).Error("Login rejected during reconnect, giving up")
				stop()
				s.setState(StateDisconnected)
				return nil, err
			}

			delay := s.opts.ReconnectDelay + Jitter()
			logrus.WithFields(logrus.Fields{
				"function": "Session.reconnect",
				"session":  s.id,
				"attempt":  attempt,
				"delay":    delay,
				"error":    err.Error(),
			}).Warn("Reconnect attempt failed")
			if !sleepContext(life, delay) {
				s.setState(StateDisconnected)
				return nil, life.Err()
			}
		}
	})
}

// forceOffline ends the session after a server kick without reconnecting.
func (s *Session) forceOffline(conn *connection, pkt *packet.Packet, cause error) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Session.forceOffline",
		"session":     s.id,
		"command":     pkt.CommandName,
		"return_code": pkt.ReturnCode,
	}).Error("Server forced the session offline")

	s.teardown(conn, cause)
	s.setState(StateDisconnected)
	s.bus.Publish(SessionOffline{Session: s.id, Kind: OfflineForce, Cause: cause})
}

// teardown stops conn's loops in order (heartbeat, frame reader, key
// refresh), waiting for each to exit, then closes the transport, cancels
// every pending request, publishes the pushes still queued and drops the
// connection's keys. It runs once per connection; later calls wait for the
// first to finish.
func (s *Session) teardown(conn *connection, cause error) {
	conn.teardownOnce.Do(func() {
		conn.online.Store(false)
		conn.stopLoops()
		if err := conn.transport.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Session.teardown",
				"session":  s.id,
				"error":    err.Error(),
			}).Warn("Transport close failed")
		}
		s.registry.CancelAll(cause)
		conn.pushes.close()
		s.keys.Reset()
		if conn.ecdh != nil {
			conn.ecdh.Wipe()
		}

		logrus.WithFields(logrus.Fields{
			"function": "Session.teardown",
			"session":  s.id,
			"server":   conn.server.String(),
			"cause":    fmt.Sprint(cause),
		}).Info("Connection torn down")
	})
}

// Close logs out locally and stops every background task. It is safe to
// call more than once. Event listeners must not call Close synchronously.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	if s.stop != nil {
		s.stop()
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.background.Wait()
	if conn != nil {
		s.teardown(conn, ErrSessionClosed)
	}
	s.setState(StateDisconnected)
	unregisterSession(s.id)
	if conn != nil {
		s.bus.Publish(SessionOffline{Session: s.id, Kind: OfflineActive, Cause: ErrSessionClosed})
	}

	logrus.WithFields(logrus.Fields{
		"function": "Session.Close",
		"session":  s.id,
	}).Info("Session closed")
	return nil
}

// RegisterCommand adds a command codec to this and every later connection.
func (s *Session) RegisterCommand(cmd packet.Command) error {
	s.mu.Lock()
	for _, existing := range s.commands {
		if existing.Name == cmd.Name {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", packet.ErrDuplicateCommand, cmd.Name)
		}
	}
	s.commands = append(s.commands, cmd)
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		return conn.commands.Register(cmd)
	}
	return nil
}

func (s *Session) online() (*connection, error) {
	conn := s.current()
	if conn == nil || !conn.online.Load() {
		return nil, ErrNotOnline
	}
	return conn, nil
}

func (s *Session) requestOptions() correlation.Options {
	return correlation.Options{Timeout: s.opts.RequestTimeout, Retries: s.opts.RequestRetries}
}

// SendAndExpect sends body under commandName on the session key and waits
// for the correlated reply, retrying timeouts per the options.
func (s *Session) SendAndExpect(ctx context.Context, commandName string, body []byte) (*packet.Packet, error) {
	conn, err := s.online()
	if err != nil {
		return nil, err
	}
	layout := packet.LayoutUni
	if cmd, ok := conn.commands.Lookup(commandName); ok {
		layout = cmd.Layout
	}
	return conn.exchange(ctx, packet.Request{
		CommandName: commandName,
		Regime:      crypto.RegimeSession,
		Layout:      layout,
		Body:        body,
	}, s.requestOptions())
}

// Send transmits body under commandName without waiting for a reply.
func (s *Session) Send(commandName string, body []byte) error {
	conn, err := s.online()
	if err != nil {
		return err
	}
	frame, err := conn.codec.Encode(commandName, s.seq.SSO.Next(), crypto.RegimeSession, body)
	if err != nil {
		return err
	}
	return conn.Send(frame)
}

// Call encodes v with the codec registered under commandName, sends it and
// decodes the reply.
func (s *Session) Call(ctx context.Context, commandName string, v any) (any, error) {
	conn, err := s.online()
	if err != nil {
		return nil, err
	}
	body, err := conn.commands.EncodeBody(commandName, v)
	if err != nil {
		return nil, err
	}
	pkt, err := s.SendAndExpect(ctx, commandName, body)
	if err != nil {
		return nil, err
	}
	return conn.commands.DecodeBody(pkt)
}

// RefreshKey renegotiates the session key now instead of waiting for the
// refresh loop.
func (s *Session) RefreshKey(ctx context.Context) error {
	conn, err := s.online()
	if err != nil {
		return err
	}
	_, err = conn.machine.Refresh(ctx)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	s.metrics.keyRefreshes.WithLabelValues(outcome).Inc()
	return err
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
