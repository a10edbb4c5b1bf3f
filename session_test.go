package imcore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opd-ai/imcore/correlation"
	"github.com/opd-ai/imcore/crypto"
	"github.com/opd-ai/imcore/interfaces"
	"github.com/opd-ai/imcore/login"
	"github.com/opd-ai/imcore/packet"
	simnet "github.com/opd-ai/imcore/testing"
	"github.com/opd-ai/imcore/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

type stubSolver struct{}

func (stubSolver) SolvePictureCaptcha(context.Context, []byte) (string, error) { return "ABCD", nil }
func (stubSolver) SolveSliderCaptcha(context.Context, string) (string, error)  { return "ticket", nil }
func (stubSolver) ConfirmUnsafeDevice(context.Context, string) error           { return nil }

type noSliderSolver struct{ stubSolver }

func (noSliderSolver) SupportsSliderCaptcha() bool { return false }

// recorder collects every event published on a bus.
type recorder struct {
	mu     sync.Mutex
	events []any
}

func (r *recorder) add(event any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) all() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.events...)
}

func (r *recorder) offline() []SessionOffline {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []SessionOffline
	for _, e := range r.events {
		if o, ok := e.(SessionOffline); ok {
			out = append(out, o)
		}
	}
	return out
}

func (r *recorder) count(match func(any) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if match(e) {
			n++
		}
	}
	return n
}

func isReconnected(e any) bool {
	_, ok := e.(Reconnected)
	return ok
}

type harness struct {
	session  *Session
	server   *simnet.SimulatedServer
	events   *recorder
	registry *prometheus.Registry

	mu     sync.Mutex
	states []State
}

func (h *harness) stateLog() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

func newHarness(t *testing.T, cfg simnet.ServerConfig, tweak func(*Options)) *harness {
	t.Helper()
	pub, priv, err := crypto.GenerateServerKeypair()
	require.NoError(t, err)
	creds := login.NewCredentials(10001, "secret")
	cfg.Credentials = creds
	cfg.ServerPrivate = priv
	server := simnet.NewSimulatedServer(cfg)

	device, err := login.NewRandomDevice()
	require.NoError(t, err)

	bus := NewEventBus()
	h := &harness{server: server, events: &recorder{}, registry: prometheus.NewRegistry()}
	interfaces.SubscribeAlways(bus, interfaces.SubscribeOptions{Mode: interfaces.ConcurrencyLocked}, h.events.add)

	opts := NewOptions()
	opts.Servers = []Server{{Host: "sim-a", Port: 8080}, {Host: "sim-b", Port: 8080}}
	opts.ServerPublicKey = pub
	opts.TransportFactory = server.Factory()
	opts.Solver = stubSolver{}
	opts.EventBus = bus
	opts.Registerer = h.registry
	opts.HeartbeatInterval = time.Hour
	opts.HeartbeatTimeout = 50 * time.Millisecond
	opts.RequestTimeout = time.Second
	opts.NoRouteDelay = 10 * time.Millisecond
	opts.ReconnectDelay = 10 * time.Millisecond
	if tweak != nil {
		tweak(opts)
	}

	h.session, err = NewSession(creds, device, opts)
	require.NoError(t, err)
	h.session.OnStateChange(func(_, to State) {
		h.mu.Lock()
		h.states = append(h.states, to)
		h.mu.Unlock()
	})
	t.Cleanup(func() { h.session.Close() })
	return h
}

// metric reads a session counter from the registry. A non-empty outcome
// selects the series with that outcome label.
func (h *harness) metric(t *testing.T, name, outcome string) float64 {
	t.Helper()
	families, err := h.registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "imcore_session_"+name {
			continue
		}
		for _, m := range mf.GetMetric() {
			matched := outcome == ""
			for _, label := range m.GetLabel() {
				if label.GetName() == "outcome" && label.GetValue() == outcome {
					matched = true
				}
			}
			if matched {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func (h *harness) login(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.session.Login(ctx))
}

func TestLoginGoesOnline(t *testing.T) {
	h := newHarness(t, simnet.ServerConfig{ChunkSize: 5}, nil)
	h.login(t)

	s := h.session
	assert.Equal(t, StateOnline, s.State())
	assert.True(t, s.AreYouOK())
	assert.Equal(t, []State{StateConnecting, StateLoggingIn, StateOnline}, h.stateLog())

	cur := s.Keys().Current()
	assert.Equal(t, crypto.RegimeSession, cur.Regime)
	assert.Equal(t, simnet.DefaultTickets(0x5A).D2Key, cur.SessionKey)

	assert.Equal(t, 1, h.server.Logins())
	assert.Equal(t, []string{"sim-a:8080"}, h.server.Dials())
	assert.Equal(t, 1, h.events.count(func(e any) bool {
		online, ok := e.(SessionOnline)
		return ok && online.Nick == "simulated" && online.Account == 10001
	}))

	found, ok := Lookup(s.ID())
	require.True(t, ok)
	assert.Same(t, s, found)
	assert.ErrorIs(t, s.Login(context.Background()), ErrAlreadyRunning)
	assert.Equal(t, 1.0, h.metric(t, "logins_total", "success"))
}

func TestHeartbeatDoubleFailureReconnectsOnce(t *testing.T) {
	var first atomic.Pointer[connection]
	var joinedMu sync.Mutex
	var joined []bool

	h := newHarness(t, simnet.ServerConfig{
		Heartbeat: func(n int) bool { return n != 2 && n != 3 },
	}, nil)
	factory := h.server.Factory()
	h.session.opts.HeartbeatInterval = 30 * time.Millisecond
	h.session.opts.TransportFactory = func() transport.Transport {
		return &hookedTransport{Transport: factory(), onConnect: func() {
			prev := first.Load()
			if prev == nil {
				return
			}
			joinedMu.Lock()
			defer joinedMu.Unlock()
			joined = append(joined, !prev.readerActive.Load() &&
				!prev.heartbeatActive.Load() &&
				isClosed(prev.heartbeatDone) &&
				isClosed(prev.readerDone) &&
				!prev.transport.IsOpen())
		}}
	}

	h.login(t)
	first.Store(h.session.current())

	require.Eventually(t, func() bool {
		return h.server.Connects() == 2 && h.session.State() == StateOnline
	}, waitFor, tick)
	// Let later heartbeats succeed on the new connection.
	require.Eventually(t, func() bool { return h.server.Heartbeats() >= 5 }, waitFor, tick)

	assert.Equal(t, 2, h.server.Connects(), "exactly one reconnect")
	joinedMu.Lock()
	assert.Equal(t, []bool{true}, joined, "old loops joined before the new connect")
	joinedMu.Unlock()

	offline := h.events.offline()
	require.Len(t, offline, 1)
	assert.Equal(t, OfflineDropped, offline[0].Kind)
	assert.ErrorIs(t, offline[0].Cause, ErrHeartbeatFailed)
	assert.Equal(t, 1, h.events.count(isReconnected))
	assert.Equal(t, 1.0, h.metric(t, "reconnects_total", ""))
	assert.Equal(t, 2.0, h.metric(t, "heartbeat_failures_total", ""))
	assert.Equal(t, []string{"sim-a:8080", "sim-b:8080"}, h.server.Dials(), "servers rotate")

	assert.Subset(t, h.stateLog(), []State{StateDegraded, StateReconnecting})
	assert.True(t, h.session.AreYouOK())
}

type hookedTransport struct {
	transport.Transport
	onConnect func()
}

func (p *hookedTransport) Connect(ctx context.Context, host string, port uint16) error {
	p.onConnect()
	return p.Transport.Connect(ctx, host, port)
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestConcurrentReconnectTriggersCollapse(t *testing.T) {
	h := newHarness(t, simnet.ServerConfig{}, nil)
	h.login(t)
	conn := h.session.current()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.session.reconnect(conn, ErrLivenessLost)
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, h.server.Connects())
	assert.Equal(t, StateOnline, h.session.State())
	assert.Equal(t, 1, h.events.count(isReconnected))
}

func TestDropConnectionReconnects(t *testing.T) {
	h := newHarness(t, simnet.ServerConfig{}, nil)
	h.login(t)

	h.server.DropConnection()
	require.Eventually(t, func() bool {
		return h.events.count(isReconnected) == 1 && h.session.State() == StateOnline
	}, waitFor, tick)
	assert.Equal(t, 2, h.server.Connects())
	assert.Equal(t, 2, h.server.Logins())
	offline := h.events.offline()
	require.Len(t, offline, 1)
	assert.ErrorIs(t, offline[0].Cause, transport.ErrConnectionClosed)
}

func TestCheckLivenessDemotesDeadSession(t *testing.T) {
	h := newHarness(t, simnet.ServerConfig{}, nil)
	h.login(t)
	assert.True(t, h.session.CheckLiveness())

	conn := h.session.current()
	conn.stopHeartbeat()
	<-conn.heartbeatDone
	assert.False(t, h.session.AreYouOK())
	assert.False(t, h.session.CheckLiveness())

	require.Eventually(t, func() bool {
		return h.events.count(isReconnected) == 1 && h.session.AreYouOK()
	}, waitFor, tick)
}

func TestSliderDeclinedRestartsWithoutSlider(t *testing.T) {
	var mu sync.Mutex
	var allowed []bool
	record := func(r *login.ServerRequest) {
		mu.Lock()
		allowed = append(allowed, r.AllowsSlider())
		mu.Unlock()
	}

	h := newHarness(t, simnet.ServerConfig{
		LoginScript: []func(*login.ServerRequest) login.Challenge{
			func(r *login.ServerRequest) login.Challenge {
				record(r)
				return login.SliderCaptcha{URL: "https://captcha.example/slider"}
			},
			func(r *login.ServerRequest) login.Challenge {
				record(r)
				return login.Success{Tickets: simnet.DefaultTickets(7)}
			},
		},
	}, func(o *Options) { o.Solver = noSliderSolver{} })

	h.login(t)
	assert.Equal(t, StateOnline, h.session.State())
	assert.Equal(t, 2, h.server.Connects())
	assert.Equal(t, []bool{true, false}, allowed)
	assert.Equal(t, simnet.DefaultTickets(7).D2Key, h.session.Keys().Current().SessionKey)
	assert.Equal(t, []State{
		StateConnecting, StateLoggingIn,
		StateConnecting, StateLoggingIn, StateOnline,
	}, h.stateLog())
	assert.Equal(t, 1.0, h.metric(t, "logins_total", "restart"))
}

func TestSliderDeclinedTwiceIsFatal(t *testing.T) {
	slider := func(*login.ServerRequest) login.Challenge {
		return login.SliderCaptcha{URL: "https://captcha.example/slider"}
	}
	h := newHarness(t, simnet.ServerConfig{
		LoginScript: []func(*login.ServerRequest) login.Challenge{slider, slider},
	}, func(o *Options) { o.Solver = noSliderSolver{} })

	err := h.session.Login(context.Background())
	assert.ErrorIs(t, err, login.ErrSliderUnsupported)
	assert.Equal(t, StateDisconnected, h.session.State())
	assert.Equal(t, 2, h.server.Connects())
	assert.Nil(t, h.session.current())
}

func TestLoginWrongCredentials(t *testing.T) {
	h := newHarness(t, simnet.ServerConfig{
		LoginScript: []func(*login.ServerRequest) login.Challenge{
			func(*login.ServerRequest) login.Challenge {
				return login.Failure{Status: 1, Code: 1, Title: "Login failed", Message: "wrong password"}
			},
		},
	}, nil)

	err := h.session.Login(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, login.ErrWrongCredentials)
	var loginErr *login.Error
	require.ErrorAs(t, err, &loginErr)
	assert.Equal(t, "wrong password", loginErr.Message)
	assert.Equal(t, StateDisconnected, h.session.State())

	// A failed session can log in again.
	h.login(t)
	assert.Equal(t, StateOnline, h.session.State())
}

func TestConnectRetriesUnreachableNetwork(t *testing.T) {
	h := newHarness(t, simnet.ServerConfig{}, nil)
	h.server.FailConnects(transport.ErrNoRoute, transport.ErrNoRoute)
	h.login(t)
	assert.Equal(t, []string{"sim-a:8080", "sim-a:8080", "sim-a:8080"}, h.server.Dials())
	assert.Equal(t, 1, h.server.Connects())
}

func TestConnectOtherErrorPropagates(t *testing.T) {
	refused := errors.New("connection refused")
	h := newHarness(t, simnet.ServerConfig{}, nil)
	h.server.FailConnects(refused)
	err := h.session.Login(context.Background())
	assert.ErrorIs(t, err, refused)
	assert.Equal(t, StateDisconnected, h.session.State())
}

func TestForceOfflineStopsWithoutReconnect(t *testing.T) {
	h := newHarness(t, simnet.ServerConfig{}, nil)
	h.login(t)

	require.NoError(t, h.server.ForceOffline())
	require.Eventually(t, func() bool {
		return len(h.events.offline()) == 1 && h.session.State() == StateDisconnected
	}, waitFor, tick)

	offline := h.events.offline()[0]
	assert.Equal(t, OfflineForce, offline.Kind)
	assert.ErrorIs(t, offline.Cause, packet.ErrForceOffline)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.server.Connects())
	assert.Zero(t, h.events.count(isReconnected))
	assert.False(t, h.session.AreYouOK())
	assert.Equal(t, crypto.RegimeNone, h.session.Keys().Regime())
}

func echoHandlers() map[string]simnet.Handler {
	return map[string]simnet.Handler{
		"Echo.Svc": func(req *packet.Request) ([]byte, error) { return req.Body, nil },
		"Void.Svc": func(*packet.Request) ([]byte, error) { return nil, errors.New("never answers") },
	}
}

func echoCommand() packet.Command {
	return packet.Command{
		Name:   "Echo.Svc",
		Layout: packet.LayoutUni,
		Encode: func(v any) ([]byte, error) { return []byte(v.(string)), nil },
		Decode: func(body []byte) (any, error) { return string(body), nil },
	}
}

func TestSendAndExpectAndCall(t *testing.T) {
	h := newHarness(t, simnet.ServerConfig{Handlers: echoHandlers(), Compress: true}, nil)
	_, err := h.session.SendAndExpect(context.Background(), "Echo.Svc", []byte("x"))
	assert.ErrorIs(t, err, ErrNotOnline)

	require.NoError(t, h.session.RegisterCommand(echoCommand()))
	assert.ErrorIs(t, h.session.RegisterCommand(echoCommand()), packet.ErrDuplicateCommand)
	h.login(t)

	pkt, err := h.session.SendAndExpect(context.Background(), "Echo.Svc", []byte("raw"))
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), pkt.Body)

	v, err := h.session.Call(context.Background(), "Echo.Svc", "typed")
	require.NoError(t, err)
	assert.Equal(t, "typed", v)

	require.NoError(t, h.session.Send("Echo.Svc", []byte("one-way")))
	require.Eventually(t, func() bool {
		return h.events.count(func(e any) bool {
			p, ok := e.(PacketReceived)
			return ok && p.Decoded == "one-way"
		}) == 1
	}, waitFor, tick, "a reply nobody waits for is published")
}

func TestRequestTimeoutRetries(t *testing.T) {
	h := newHarness(t, simnet.ServerConfig{Handlers: echoHandlers()}, func(o *Options) {
		o.RequestTimeout = 20 * time.Millisecond
		o.RequestRetries = 2
	})
	h.login(t)

	before := len(h.server.Requests())
	_, err := h.session.SendAndExpect(context.Background(), "Void.Svc", nil)
	assert.ErrorIs(t, err, correlation.ErrTimeout)
	assert.Len(t, h.server.Requests(), before+3)
	assert.Equal(t, 2.0, h.metric(t, "request_retries_total", ""))
}

func TestCloseCancelsPendingRequests(t *testing.T) {
	h := newHarness(t, simnet.ServerConfig{Handlers: echoHandlers()}, nil)
	h.login(t)

	errc := make(chan error, 1)
	go func() {
		_, err := h.session.SendAndExpect(context.Background(), "Void.Svc", nil)
		errc <- err
	}()
	require.Eventually(t, func() bool { return h.session.registry.Len() == 1 }, waitFor, tick)

	require.NoError(t, h.session.Close())
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, correlation.ErrCancelled)
		assert.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(waitFor):
		t.Fatal("pending request was not cancelled")
	}

	assert.Equal(t, StateDisconnected, h.session.State())
	offline := h.events.offline()
	require.Len(t, offline, 1)
	assert.Equal(t, OfflineActive, offline[0].Kind)
	_, ok := Lookup(h.session.ID())
	assert.False(t, ok)
	assert.ErrorIs(t, h.session.Login(context.Background()), ErrSessionClosed)
	assert.NoError(t, h.session.Close())
}

func TestPushPublishesPacketReceived(t *testing.T) {
	h := newHarness(t, simnet.ServerConfig{}, nil)
	require.NoError(t, h.session.RegisterCommand(packet.Command{
		Name:   "OnlinePush.Msg",
		Decode: func(body []byte) (any, error) { return "decoded:" + string(body), nil },
	}))
	h.login(t)

	require.NoError(t, h.server.Push("OnlinePush.Msg", []byte("hi")))
	require.NoError(t, h.server.Push("Unknown.Push", []byte("raw")))
	require.Eventually(t, func() bool {
		return h.events.count(func(e any) bool { _, ok := e.(PacketReceived); return ok }) == 2
	}, waitFor, tick)

	assert.Equal(t, 1, h.events.count(func(e any) bool {
		p, ok := e.(PacketReceived)
		return ok && p.Decoded == "decoded:hi" && p.Session == h.session.ID()
	}))
	assert.Equal(t, 1, h.events.count(func(e any) bool {
		p, ok := e.(PacketReceived)
		return ok && p.Packet.CommandName == "Unknown.Push" && p.Decoded == nil
	}))
	assert.Equal(t, 2.0, h.metric(t, "unmatched_packets_total", ""))
}

func TestPushesPublishedInArrivalOrder(t *testing.T) {
	h := newHarness(t, simnet.ServerConfig{Handlers: echoHandlers()}, nil)
	h.login(t)

	// A listener that issues its own request must not stall the reader.
	replies := make(chan string, 1)
	interfaces.SubscribeOnce(h.session.Bus(), interfaces.SubscribeOptions{
		Filter: func(e any) bool {
			p, ok := e.(PacketReceived)
			return ok && p.Packet.CommandName == "Trigger.Push"
		},
	}, func(any) {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		pkt, err := h.session.SendAndExpect(ctx, "Echo.Svc", []byte("from listener"))
		if err == nil {
			replies <- string(pkt.Body)
		}
	})
	require.NoError(t, h.server.Push("Trigger.Push", nil))
	select {
	case got := <-replies:
		assert.Equal(t, "from listener", got)
	case <-time.After(waitFor):
		t.Fatal("listener request never completed")
	}

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, h.server.Push("Seq.Push", []byte{byte(i)}))
	}
	isSeq := func(e any) bool {
		p, ok := e.(PacketReceived)
		return ok && p.Packet.CommandName == "Seq.Push"
	}
	require.Eventually(t, func() bool { return h.events.count(isSeq) == n }, waitFor, tick)

	var order []byte
	for _, e := range h.events.all() {
		if isSeq(e) {
			order = append(order, e.(PacketReceived).Packet.Body[0])
		}
	}
	for i, b := range order {
		assert.Equal(t, byte(i), b)
	}
}

func TestCloseDeliversQueuedPushesBeforeOffline(t *testing.T) {
	h := newHarness(t, simnet.ServerConfig{}, nil)
	h.login(t)

	for i := 0; i < 20; i++ {
		require.NoError(t, h.server.Push("Late.Push", []byte{byte(i)}))
	}
	require.NoError(t, h.session.Close())

	events := h.events.all()
	offlineAt := -1
	for i, e := range events {
		if o, ok := e.(SessionOffline); ok && o.Kind == OfflineActive {
			offlineAt = i
		}
	}
	require.GreaterOrEqual(t, offlineAt, 0)
	assert.Equal(t, len(events)-1, offlineAt, "no event may follow the final offline event")
}

func TestSessionMetricsSurviveRecreation(t *testing.T) {
	h := newHarness(t, simnet.ServerConfig{}, nil)
	h.login(t)
	require.NoError(t, h.session.Close())

	opts := h.session.opts
	opts.EventBus = nil
	var second *Session
	require.NotPanics(t, func() {
		var err error
		second, err = NewSession(h.session.creds, h.session.device, &opts)
		require.NoError(t, err)
	})
	defer second.Close()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, second.Login(ctx))

	assert.Equal(t, 2.0, h.metric(t, "logins_total", "success"))
}

func TestRefreshKeyPublishesAtomically(t *testing.T) {
	h := newHarness(t, simnet.ServerConfig{Handlers: echoHandlers()}, nil)
	h.login(t)
	keys := h.session.Keys()
	old := keys.Current()

	stop := make(chan struct{})
	var observed sync.Map
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				key, err := keys.EncryptionKey(crypto.RegimeSession)
				if err == nil {
					observed.Store(key, true)
				}
			}
		}()
	}

	require.NoError(t, h.session.RefreshKey(context.Background()))
	close(stop)
	wg.Wait()

	cur := keys.Current()
	assert.NotEqual(t, old.SessionKey, cur.SessionKey)
	assert.Same(t, old, keys.Previous())
	serverKey, ok := h.server.SessionKey()
	require.True(t, ok)
	assert.Equal(t, serverKey, cur.SessionKey)

	observed.Range(func(k, _ any) bool {
		key := k.([crypto.TEAKeySize]byte)
		assert.True(t, key == old.SessionKey || key == cur.SessionKey, "encoder saw a partial key %x", key)
		return true
	})

	pkt, err := h.session.SendAndExpect(context.Background(), "Echo.Svc", []byte("after refresh"))
	require.NoError(t, err)
	assert.Equal(t, []byte("after refresh"), pkt.Body)
}

func TestRefreshLoopRenewsBeforeExpiry(t *testing.T) {
	h := newHarness(t, simnet.ServerConfig{}, func(o *Options) {
		o.RefreshMargin = time.Hour - 30*time.Millisecond
	})
	h.login(t)
	require.Eventually(t, func() bool { return h.server.Refreshes() >= 2 }, waitFor, tick)
	assert.Equal(t, StateOnline, h.session.State())
}

func TestRefreshRetriedAfterFailure(t *testing.T) {
	h := newHarness(t, simnet.ServerConfig{
		Refresh: func(n int) bool { return n != 1 },
	}, func(o *Options) {
		o.RefreshMargin = time.Hour - 100*time.Millisecond
		o.RefreshRetryDelay = 50 * time.Millisecond
		o.RequestTimeout = 100 * time.Millisecond
		o.RequestRetries = 0
	})
	h.login(t)
	before := h.session.Keys().Current().SessionKey

	require.Eventually(t, func() bool { return h.server.Refreshes() >= 1 }, time.Second, tick)
	assert.NotEqual(t, before, h.session.Keys().Current().SessionKey)
	assert.Equal(t, 1.0, h.metric(t, "key_refreshes_total", "error"))
	assert.Equal(t, StateOnline, h.session.State())
	assert.Zero(t, h.events.count(isReconnected))
}

func TestExpiredKeyWithFailedRefreshReconnects(t *testing.T) {
	clock := crypto.NewManualClock(time.Now())
	h := newHarness(t, simnet.ServerConfig{
		Refresh: func(int) bool { return false },
	}, func(o *Options) {
		o.TimeProvider = clock
		o.RefreshMargin = time.Hour - 50*time.Millisecond
		o.RefreshRetryDelay = 20 * time.Millisecond
		o.RequestTimeout = 100 * time.Millisecond
		o.RequestRetries = 0
	})
	h.login(t)
	clock.Advance(2 * time.Hour)

	require.Eventually(t, func() bool { return h.events.count(isReconnected) >= 1 }, waitFor, tick)
	dropped := h.events.offline()
	require.NotEmpty(t, dropped)
	assert.Equal(t, OfflineDropped, dropped[0].Kind)
	assert.ErrorIs(t, dropped[0].Cause, ErrSessionKeyExpired)
	assert.Equal(t, 2, h.server.Logins())
}

func TestRefreshDelay(t *testing.T) {
	issued := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	key := &crypto.KeyMaterial{IssuedAt: issued, ExpiresAt: issued.Add(24 * time.Hour)}

	tests := []struct {
		name   string
		now    time.Time
		margin time.Duration
		want   time.Duration
	}{
		{"fresh key", issued, 30 * time.Minute, 23*time.Hour + 30*time.Minute},
		{"inside margin", issued.Add(23*time.Hour + 45*time.Minute), 30 * time.Minute, 0},
		{"expired", issued.Add(30 * time.Hour), 30 * time.Minute, 0},
		{"margin longer than lifetime", issued, 48 * time.Hour, 12 * time.Hour},
		{"half lifetime passed", issued.Add(13 * time.Hour), 48 * time.Hour, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, refreshDelay(key, tt.now, tt.margin))
		})
	}
}

func TestNewSessionValidation(t *testing.T) {
	device, err := login.NewRandomDevice()
	require.NoError(t, err)
	creds := login.NewCredentials(1, "x")

	_, err = NewSession(creds, device, nil)
	assert.ErrorIs(t, err, ErrNoSolver)

	opts := NewOptions()
	opts.Solver = stubSolver{}
	opts.HeartbeatInterval = 0
	_, err = NewSession(creds, device, opts)
	assert.Error(t, err)

	opts = NewOptions()
	opts.Solver = stubSolver{}
	s, err := NewSession(creds, device, opts)
	require.NoError(t, err)
	defer s.Close()
	assert.ErrorIs(t, s.Login(context.Background()), ErrNoServers)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Online", StateOnline.String())
	assert.Equal(t, "Reconnecting", StateReconnecting.String())
	assert.Equal(t, "State(42)", State(42).String())
	assert.Equal(t, "force", OfflineForce.String())
}
