package login

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/opd-ai/imcore/crypto"
	"github.com/opd-ai/imcore/packet"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// FallbackCaptchaAnswer is submitted when the solver's picture captcha
// answer is not exactly four characters.
const FallbackCaptchaAnswer = "ABCD"

// ErrNotLoggedIn indicates a key refresh before a successful login.
var ErrNotLoggedIn = errors.New("no login tickets available")

// Requester performs one correlated wtlogin round trip and returns the body
// of the response. The requester assigns the sequence id.
type Requester interface {
	Exchange(ctx context.Context, req packet.Request) ([]byte, error)
}

// Machine drives the login handshake of one connection. It is not safe for
// concurrent Run calls; Refresh may run concurrently with readers of the key
// store.
type Machine struct {
	cfg       Config
	requester Requester
	ecdh      *crypto.ECDH
	keys      *crypto.KeyStore
	solver    Solver
	clock     crypto.TimeProvider
	tracer    trace.Tracer
	builder   tlvBuilder
	randomKey [crypto.TEAKeySize]byte
	dpwd      [16]byte

	state        atomic.Int32
	rounds       atomic.Int32
	seq          atomic.Uint32
	onTransition func(from, to State)

	mu      sync.Mutex
	t104    []byte
	tickets *Tickets
}

// NewMachine creates a login machine for one connection. ecdh must be fresh
// for the connection and keys must be in RegimeNone.
func NewMachine(cfg Config, requester Requester, ecdh *crypto.ECDH, keys *crypto.KeyStore, solver Solver) (*Machine, error) {
	if requester == nil || ecdh == nil || keys == nil || solver == nil {
		return nil, errors.New("login machine requires requester, key exchange, key store and solver")
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.DefaultLifetime <= 0 {
		cfg.DefaultLifetime = DefaultKeyLifetime
	}
	m := &Machine{
		cfg:       cfg,
		requester: requester,
		ecdh:      ecdh,
		keys:      keys,
		solver:    solver,
		clock:     crypto.GetDefaultTimeProvider(),
		tracer:    otel.Tracer("github.com/opd-ai/imcore/login"),
	}
	if _, err := rand.Read(m.randomKey[:]); err != nil {
		return nil, fmt.Errorf("generate random key: %w", err)
	}
	if _, err := rand.Read(m.dpwd[:]); err != nil {
		return nil, fmt.Errorf("generate device password: %w", err)
	}
	var r [4]byte
	if _, err := rand.Read(r[:]); err != nil {
		return nil, fmt.Errorf("generate request nonce: %w", err)
	}
	m.builder = tlvBuilder{cfg: &m.cfg, clock: m.clock, rand: uint32(r[0])<<24 | uint32(r[1])<<16 | uint32(r[2])<<8 | uint32(r[3])}
	return m, nil
}

// SetTimeProvider replaces the clock used for timestamps and key lifetimes.
func (m *Machine) SetTimeProvider(tp crypto.TimeProvider) {
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	m.clock = tp
	m.builder.clock = tp
}

// OnTransition registers a hook called on every state change.
func (m *Machine) OnTransition(hook func(from, to State)) {
	m.onTransition = hook
}

// State returns the current state.
func (m *Machine) State() State {
	return State(m.state.Load())
}

// Rounds returns the number of counted request/response round trips.
func (m *Machine) Rounds() int {
	return int(m.rounds.Load())
}

// Tickets returns the tickets of the last successful login or refresh.
func (m *Machine) Tickets() (Tickets, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tickets == nil {
		return Tickets{}, false
	}
	return *m.tickets, true
}

func (m *Machine) transition(to State) {
	from := State(m.state.Swap(int32(to)))
	if from == to {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "Machine.transition",
		"account":  m.cfg.Credentials.Account,
		"from":     from.String(),
		"to":       to.String(),
	}).Debug("Login state changed")
	if m.onTransition != nil {
		m.onTransition(from, to)
	}
}

// Run performs the handshake until it succeeds or fails. On success the
// session key is published to the key store before Run returns. A declined
// slider captcha on the first attempt yields ErrRestartWithoutSlider.
func (m *Machine) Run(ctx context.Context) (*Success, error) {
	ctx, span := m.tracer.Start(ctx, "login.Run", trace.WithAttributes(
		attribute.Int64("account", m.cfg.Credentials.Account),
		attribute.Bool("allow_slider", m.cfg.AllowSlider),
		attribute.Bool("first_attempt", m.cfg.FirstAttempt),
	))
	defer span.End()

	logger := logrus.WithFields(logrus.Fields{
		"function": "Machine.Run",
		"account":  m.cfg.Credentials.Account,
	})

	m.rounds.Store(0)
	m.transition(StateInit)
	resp, err := m.sendLogin(ctx, true)

	for {
		if err != nil {
			return nil, m.fail(span, err)
		}
		m.transition(stateFor(resp.Challenge))
		logger.WithField("challenge", resp.Challenge.String()).Debug("Received login challenge")

		switch c := resp.Challenge.(type) {
		case Success:
			if err := m.keys.Publish(c.Keys); err != nil {
				return nil, m.fail(span, err)
			}
			m.storeTickets(c.Tickets)
			span.SetAttributes(attribute.Int("rounds", m.Rounds()))
			logger.WithField("rounds", m.Rounds()).Info("Login succeeded")
			return &c, nil

		case PictureCaptcha:
			answer, serr := m.solver.SolvePictureCaptcha(ctx, c.Image)
			if serr != nil {
				return nil, m.fail(span, fmt.Errorf("solve picture captcha: %w", serr))
			}
			if utf8.RuneCountInString(answer) != 4 {
				logger.WithField("length", utf8.RuneCountInString(answer)).Warn("Captcha answer is not 4 characters, submitting fallback")
				answer = FallbackCaptchaAnswer
			}
			resp, err = m.exchange(ctx, m.builder.pictureCaptchaBody(answer, c.Sign, m.lastT104()), true)

		case SliderCaptcha:
			if !supportsSlider(m.solver) {
				return nil, m.declineSlider(span)
			}
			ticket, serr := m.solver.SolveSliderCaptcha(ctx, c.URL)
			if errors.Is(serr, ErrSliderUnsupported) {
				return nil, m.declineSlider(span)
			}
			if serr != nil {
				return nil, m.fail(span, fmt.Errorf("solve slider captcha: %w", serr))
			}
			resp, err = m.exchange(ctx, m.builder.sliderCaptchaBody(ticket, m.lastT104()), true)

		case UnsafeDevice:
			if serr := m.solver.ConfirmUnsafeDevice(ctx, c.URL); serr != nil {
				return nil, m.fail(span, fmt.Errorf("confirm unsafe device: %w", serr))
			}
			// acknowledging the device does not consume an attempt
			resp, err = m.sendLogin(ctx, false)

		case DeviceLockRedirect:
			var serr error
			if dl, ok := m.solver.(DeviceLockConfirmer); ok {
				serr = dl.ConfirmDeviceLock(ctx, c.URL)
			} else {
				serr = m.solver.ConfirmUnsafeDevice(ctx, c.URL)
			}
			if serr != nil {
				return nil, m.fail(span, fmt.Errorf("confirm device lock: %w", serr))
			}
			resp, err = m.sendLogin(ctx, true)

		case DeviceLockPassed:
			t401 := md5Of(m.cfg.Device.GUID[:], m.dpwd[:], c.T402)
			resp, err = m.exchange(ctx, m.builder.deviceLockBody(m.lastT104(), t401), true)

		case SMSRequired:
			return nil, m.fail(span, &Error{Kind: KindSMSUnsupported, Status: resp.Status, Message: c.String()})

		case Failure:
			return nil, m.fail(span, classify(c))

		default:
			return nil, m.fail(span, fmt.Errorf("unhandled login challenge %T", c))
		}
	}
}

func (m *Machine) declineSlider(span trace.Span) error {
	if m.cfg.AllowSlider && m.cfg.FirstAttempt {
		logrus.WithFields(logrus.Fields{
			"function": "Machine.declineSlider",
			"account":  m.cfg.Credentials.Account,
		}).Warn("Solver cannot handle slider captcha, restarting without slider support")
		m.transition(StateInit)
		span.SetAttributes(attribute.Bool("restart_without_slider", true))
		return ErrRestartWithoutSlider
	}
	return m.fail(span, &Error{Kind: KindSliderUnsupported, Status: StatusCaptcha})
}

func (m *Machine) fail(span trace.Span, err error) error {
	m.transition(StateFatal)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	logrus.WithFields(logrus.Fields{
		"function": "Machine.Run",
		"account":  m.cfg.Credentials.Account,
		"error":    err.Error(),
	}).Error("Login failed")
	return err
}

func (m *Machine) sendLogin(ctx context.Context, counted bool) (*Response, error) {
	body, err := m.builder.loginBody(m.cfg.AllowSlider, m.seq.Add(1))
	if err != nil {
		return nil, err
	}
	return m.exchange(ctx, body, counted)
}

// exchange sends one wtlogin body and decodes the response. The first
// handshake packet goes out under the zero key; every later one under the
// static key.
func (m *Machine) exchange(ctx context.Context, body []byte, counted bool) (*Response, error) {
	if counted && int(m.rounds.Add(1)) > m.cfg.MaxRounds {
		return nil, fmt.Errorf("%w: %d", ErrTooManyRounds, m.cfg.MaxRounds)
	}
	m.transition(StateAwaitingResponse)

	regime := m.keys.Regime()
	if regime == crypto.RegimeSession {
		regime = crypto.RegimeStatic
	}
	resp, err := m.roundTrip(ctx, CommandLogin, regime, body)
	if err != nil {
		return nil, err
	}
	if regime == crypto.RegimeNone {
		if err := m.keys.Advance(crypto.RegimeStatic); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (m *Machine) roundTrip(ctx context.Context, command string, regime crypto.KeyRegime, body []byte) (*Response, error) {
	envelope, err := packet.EncodeOicq(packet.OicqRequest{
		CommandID:     packet.OicqLoginCommand,
		Account:       uint32(m.cfg.Credentials.Account),
		ClientVersion: m.cfg.Protocol.ClientVersion,
		Body:          body,
	}, m.ecdh, m.randomKey)
	if err != nil {
		return nil, err
	}
	raw, err := m.requester.Exchange(ctx, packet.Request{
		CommandName: command,
		Regime:      regime,
		Layout:      packet.LayoutLogin,
		Body:        envelope,
	})
	if err != nil {
		return nil, err
	}
	return m.decode(raw)
}

func (m *Machine) decode(raw []byte) (*Response, error) {
	oicq, err := packet.DecodeOicq(raw, m.ecdh.ShareKey, m.randomKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	resp, err := DecodeResponse(oicq.Body, m.cfg.Device.TGTGTKey, m.clock.Now(), m.cfg.DefaultLifetime)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if v, ok := resp.TLVs.Get(tagT104); ok {
		m.t104 = v
	}
	m.mu.Unlock()
	return resp, nil
}

func (m *Machine) lastT104() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t104
}

func (m *Machine) storeTickets(tk Tickets) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tickets != nil {
		if tk.EncA1 == nil {
			tk.EncA1 = m.tickets.EncA1
		}
		if tk.NoPicSig == nil {
			tk.NoPicSig = m.tickets.NoPicSig
		}
		if tk.Nick == "" {
			tk.Nick = m.tickets.Nick
		}
	}
	m.tickets = &tk
}

// Refresh renegotiates the session key with the stored tickets and publishes
// the new key. The replaced key stays decryptable until the next refresh.
func (m *Machine) Refresh(ctx context.Context) (*Success, error) {
	tk, ok := m.Tickets()
	if !ok {
		return nil, ErrNotLoggedIn
	}
	ctx, span := m.tracer.Start(ctx, "login.Refresh", trace.WithAttributes(
		attribute.Int64("account", m.cfg.Credentials.Account),
	))
	defer span.End()

	body, err := m.builder.exchangeEmpBody(&tk, m.seq.Add(1))
	if err != nil {
		return nil, err
	}
	resp, err := m.roundTrip(ctx, CommandExchangeEmp, crypto.RegimeSession, body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("key refresh: %w", err)
	}

	switch c := resp.Challenge.(type) {
	case Success:
		if err := m.keys.Publish(c.Keys); err != nil {
			return nil, err
		}
		m.storeTickets(c.Tickets)
		logrus.WithFields(logrus.Fields{
			"function":   "Machine.Refresh",
			"account":    m.cfg.Credentials.Account,
			"expires_at": c.Keys.ExpiresAt,
		}).Info("Session key refreshed")
		return &c, nil
	case Failure:
		err = classify(c)
	default:
		err = fmt.Errorf("unexpected %s during key refresh", c)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, fmt.Errorf("key refresh: %w", err)
}

// RegisterCommands adds the wtlogin commands to table. Their decoders turn
// a response body into a *Response.
func (m *Machine) RegisterCommands(table *packet.CommandTable) error {
	decode := func(body []byte) (any, error) { return m.decode(body) }
	for _, name := range []string{CommandLogin, CommandExchangeEmp} {
		if err := table.Register(packet.Command{Name: name, Layout: packet.LayoutLogin, Decode: decode}); err != nil {
			return err
		}
	}
	return nil
}
