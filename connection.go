package imcore

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/opd-ai/imcore/correlation"
	"github.com/opd-ai/imcore/crypto"
	"github.com/opd-ai/imcore/login"
	"github.com/opd-ai/imcore/packet"
	"github.com/opd-ai/imcore/transport"
	"github.com/sirupsen/logrus"
)

// CommandHeartbeat is the liveness request sent by the heartbeat loop.
const CommandHeartbeat = "Heartbeat.Alive"

// connection is everything that lives exactly as long as one transport:
// codec, frame buffer, command table, login machine and the loops.
type connection struct {
	session   *Session
	server    Server
	transport transport.Transport
	codec     *packet.Codec
	frames    *transport.FrameBuffer
	commands  *packet.CommandTable
	machine   *login.Machine
	ecdh      *crypto.ECDH
	pushes    *pushQueue
	nick      string

	sendMu sync.Mutex
	// readMu covers reassembling one chunk and dispatching its frames.
	readMu sync.Mutex

	loopsMu       sync.Mutex
	stopReader    context.CancelFunc
	stopHeartbeat context.CancelFunc
	stopRefresh   context.CancelFunc
	readerDone    chan struct{}
	heartbeatDone chan struct{}
	refreshDone   chan struct{}

	readerActive    atomic.Bool
	heartbeatActive atomic.Bool
	online          atomic.Bool
	teardownOnce    sync.Once
}

func (s *Session) newConnection(tr transport.Transport, server Server) (*connection, error) {
	var sessionID [4]byte
	if _, err := rand.Read(sessionID[:]); err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	identity := packet.Identity{
		Account:  s.creds.Account,
		SubAppID: s.opts.Protocol.SubAppID,
		IMEI:     s.device.IMEI,
		KSID:     []byte(fmt.Sprintf("|%s|A%s", s.device.IMEI, s.opts.Protocol.ApkVersion)),
	}

	c := &connection{
		session:   s,
		server:    server,
		transport: tr,
		codec:     packet.NewCodec(identity, s.keys, sessionID),
		frames:    transport.NewFrameBuffer(),
		commands:  packet.NewCommandTable(),
	}
	c.frames.SetStaleTimeout(s.opts.StaleTimeout)
	c.frames.SetTimeProvider(s.clock)
	c.frames.OnStale(func(discarded int) {
		s.metrics.staleFrames.Inc()
		logrus.WithFields(logrus.Fields{
			"function":  "connection.OnStale",
			"session":   s.id,
			"discarded": discarded,
		}).Warn("Discarded stale partial frame")
	})

	if err := c.commands.Register(packet.Command{
		Name:   CommandHeartbeat,
		Layout: packet.LayoutUni,
		Encode: func(any) ([]byte, error) { return nil, nil },
	}); err != nil {
		return nil, err
	}
	s.mu.Lock()
	commands := append([]packet.Command(nil), s.commands...)
	s.mu.Unlock()
	for _, cmd := range commands {
		if err := c.commands.Register(cmd); err != nil {
			return nil, err
		}
	}
	c.pushes = newPushQueue(s.bus)
	return c, nil
}

// Send writes one frame. Concurrent callers never interleave frames.
func (c *connection) Send(frame []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.transport.Send(frame)
}

// Exchange sends a login-machine request and returns the reply body.
func (c *connection) Exchange(ctx context.Context, req packet.Request) ([]byte, error) {
	pkt, err := c.exchange(ctx, req, c.session.requestOptions())
	if err != nil {
		return nil, err
	}
	return pkt.Body, nil
}

// exchange numbers req, encodes it and waits for its correlated reply.
func (c *connection) exchange(ctx context.Context, req packet.Request, opts correlation.Options) (*packet.Packet, error) {
	s := c.session
	req.SequenceID = s.seq.SSO.Next()
	frame, err := c.codec.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	return s.sender.SendAndExpect(ctx, c, frame, correlation.Key{
		CommandName: req.CommandName,
		SequenceID:  req.SequenceID,
	}, opts)
}

func (c *connection) startReader(life context.Context) {
	ctx, cancel := context.WithCancel(life)
	c.loopsMu.Lock()
	c.stopReader = cancel
	c.readerDone = make(chan struct{})
	c.loopsMu.Unlock()
	c.readerActive.Store(true)
	go c.readLoop(ctx, c.readerDone)
}

// readLoop feeds transport reads through the frame buffer and dispatches
// each complete frame in arrival order.
func (c *connection) readLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.readerActive.Store(false)
	s := c.session

	for {
		chunk, err := c.transport.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "connection.readLoop",
				"session":  s.id,
				"error":    err.Error(),
			}).Warn("Transport read failed")
			s.connectionLost(c, err)
			return
		}

		c.readMu.Lock()
		frames, err := c.frames.Feed(chunk)
		if err != nil {
			s.metrics.decodeErrors.Inc()
			logrus.WithFields(logrus.Fields{
				"function": "connection.readLoop",
				"session":  s.id,
				"error":    err.Error(),
			}).Warn("Discarded malformed frame header")
		}
		for _, frame := range frames {
			c.dispatch(frame)
		}
		c.readMu.Unlock()
	}
}

// dispatch routes one frame to its pending request or to the event bus.
func (c *connection) dispatch(frame transport.Frame) {
	s := c.session
	s.metrics.framesReceived.Inc()

	pkt, err := c.codec.Decode(frame)
	switch {
	case err == nil:
	case errors.Is(err, packet.ErrForceOffline):
		s.spawn(func() { s.forceOffline(c, pkt, err) })
		return
	case pkt != nil && errors.Is(err, packet.ErrServerReturnCode):
		if !s.registry.Fail(pkt.CommandName, pkt.SequenceID, err) {
			logrus.WithFields(logrus.Fields{
				"function":    "connection.dispatch",
				"session":     s.id,
				"command":     pkt.CommandName,
				"return_code": pkt.ReturnCode,
			}).Warn("Unmatched error reply dropped")
		}
		return
	default:
		s.metrics.decodeErrors.Inc()
		logrus.WithFields(logrus.Fields{
			"function": "connection.dispatch",
			"session":  s.id,
			"size":     len(frame),
			"error":    err.Error(),
		}).Warn("Skipped undecodable frame")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "connection.dispatch",
		"session":  s.id,
		"command":  pkt.CommandName,
		"sequence": pkt.SequenceID,
	}).Debug("Received packet")

	if s.registry.Complete(pkt.CommandName, pkt.SequenceID, pkt) {
		return
	}
	s.metrics.unmatchedPackets.Inc()
	decoded, err := c.commands.DecodeBody(pkt)
	if err != nil && !errors.Is(err, packet.ErrUnknownCommand) {
		logrus.WithFields(logrus.Fields{
			"function": "connection.dispatch",
			"session":  s.id,
			"command":  pkt.CommandName,
			"error":    err.Error(),
		}).Warn("Push body did not decode")
	}
	if !c.pushes.put(PacketReceived{Session: s.id, Packet: pkt, Decoded: decoded}) {
		logrus.WithFields(logrus.Fields{
			"function": "connection.dispatch",
			"session":  s.id,
			"command":  pkt.CommandName,
		}).Debug("Push dropped after teardown")
	}
}

// connectionLost handles a failed read. Before the connection is online the
// login is still waiting on it, so its requests are failed instead.
func (s *Session) connectionLost(c *connection, err error) {
	if !c.online.Load() {
		s.registry.CancelAll(err)
		return
	}
	s.triggerReconnect(c, err)
}

// stopLoops cancels the heartbeat, the frame reader and the key refresh, in
// that order, waiting for each to exit before cancelling the next.
func (c *connection) stopLoops() {
	c.loopsMu.Lock()
	defer c.loopsMu.Unlock()
	stop := func(cancel context.CancelFunc, done chan struct{}) {
		if cancel == nil {
			return
		}
		cancel()
		<-done
	}
	stop(c.stopHeartbeat, c.heartbeatDone)
	stop(c.stopReader, c.readerDone)
	stop(c.stopRefresh, c.refreshDone)
}
