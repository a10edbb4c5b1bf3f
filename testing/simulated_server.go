package testing

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/imcore/crypto"
	"github.com/opd-ai/imcore/login"
	"github.com/opd-ai/imcore/packet"
	"github.com/opd-ai/imcore/transport"
	"github.com/sirupsen/logrus"
)

// Well-known command names the simulated server understands besides the
// wtlogin commands.
const (
	// CommandHeartbeat is answered with an empty reply.
	CommandHeartbeat = "Heartbeat.Alive"

	// CommandForceOffline is the push sent by ForceOffline.
	CommandForceOffline = "MessageSvc.PushForceOffline"
)

// Handler answers one post-login request. Returning an error drops the
// request without a reply.
type Handler func(req *packet.Request) ([]byte, error)

// ServerConfig configures a SimulatedServer.
type ServerConfig struct {
	Credentials   login.Credentials
	ServerPrivate [crypto.ECDHKeySize]byte

	// LoginScript answers wtlogin.login requests in order across all
	// connections. Once exhausted every login succeeds with Tickets.
	LoginScript []func(req *login.ServerRequest) login.Challenge

	// Tickets are issued on a default successful login. Refreshes derive a
	// new session key from them.
	Tickets login.Tickets

	// Heartbeat decides whether the n-th heartbeat (1-based, counted across
	// connections) is answered. Nil answers every heartbeat.
	Heartbeat func(n int) bool

	// Refresh decides whether the n-th key refresh request (1-based,
	// counted across connections) is answered. Nil answers every refresh.
	Refresh func(n int) bool

	Handlers map[string]Handler

	// ChunkSize splits every reply into reads of at most this many bytes.
	ChunkSize int
	Compress  bool
}

// SimulatedServer is an in-memory peer that speaks the real wire format. It
// hands out SimulatedTransports through Factory.
type SimulatedServer struct {
	cfg ServerConfig

	mu          sync.Mutex
	connectErrs []error
	connects    int
	dials       []string
	logins      int
	refreshes   int
	refreshReqs int
	heartbeats  int
	requests    []packet.Request
	current     *serverConn
}

// NewSimulatedServer creates a simulated server.
func NewSimulatedServer(cfg ServerConfig) *SimulatedServer {
	logrus.Warn("SIMULATION FUNCTION - NOT A REAL OPERATION")
	logrus.WithFields(logrus.Fields{
		"function":     "NewSimulatedServer",
		"account":      cfg.Credentials.Account,
		"login_script": len(cfg.LoginScript),
		"chunk_size":   cfg.ChunkSize,
	}).Info("Creating simulated server for testing")

	if cfg.Tickets.D2 == nil {
		cfg.Tickets = DefaultTickets(0x5A)
	}
	return &SimulatedServer{cfg: cfg}
}

// DefaultTickets returns a ticket set whose session key is filled with seed.
func DefaultTickets(seed byte) login.Tickets {
	var tk login.Tickets
	for i := range tk.D2Key {
		tk.D2Key[i] = seed
	}
	tk.D2 = []byte{0xD2, seed}
	tk.TGT = []byte{0x7C, seed}
	tk.EncA1 = []byte("enc-a1")
	tk.NoPicSig = []byte("no-pic-sig")
	tk.Lifetime = time.Hour
	tk.Nick = "simulated"
	return tk
}

// Factory returns a transport factory whose transports connect to s.
func (s *SimulatedServer) Factory() transport.Factory {
	return func() transport.Transport { return &SimulatedTransport{server: s} }
}

// FailConnects queues errors returned by the next Connect calls, in order.
func (s *SimulatedServer) FailConnects(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErrs = append(s.connectErrs, errs...)
}

// Connects returns how many connections were accepted.
func (s *SimulatedServer) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Dials returns every address a connection was attempted to, failed or not.
func (s *SimulatedServer) Dials() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.dials...)
}

// Logins returns how many wtlogin.login requests were answered.
func (s *SimulatedServer) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// Refreshes returns how many key refreshes were answered.
func (s *SimulatedServer) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

// Heartbeats returns how many heartbeats were received.
func (s *SimulatedServer) Heartbeats() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats
}

// Requests returns every decoded request in arrival order.
func (s *SimulatedServer) Requests() []packet.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]packet.Request(nil), s.requests...)
}

// SessionKey returns the session key the current connection has issued.
func (s *SimulatedServer) SessionKey() ([crypto.TEAKeySize]byte, bool) {
	conn := s.conn()
	if conn == nil {
		return [crypto.TEAKeySize]byte{}, false
	}
	cur := conn.codec.Keys().Current()
	return cur.SessionKey, cur.Regime == crypto.RegimeSession
}

// Push sends an unsolicited session packet on the current connection.
func (s *SimulatedServer) Push(commandName string, body []byte) error {
	return s.push(packet.Packet{CommandName: commandName, Regime: crypto.RegimeSession, Body: body})
}

// ForceOffline pushes a server kick on the current connection.
func (s *SimulatedServer) ForceOffline() error {
	return s.push(packet.Packet{
		CommandName: CommandForceOffline,
		ReturnCode:  packet.ReturnKickedByOtherDevice,
		Regime:      crypto.RegimeSession,
	})
}

// DropConnection closes the current connection from the server side.
func (s *SimulatedServer) DropConnection() {
	if conn := s.conn(); conn != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SimulatedServer.DropConnection",
			"conn":     conn.id,
		}).Info("Simulating connection drop")
		conn.close()
	}
}

func (s *SimulatedServer) conn() *serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *SimulatedServer) push(pkt packet.Packet) error {
	conn := s.conn()
	if conn == nil || conn.isClosed() {
		return transport.ErrNotConnected
	}
	return conn.reply(pkt)
}

func (s *SimulatedServer) accept(addr string) (*serverConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials = append(s.dials, addr)
	if len(s.connectErrs) > 0 {
		err := s.connectErrs[0]
		s.connectErrs = s.connectErrs[1:]
		return nil, err
	}
	s.connects++
	conn := &serverConn{
		id:     s.connects,
		server: s,
		codec:  packet.NewServerCodec(s.cfg.Credentials.Account, crypto.NewKeyStore()),
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	s.current = conn
	return conn, nil
}

// serverConn is the server half of one simulated connection.
type serverConn struct {
	id     int
	server *SimulatedServer
	codec  *packet.ServerCodec
	tgtgt  [crypto.TEAKeySize]byte
	issued login.Tickets

	mu        sync.Mutex
	queue     [][]byte
	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *serverConn) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *serverConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// enqueue makes data readable by the client, split by the chunk size.
func (c *serverConn) enqueue(data []byte) {
	size := c.server.cfg.ChunkSize
	c.mu.Lock()
	for size > 0 && len(data) > size {
		c.queue = append(c.queue, data[:size:size])
		data = data[size:]
	}
	c.queue = append(c.queue, data)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *serverConn) dequeue() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil, false
	}
	chunk := c.queue[0]
	c.queue = c.queue[1:]
	return chunk, true
}

func (c *serverConn) reply(pkt packet.Packet) error {
	frame, err := c.codec.EncodeReply(pkt, c.server.cfg.Compress)
	if err != nil {
		return err
	}
	c.enqueue(frame)
	return nil
}

// handle processes every complete frame in data.
func (c *serverConn) handle(data []byte) error {
	for len(data) > 0 {
		if len(data) < 4 {
			return fmt.Errorf("simulated server: truncated length prefix")
		}
		n := int(binary.BigEndian.Uint32(data))
		if n < 4 || n > len(data) {
			return fmt.Errorf("simulated server: frame length %d of %d", n, len(data))
		}
		if err := c.handleFrame(data[4:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (c *serverConn) handleFrame(frame []byte) error {
	req, _, err := c.codec.DecodeRequest(frame)
	if err != nil {
		return err
	}
	s := c.server
	s.mu.Lock()
	s.requests = append(s.requests, *req)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "serverConn.handleFrame",
		"conn":     c.id,
		"command":  req.CommandName,
		"sequence": req.SequenceID,
		"regime":   req.Regime.String(),
	}).Debug("Simulated server received request")

	switch req.CommandName {
	case login.CommandLogin:
		return c.handleLogin(req)
	case login.CommandExchangeEmp:
		return c.handleRefresh(req)
	case CommandHeartbeat:
		return c.handleHeartbeat(req)
	}
	if h, ok := s.cfg.Handlers[req.CommandName]; ok {
		body, err := h(req)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "serverConn.handleFrame",
				"command":  req.CommandName,
				"error":    err.Error(),
			}).Info("Handler dropped request")
			return nil
		}
		return c.reply(packet.Packet{CommandName: req.CommandName, SequenceID: req.SequenceID, Regime: req.Regime, Body: body})
	}
	logrus.WithFields(logrus.Fields{
		"function": "serverConn.handleFrame",
		"command":  req.CommandName,
	}).Warn("Simulated server has no handler, dropping request")
	return nil
}

// wtlogin opens a wtlogin request and answers it with the challenge chosen
// by next. It returns the challenge sent.
func (c *serverConn) wtlogin(req *packet.Request, next func(*login.ServerRequest) login.Challenge) (login.Challenge, error) {
	s := c.server
	oicq, randomKey, shareKey, err := packet.DecodeOicqRequest(req.Body, s.cfg.ServerPrivate)
	if err != nil {
		return nil, err
	}
	sreq, err := login.DecodeServerRequest(oicq.Body)
	if err != nil {
		return nil, err
	}
	if key, err := sreq.TGTGTKey(s.cfg.Credentials); err == nil {
		c.tgtgt = key
	}

	challenge := next(sreq)
	body, err := login.EncodeChallenge(sreq.SubCommand, challenge, c.tgtgt, []byte{0x10, 0x04, byte(c.id)})
	if err != nil {
		return nil, err
	}
	envelope, err := packet.EncodeOicqResponse(packet.OicqResponse{
		CommandID:     packet.OicqLoginCommand,
		Account:       oicq.Account,
		EncryptMethod: packet.ResponseShareKey,
		Body:          body,
	}, shareKey, randomKey)
	if err != nil {
		return nil, err
	}
	if err := c.reply(packet.Packet{
		CommandName: req.CommandName,
		SequenceID:  req.SequenceID,
		Regime:      req.Regime,
		Body:        envelope,
	}); err != nil {
		return nil, err
	}
	return challenge, nil
}

func (c *serverConn) handleLogin(req *packet.Request) error {
	s := c.server
	challenge, err := c.wtlogin(req, func(sreq *login.ServerRequest) login.Challenge {
		s.mu.Lock()
		n := s.logins
		s.logins++
		s.mu.Unlock()
		if n < len(s.cfg.LoginScript) {
			return s.cfg.LoginScript[n](sreq)
		}
		return login.Success{Tickets: s.cfg.Tickets}
	})
	if err != nil {
		return err
	}
	if success, ok := challenge.(login.Success); ok {
		return c.issue(success.Tickets)
	}
	return nil
}

func (c *serverConn) handleRefresh(req *packet.Request) error {
	s := c.server
	s.mu.Lock()
	s.refreshReqs++
	attempt := s.refreshReqs
	s.mu.Unlock()
	if s.cfg.Refresh != nil && !s.cfg.Refresh(attempt) {
		logrus.WithFields(logrus.Fields{
			"function": "serverConn.handleRefresh",
			"attempt":  attempt,
		}).Info("Simulating unanswered key refresh")
		return nil
	}

	var next login.Tickets
	_, err := c.wtlogin(req, func(*login.ServerRequest) login.Challenge {
		s.mu.Lock()
		s.refreshes++
		n := s.refreshes
		s.mu.Unlock()
		next = c.issued
		next.D2Key[0] ^= byte(n)
		next.D2 = []byte{0xD2, byte(n)}
		return login.Success{Tickets: next}
	})
	if err != nil {
		return err
	}
	return c.issue(next)
}

// issue publishes the session key after the reply that carries it was
// encoded, so that reply still uses the previous key.
func (c *serverConn) issue(tk login.Tickets) error {
	c.issued = tk
	return c.codec.Keys().Publish(crypto.KeyMaterial{
		SessionKey: tk.D2Key,
		D2:         tk.D2,
		TGT:        tk.TGT,
	})
}

func (c *serverConn) handleHeartbeat(req *packet.Request) error {
	s := c.server
	s.mu.Lock()
	s.heartbeats++
	n := s.heartbeats
	s.mu.Unlock()
	if s.cfg.Heartbeat != nil && !s.cfg.Heartbeat(n) {
		logrus.WithFields(logrus.Fields{
			"function":  "serverConn.handleHeartbeat",
			"heartbeat": n,
		}).Info("Simulating missed heartbeat")
		return nil
	}
	return c.reply(packet.Packet{CommandName: req.CommandName, SequenceID: req.SequenceID, Regime: req.Regime})
}

// SimulatedTransport is the client half of a simulated connection. It
// implements transport.Transport.
type SimulatedTransport struct {
	server *SimulatedServer

	mu   sync.Mutex
	conn *serverConn
	open atomic.Bool
}

// Connect attaches the transport to a fresh server connection.
func (t *SimulatedTransport) Connect(ctx context.Context, host string, port uint16) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return &transport.Error{Op: "connect", Addr: host, Err: transport.ErrAlreadyConnected}
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := t.server.accept(addr)
	if err != nil {
		return &transport.Error{Op: "connect", Addr: addr, Err: err}
	}
	t.conn = conn
	t.open.Store(true)
	return nil
}

func (t *SimulatedTransport) connection() *serverConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// Read returns the next queued chunk.
func (t *SimulatedTransport) Read(ctx context.Context) ([]byte, error) {
	conn := t.connection()
	if conn == nil {
		return nil, &transport.Error{Op: "read", Err: transport.ErrNotConnected}
	}
	for {
		if chunk, ok := conn.dequeue(); ok {
			return chunk, nil
		}
		select {
		case <-conn.notify:
		case <-conn.closed:
			t.open.Store(false)
			return nil, &transport.Error{Op: "read", Err: transport.ErrConnectionClosed}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Send delivers data to the server, which handles it synchronously.
func (t *SimulatedTransport) Send(data []byte) error {
	conn := t.connection()
	if conn == nil {
		return &transport.Error{Op: "send", Err: transport.ErrNotConnected}
	}
	if conn.isClosed() {
		return &transport.Error{Op: "send", Err: transport.ErrConnectionClosed}
	}
	if err := conn.handle(append([]byte(nil), data...)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SimulatedTransport.Send",
			"error":    err.Error(),
		}).Warn("Simulated server rejected frame")
	}
	return nil
}

// Close closes the connection. It is safe to call more than once.
func (t *SimulatedTransport) Close() error {
	t.open.Store(false)
	if conn := t.connection(); conn != nil {
		conn.close()
	}
	return nil
}

// IsOpen reports whether the connection is open.
func (t *SimulatedTransport) IsOpen() bool {
	if !t.open.Load() {
		return false
	}
	conn := t.connection()
	return conn != nil && !conn.isClosed()
}
