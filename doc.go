// Package imcore implements the client session engine of a mobile instant
// messaging protocol.
//
// A [Session] owns one account's connection to the messaging servers. It
// dials a server, runs the multi-step login handshake, keeps the connection
// alive with heartbeats, renews the session key before it expires and
// reconnects when the link is lost. Application code sends requests through
// the session and receives server pushes as events.
//
// # Getting Started
//
//	creds := login.NewCredentials(10001, "password")
//	device, err := login.NewRandomDevice()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	opts := imcore.NewOptions()
//	opts.Servers = []imcore.Server{{Host: "msf.example.com", Port: 8080}}
//	opts.ServerPublicKey = serverKey
//	opts.Solver = mySolver
//
//	session, err := imcore.NewSession(creds, device, opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Close()
//
//	if err := session.Login(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Requests
//
// [Session.SendAndExpect] sends a raw body and waits for the reply that
// carries the same command name and sequence number. Replies that are not
// received within Options.RequestTimeout are re-sent up to
// Options.RequestRetries times. [Session.Send] is fire-and-forget.
// Commands registered with [Session.RegisterCommand] carry their own payload
// codecs and are used through [Session.Call]:
//
//	err := session.RegisterCommand(packet.Command{
//	    Name:   "OidbSvc.0x88d_0",
//	    Encode: encodeGroupInfo,
//	    Decode: decodeGroupInfo,
//	})
//	info, err := session.Call(ctx, "OidbSvc.0x88d_0", query)
//
// # Events
//
// Sessions publish [SessionOnline], [SessionOffline], [Reconnected] and
// [PacketReceived] on the configured interfaces.IEventBus. [EventBus] is the
// in-process implementation used when the options carry none.
//
// # States
//
// A session moves through [StateConnecting] and [StateLoggingIn] to
// [StateOnline]. A lost connection or repeated heartbeat failures demote it
// to [StateDegraded] and then [StateReconnecting]; the login is replayed on
// a new connection with fresh keys. A server kick ends the session without
// reconnecting.
//
// # Metrics
//
// When Options.Registerer is set each session registers Prometheus
// collectors under the imcore_session namespace, labelled with the account.
//
// # Time
//
// Options.TimeProvider replaces the clock used for key expiry and stale
// frame detection so tests can advance time deterministically.
package imcore
