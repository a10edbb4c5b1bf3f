// Package testing provides an in-memory simulated server for deterministic
// tests of the session engine.
//
// # Overview
//
// [SimulatedServer] speaks the real wire format: it decrypts client frames,
// answers the wtlogin handshake from a scripted sequence of challenges,
// issues and refreshes session keys, and answers heartbeats. Clients reach
// it through [SimulatedTransport], which implements transport.Transport
// without touching the network.
//
// # Usage
//
//	pub, priv, _ := crypto.GenerateServerKeypair()
//	server := testing.NewSimulatedServer(testing.ServerConfig{
//	    Credentials:   login.NewCredentials(10001, "secret"),
//	    ServerPrivate: priv,
//	    Heartbeat:     func(n int) bool { return n != 2 && n != 3 },
//	})
//
//	opts := imcore.NewOptions()
//	opts.TransportFactory = server.Factory()
//	opts.ServerPublicKey = pub
//
// # Failure Simulation
//
// [SimulatedServer.FailConnects] queues dial errors, [SimulatedServer.DropConnection]
// closes the current connection from the server side, the Heartbeat hook
// withholds selected heartbeat replies, and [SimulatedServer.ForceOffline]
// pushes a server kick. Setting ChunkSize splits every reply across several
// reads so the client's frame reassembly is exercised.
//
// All simulation entry points log a warning so simulated traffic is never
// mistaken for a real connection.
package testing
