// Package transport provides the byte-stream transport used by the session
// engine and the frame buffer that reassembles length-prefixed frames from it.
//
// # Architecture
//
// The session engine talks to one server over one ordered byte stream. The
// Transport interface is the whole contract the engine needs:
//
//	type Transport interface {
//	    Connect(ctx context.Context, host string, port uint16) error
//	    Read(ctx context.Context) ([]byte, error)
//	    Send(data []byte) error
//	    Close() error
//	    IsOpen() bool
//	}
//
// [TCPTransport] is the production implementation. Send writes one whole
// frame under a mutex so concurrent senders never interleave partial frames.
// Read honours context cancellation by expiring the read deadline, which lets
// the supervisor stop the frame reader before closing the socket.
//
// # Connecting
//
// [ConnectWithRetry] retries forever while the network is unreachable,
// sleeping a fixed delay between attempts, and returns any other dial error
// immediately.
//
// # Framing
//
// [FrameBuffer] turns arbitrary read chunks back into frames:
//
//	fb := transport.NewFrameBuffer()
//	for {
//	    chunk, err := t.Read(ctx)
//	    if err != nil {
//	        return err
//	    }
//	    frames, err := fb.Feed(chunk)
//	    // frames are complete envelopes without their length prefix
//	}
//
// A partial frame left unresolved for longer than the stale timeout (one
// second by default) is discarded with a warning.
package transport
