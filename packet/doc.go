// Package packet converts between logical requests and the wire envelopes of
// the session protocol.
//
// # Envelopes
//
// Every frame starts with a 4-byte big-endian length that counts itself.
// Handshake requests use the login layout (type 0x0A) whose encrypted head
// carries the device identity; requests after login use the uni layout
// (type 0x0B). Inbound frames share one layout regardless of type and may
// carry a zlib-compressed body.
//
// The encryption key is chosen by the key regime:
//
//	codec := packet.NewCodec(identity, keys, sessionID)
//	frame, err := codec.Encode("wtlogin.login", seq, crypto.RegimeNone, body)
//	...
//	pkt, err := codec.Decode(inbound)
//	if errors.Is(err, packet.ErrForceOffline) {
//	    // the session is over
//	}
//
// # Login path
//
// Login requests are further wrapped in the oicq envelope (EncodeOicq,
// DecodeOicq) whose body is protected by the share key derived from an
// ephemeral key exchange. TLV sequences inside it are built with TLVWriter
// and parsed with ReadTLVMap.
//
// # Server side
//
// ServerCodec, DecodeOicqRequest and EncodeOicqResponse mirror the client
// codec and back simulated servers.
package packet
