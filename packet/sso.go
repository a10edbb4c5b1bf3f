package packet

import (
	"fmt"

	"github.com/opd-ai/imcore/crypto"
	"github.com/opd-ai/imcore/limits"
)

// Layout selects the outbound envelope format.
type Layout uint8

const (
	// LayoutLogin is the handshake envelope (type 0x0A) whose encrypted head
	// carries the device identity.
	LayoutLogin Layout = iota
	// LayoutUni is the post-login envelope (type 0x0B).
	LayoutUni
)

const (
	typeLogin int32 = 0x0A
	typeUni   int32 = 0x0B
)

// Envelope encryption flags.
const (
	flagRaw     byte = 0
	flagSession byte = 1
	flagZero    byte = 2
	flagStatic  byte = 3
)

// Body compression markers.
const (
	compressNone     int32 = 0
	compressZlib     int32 = 1
	compressNoLength int32 = 8
)

// Return codes that terminate the session.
const (
	// ReturnKickedByOtherDevice means another device logged in to the account.
	ReturnKickedByOtherDevice int32 = -10008

	// ReturnSessionRevoked means the server revoked the session's tickets.
	ReturnSessionRevoked int32 = -10106
)

var loginHeadFixed = []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00}

// Request is one outbound envelope before encryption.
type Request struct {
	CommandName string
	SequenceID  int32
	Regime      crypto.KeyRegime
	Layout      Layout
	// Extra is the optional extra-data block. Uni envelopes default to the
	// published D2 blob when Extra is nil.
	Extra []byte
	Body  []byte
}

// Packet is one decoded inbound envelope.
type Packet struct {
	CommandName string
	SequenceID  int32
	ReturnCode  int32
	Regime      crypto.KeyRegime
	SessionID   []byte
	Extra       []byte
	Body        []byte
}

// IsForceOffline reports whether the return code terminates the session.
func IsForceOffline(code int32) bool {
	return code == ReturnKickedByOtherDevice || code == ReturnSessionRevoked
}

func regimeFlag(r crypto.KeyRegime) (byte, error) {
	switch r {
	case crypto.RegimeNone:
		return flagZero, nil
	case crypto.RegimeStatic:
		return flagStatic, nil
	case crypto.RegimeSession:
		return flagSession, nil
	default:
		return 0, fmt.Errorf("%w: regime %s", ErrUnknownEncryption, r)
	}
}

func flagRegime(flag byte) (crypto.KeyRegime, bool, error) {
	switch flag {
	case flagRaw:
		return crypto.RegimeNone, false, nil
	case flagSession:
		return crypto.RegimeSession, true, nil
	case flagZero:
		return crypto.RegimeNone, true, nil
	case flagStatic:
		return crypto.RegimeStatic, true, nil
	default:
		return 0, false, fmt.Errorf("%w: flag %d", ErrUnknownEncryption, flag)
	}
}

// writeLoginHead writes the encrypted part of a handshake envelope.
func writeLoginHead(w *Writer, id *Identity, sessionID []byte, req *Request) {
	head := NewWriter().
		Int32(req.SequenceID).
		Uint32(id.SubAppID).
		Uint32(id.SubAppID).
		Write(loginHeadFixed).
		Int32LV(id.Ticket).
		Int32LV([]byte(req.CommandName)).
		Int32LV(sessionID).
		Int32LV([]byte(id.IMEI)).
		Int32(4).
		Uint16(uint16(len(id.KSID) + 2)).
		Write(id.KSID).
		Int32(4)
	w.Int32LV(head.Bytes())
	w.Int32LV(req.Body)
}

// writeUniHead writes the encrypted part of a post-login envelope.
func writeUniHead(w *Writer, sessionID, extra []byte, req *Request) {
	head := NewWriter().
		Int32LV([]byte(req.CommandName)).
		Int32LV(sessionID)
	if len(extra) == 0 {
		head.Int32(4)
	} else {
		head.Int32LV(extra)
	}
	w.Int32LV(head.Bytes())
	w.Int32LV(req.Body)
}

// readInboundHead decodes the decrypted head and body of an inbound envelope.
func readInboundHead(plain []byte, pkt *Packet) error {
	r := NewReader(plain)
	head := NewReader(r.Int32LV("sso head"))
	if err := r.Err(); err != nil {
		return err
	}
	pkt.SequenceID = head.Int32()
	pkt.ReturnCode = head.Int32()
	pkt.Extra = head.Int32LV("extra")
	name := head.Int32LV("command name")
	if len(name) > limits.MaxCommandName {
		return fmt.Errorf("%w: command name of %d bytes", limits.ErrFieldTooLarge, len(name))
	}
	pkt.CommandName = string(name)
	pkt.SessionID = head.Int32LV("session id")
	compression := head.Int32()
	if err := head.Err(); err != nil {
		return err
	}

	switch compression {
	case compressNone:
		pkt.Body = r.Int32LV("body")
	case compressZlib:
		packed := r.Int32LV("body")
		if err := r.Err(); err != nil {
			return err
		}
		body, err := inflate(packed)
		if err != nil {
			return err
		}
		pkt.Body = body
	case compressNoLength:
		pkt.Body = r.Rest()
	default:
		return fmt.Errorf("%w: compression marker %d", ErrBadMarker, compression)
	}
	return r.Err()
}
