package packet

import (
	"fmt"
	"strconv"

	"github.com/opd-ai/imcore/crypto"
	"github.com/opd-ai/imcore/limits"
	"github.com/sirupsen/logrus"
)

// Identity is the account and device information carried by envelopes.
type Identity struct {
	Account  int64
	SubAppID uint32
	IMEI     string
	KSID     []byte
	// Ticket is the extra-data block of handshake envelopes. Empty before login.
	Ticket []byte
}

// Codec converts between logical requests and wire frames for one connection.
// It reads the active keys from a KeyStore on every call, so a key published
// by the login state machine takes effect on the next envelope. Codec is safe
// for concurrent use.
type Codec struct {
	identity  Identity
	account   []byte
	sessionID []byte
	keys      *crypto.KeyStore
}

// NewCodec creates a codec bound to identity, keys and the per-connection
// session id.
func NewCodec(identity Identity, keys *crypto.KeyStore, sessionID [4]byte) *Codec {
	sid := make([]byte, 4)
	copy(sid, sessionID[:])
	return &Codec{
		identity:  identity,
		account:   []byte(strconv.FormatInt(identity.Account, 10)),
		sessionID: sid,
		keys:      keys,
	}
}

// Keys returns the key store the codec reads from.
func (c *Codec) Keys() *crypto.KeyStore {
	return c.keys
}

// Identity returns the identity the codec was created with.
func (c *Codec) Identity() Identity {
	return c.identity
}

// Encode builds a complete length-prefixed frame. Session-regime requests use
// the post-login layout and the others use the handshake layout.
func (c *Codec) Encode(commandName string, seq int32, regime crypto.KeyRegime, body []byte) ([]byte, error) {
	layout := LayoutLogin
	if regime == crypto.RegimeSession {
		layout = LayoutUni
	}
	return c.EncodeRequest(Request{
		CommandName: commandName,
		SequenceID:  seq,
		Regime:      regime,
		Layout:      layout,
		Body:        body,
	})
}

// EncodeRequest builds a complete length-prefixed frame for req.
func (c *Codec) EncodeRequest(req Request) ([]byte, error) {
	if err := limits.ValidateCommandName(req.CommandName); err != nil {
		return nil, err
	}
	flag, err := regimeFlag(req.Regime)
	if err != nil {
		return nil, err
	}
	key, err := c.keys.EncryptionKey(req.Regime)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", req.CommandName, err)
	}

	var d2 []byte
	if req.Regime == crypto.RegimeSession {
		d2 = c.keys.Current().D2
	}

	inner := NewWriter()
	outer := NewWriter()
	switch req.Layout {
	case LayoutLogin:
		writeLoginHead(inner, &c.identity, c.sessionID, &req)
		outer.Int32(typeLogin).Uint8(flag)
		if req.Regime == crypto.RegimeSession {
			outer.Int32LV(d2)
		} else {
			outer.Int32(4)
		}
	case LayoutUni:
		extra := req.Extra
		if extra == nil {
			extra = d2
		}
		writeUniHead(inner, c.sessionID, extra, &req)
		outer.Int32(typeUni).Uint8(flag).Int32(req.SequenceID)
	default:
		return nil, fmt.Errorf("encode %s: unknown layout %d", req.CommandName, req.Layout)
	}

	sealed, err := crypto.EncryptWithKey(key, inner.Bytes())
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", req.CommandName, err)
	}
	outer.Uint8(0).Int32LV(c.account).Write(sealed)

	frame := NewWriter().Int32LV(outer.Bytes()).Bytes()
	if len(frame) > limits.MaxFrameSize {
		return nil, fmt.Errorf("encode %s: %w: frame of %d bytes", req.CommandName, limits.ErrFieldTooLarge, len(frame))
	}
	return frame, nil
}

// Decode parses one complete inbound frame body (without its length prefix).
// A force-offline return code yields the decoded packet together with an
// error wrapping ErrForceOffline. Any other non-zero return code yields the
// packet with an error wrapping ErrServerReturnCode.
func (c *Codec) Decode(frame []byte) (*Packet, error) {
	if len(frame) < limits.MinFrameBody {
		return nil, decodeError("frame", fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame)))
	}
	r := NewReader(frame)
	kind := r.Int32()
	if kind != typeLogin && kind != typeUni {
		return nil, decodeError("frame", fmt.Errorf("%w: envelope type 0x%x", ErrBadMarker, kind))
	}
	flag := r.Uint8()
	r.Skip(1)
	r.Int32LV("account")
	if err := r.Err(); err != nil {
		return nil, decodeError("frame", err)
	}
	regime, encrypted, err := flagRegime(flag)
	if err != nil {
		return nil, decodeError("frame", err)
	}
	sealed := r.Rest()

	plain := sealed
	if encrypted {
		plain, err = c.open(regime, sealed)
		if err != nil {
			return nil, decodeError("decrypt", err)
		}
	}

	pkt := &Packet{Regime: regime}
	if err := readInboundHead(plain, pkt); err != nil {
		return nil, &DecodeError{Stage: "sso", CommandName: pkt.CommandName, SequenceID: pkt.SequenceID, Err: err}
	}

	if pkt.ReturnCode != 0 {
		sentinel := ErrServerReturnCode
		if IsForceOffline(pkt.ReturnCode) {
			sentinel = ErrForceOffline
		}
		return pkt, &DecodeError{
			Stage:       "sso",
			CommandName: pkt.CommandName,
			SequenceID:  pkt.SequenceID,
			Err:         fmt.Errorf("%w: code %d", sentinel, pkt.ReturnCode),
		}
	}
	return pkt, nil
}

// open decrypts sealed with each candidate key for regime, newest first.
func (c *Codec) open(regime crypto.KeyRegime, sealed []byte) ([]byte, error) {
	candidates, err := c.keys.DecryptionKeys(regime)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for i, key := range candidates {
		plain, err := crypto.DecryptWithKey(key, sealed)
		if err == nil {
			if i > 0 {
				logrus.WithFields(logrus.Fields{
					"function": "Codec.open",
					"regime":   regime.String(),
				}).Debug("Decrypted with previous session key")
			}
			return plain, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
