package packet

import (
	"fmt"
	"strconv"

	"github.com/opd-ai/imcore/crypto"
	"github.com/opd-ai/imcore/limits"
)

// ServerCodec is the peer side of Codec. It decodes client requests and
// encodes server replies, and backs the simulated server used in tests and
// the CLI's loopback mode.
type ServerCodec struct {
	account []byte
	keys    *crypto.KeyStore
}

// NewServerCodec creates a server-side codec for one account. keys mirrors
// the key material the server has issued to that account.
func NewServerCodec(account int64, keys *crypto.KeyStore) *ServerCodec {
	return &ServerCodec{
		account: []byte(strconv.FormatInt(account, 10)),
		keys:    keys,
	}
}

// Keys returns the server's key store.
func (s *ServerCodec) Keys() *crypto.KeyStore {
	return s.keys
}

// DecodeRequest parses one client frame body (without its length prefix).
// Handshake requests also return the identity fields carried in their head.
func (s *ServerCodec) DecodeRequest(frame []byte) (*Request, *Identity, error) {
	if len(frame) < limits.MinFrameBody {
		return nil, nil, decodeError("request", fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame)))
	}
	r := NewReader(frame)
	kind := r.Int32()
	flag := r.Uint8()
	req := &Request{}
	switch kind {
	case typeLogin:
		req.Layout = LayoutLogin
		r.Int32LV("outer extra")
	case typeUni:
		req.Layout = LayoutUni
		req.SequenceID = r.Int32()
	default:
		return nil, nil, decodeError("request", fmt.Errorf("%w: envelope type 0x%x", ErrBadMarker, kind))
	}
	r.Skip(1)
	r.Int32LV("account")
	if err := r.Err(); err != nil {
		return nil, nil, decodeError("request", err)
	}
	regime, encrypted, err := flagRegime(flag)
	if err != nil || !encrypted {
		return nil, nil, decodeError("request", fmt.Errorf("%w: flag %d", ErrUnknownEncryption, flag))
	}
	req.Regime = regime

	candidates, err := s.keys.DecryptionKeys(regime)
	if err != nil {
		return nil, nil, decodeError("decrypt", err)
	}
	sealed := r.Rest()
	var plain []byte
	for _, key := range candidates {
		if plain, err = crypto.DecryptWithKey(key, sealed); err == nil {
			break
		}
	}
	if err != nil {
		return nil, nil, decodeError("decrypt", err)
	}

	in := NewReader(plain)
	head := NewReader(in.Int32LV("head"))
	var id *Identity
	if req.Layout == LayoutLogin {
		id = &Identity{}
		req.SequenceID = head.Int32()
		id.SubAppID = head.Uint32()
		head.Skip(4 + len(loginHeadFixed))
		id.Ticket = head.Int32LV("ticket")
		req.CommandName = string(head.Int32LV("command name"))
		head.Int32LV("session id")
		id.IMEI = string(head.Int32LV("imei"))
		head.Int32LV("reserved")
		ksidLen := int(head.Uint16())
		id.KSID = head.Bytes(ksidLen - 2)
	} else {
		req.CommandName = string(head.Int32LV("command name"))
		head.Int32LV("session id")
		req.Extra = head.Int32LV("extra")
	}
	req.Body = in.Int32LV("body")
	if err := head.Err(); err != nil {
		return nil, nil, decodeError("head", err)
	}
	if err := in.Err(); err != nil {
		return nil, nil, decodeError("body", err)
	}
	return req, id, nil
}

// EncodeReply builds a complete length-prefixed server frame for pkt under
// pkt.Regime. When compress is set the body is zlib-compressed.
func (s *ServerCodec) EncodeReply(pkt Packet, compress bool) ([]byte, error) {
	flag, err := regimeFlag(pkt.Regime)
	if err != nil {
		return nil, err
	}
	key, err := s.keys.EncryptionKey(pkt.Regime)
	if err != nil {
		return nil, err
	}

	body := pkt.Body
	marker := compressNone
	if compress {
		if body, err = deflate(pkt.Body); err != nil {
			return nil, err
		}
		marker = compressZlib
	}
	head := NewWriter().
		Int32(pkt.SequenceID).
		Int32(pkt.ReturnCode).
		Int32LV(pkt.Extra).
		Int32LV([]byte(pkt.CommandName)).
		Int32LV(pkt.SessionID).
		Int32(marker)
	inner := NewWriter().Int32LV(head.Bytes()).Int32LV(body)

	sealed, err := crypto.EncryptWithKey(key, inner.Bytes())
	if err != nil {
		return nil, err
	}
	kind := typeLogin
	if pkt.Regime == crypto.RegimeSession {
		kind = typeUni
	}
	outer := NewWriter().Int32(kind).Uint8(flag).Uint8(0).Int32LV(s.account).Write(sealed)
	return NewWriter().Int32LV(outer.Bytes()).Bytes(), nil
}

// DecodeOicqRequest opens a login-path request with the server private key.
// It returns the request and the random key the client chose.
func DecodeOicqRequest(data []byte, serverPrivate [crypto.ECDHKeySize]byte) (*OicqRequest, [crypto.TEAKeySize]byte, [crypto.TEAKeySize]byte, error) {
	var randomKey, shareKey [crypto.TEAKeySize]byte
	if len(data) < limits.MinOicqEnvelope {
		return nil, randomKey, shareKey, decodeError("oicq request", fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data)))
	}
	r := NewReader(data)
	if r.Uint8() != oicqHead {
		return nil, randomKey, shareKey, decodeError("oicq request", ErrBadMarker)
	}
	total := int(r.Uint16())
	if total != len(data) || data[total-1] != oicqTail {
		return nil, randomKey, shareKey, decodeError("oicq request", fmt.Errorf("%w: envelope length %d of %d", ErrLengthOverflow, total, len(data)))
	}
	r.Skip(2)
	req := &OicqRequest{CommandID: r.Uint16()}
	r.Skip(2)
	req.Account = r.Uint32()
	r.Skip(3)
	r.Skip(4)
	req.ClientVersion = r.Uint32()
	r.Skip(4)

	body := NewReader(data[limits.OicqHeaderSize : total-1])
	body.Skip(2)
	copy(randomKey[:], body.Bytes(crypto.TEAKeySize))
	body.Skip(4)
	pub := body.Uint16LV("public key")
	sealed := body.Rest()
	if err := r.Err(); err != nil {
		return nil, randomKey, shareKey, decodeError("oicq request", err)
	}
	if err := body.Err(); err != nil {
		return nil, randomKey, shareKey, decodeError("oicq request", err)
	}
	if len(pub) != crypto.ECDHKeySize {
		return nil, randomKey, shareKey, decodeError("oicq request", crypto.ErrInvalidPeerKey)
	}
	var peer [crypto.ECDHKeySize]byte
	copy(peer[:], pub)
	shareKey, err := crypto.DeriveShareKey(serverPrivate, peer)
	if err != nil {
		return nil, randomKey, shareKey, decodeError("oicq request", err)
	}
	if req.Body, err = crypto.DecryptWithKey(shareKey, sealed); err != nil {
		return nil, randomKey, shareKey, decodeError("oicq request", err)
	}
	return req, randomKey, shareKey, nil
}

// EncodeOicqResponse wraps a login-path response body. Method 0 encrypts with
// shareKey and method 3 with randomKey.
func EncodeOicqResponse(resp OicqResponse, shareKey, randomKey [crypto.TEAKeySize]byte) ([]byte, error) {
	key := shareKey
	if resp.EncryptMethod == ResponseRandomKey {
		key = randomKey
	}
	sealed, err := crypto.EncryptWithKey(key, resp.Body)
	if err != nil {
		return nil, err
	}
	total := oicqResponseHeader + len(sealed) + 1
	w := NewWriter().
		Uint8(oicqHead).
		Uint16(uint16(total)).
		Uint16(oicqVersion).
		Uint16(resp.CommandID).
		Uint16(1).
		Uint32(resp.Account).
		Uint16(resp.EncryptMethod).
		Uint8(0).
		Write(sealed).
		Uint8(oicqTail)
	return w.Bytes(), nil
}
