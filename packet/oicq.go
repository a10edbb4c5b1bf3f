package packet

import (
	"errors"
	"fmt"

	"github.com/opd-ai/imcore/crypto"
	"github.com/opd-ai/imcore/limits"
)

const (
	oicqHead    = 0x02
	oicqTail    = 0x03
	oicqVersion = 8001
	// OicqLoginCommand is the oicq command id carried by every wtlogin request.
	OicqLoginCommand = 0x0810

	// EncryptECDH marks an oicq request body protected by the ECDH share key.
	EncryptECDH byte = 0x87

	// ResponseShareKey is the response method encrypted with the ECDH share key.
	ResponseShareKey uint16 = 0

	// ResponseRandomKey is the response method encrypted with the request's
	// random key.
	ResponseRandomKey uint16 = 3

	oicqResponseHeader = 16
)

// OicqRequest is the plaintext of one login-path request before it is
// wrapped in the oicq envelope.
type OicqRequest struct {
	CommandID     uint16
	Account       uint32
	ClientVersion uint32
	// Body is the subcommand and TLV sequence protected by the share key.
	Body []byte
}

// OicqResponse is a decoded login-path response.
type OicqResponse struct {
	CommandID     uint16
	Account       uint32
	EncryptMethod uint16
	Body          []byte
}

// EncodeOicq wraps req in the oicq envelope. The body carries randomKey and
// the client public key in the clear and the TLVs encrypted with the share
// key held by ecdh.
func EncodeOicq(req OicqRequest, ecdh *crypto.ECDH, randomKey [crypto.TEAKeySize]byte) ([]byte, error) {
	if ecdh == nil {
		return nil, errors.New("oicq: nil key exchange")
	}
	sealed, err := crypto.EncryptWithKey(ecdh.ShareKey, req.Body)
	if err != nil {
		return nil, fmt.Errorf("oicq: encrypt body: %w", err)
	}

	body := NewWriter().
		Uint8(0x02).Uint8(0x01).
		Write(randomKey[:]).
		Uint16(0x0131).
		Uint16(0x0001).
		Uint16LV(ecdh.Public[:]).
		Write(sealed).
		Bytes()

	total := limits.OicqHeaderSize + 1 + len(body)
	if total > 0xFFFF {
		return nil, fmt.Errorf("oicq: %w: envelope of %d bytes", limits.ErrFieldTooLarge, total)
	}
	w := NewWriter().
		Uint8(oicqHead).
		Uint16(uint16(total)).
		Uint16(oicqVersion).
		Uint16(req.CommandID).
		Uint16(1).
		Uint32(req.Account).
		Uint8(3).
		Uint8(EncryptECDH).
		Uint8(0).
		Uint32(2).
		Uint32(req.ClientVersion).
		Uint32(0).
		Write(body).
		Uint8(oicqTail)
	return w.Bytes(), nil
}

// DecodeOicq unwraps a login-path response. Method 0 bodies are decrypted
// with the share key, falling back to the random key; method 3 bodies use
// the random key.
func DecodeOicq(data []byte, shareKey, randomKey [crypto.TEAKeySize]byte) (*OicqResponse, error) {
	if len(data) < oicqResponseHeader+1 {
		return nil, decodeError("oicq", fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data)))
	}
	r := NewReader(data)
	if head := r.Uint8(); head != oicqHead {
		return nil, decodeError("oicq", fmt.Errorf("%w: head 0x%02x", ErrBadMarker, head))
	}
	declared := int(r.Uint16())
	if declared > len(data) || declared < oicqResponseHeader+1 {
		return nil, decodeError("oicq", fmt.Errorf("%w: envelope declares %d of %d bytes", ErrLengthOverflow, declared, len(data)))
	}
	if data[declared-1] != oicqTail {
		return nil, decodeError("oicq", fmt.Errorf("%w: tail 0x%02x", ErrBadMarker, data[declared-1]))
	}
	r.Skip(2) // version
	resp := &OicqResponse{CommandID: r.Uint16()}
	r.Skip(2)
	resp.Account = r.Uint32()
	resp.EncryptMethod = r.Uint16()
	r.Skip(1)
	if err := r.Err(); err != nil {
		return nil, decodeError("oicq", err)
	}
	sealed := data[oicqResponseHeader : declared-1]

	var err error
	switch resp.EncryptMethod {
	case ResponseShareKey:
		resp.Body, err = crypto.DecryptWithKey(shareKey, sealed)
		if err != nil {
			resp.Body, err = crypto.DecryptWithKey(randomKey, sealed)
		}
	case ResponseRandomKey:
		resp.Body, err = crypto.DecryptWithKey(randomKey, sealed)
	default:
		return nil, decodeError("oicq", fmt.Errorf("%w: method %d", ErrUnknownEncryption, resp.EncryptMethod))
	}
	if err != nil {
		return nil, decodeError("oicq", err)
	}
	return resp, nil
}
