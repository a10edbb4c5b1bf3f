package packet

import (
	"testing"

	"github.com/opd-ai/imcore/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOicqRoundTrip(t *testing.T) {
	serverPub, serverPriv, err := crypto.GenerateServerKeypair()
	require.NoError(t, err)
	ecdh, err := crypto.NewECDH(serverPub)
	require.NoError(t, err)

	randomKey := [crypto.TEAKeySize]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	body := NewWriter().Uint16(9).Uint16(1).Write(NewTLVWriter().Add(0x18, []byte("t18")).Bytes()).Bytes()

	data, err := EncodeOicq(OicqRequest{
		CommandID:     OicqLoginCommand,
		Account:       123456789,
		ClientVersion: 0x10,
		Body:          body,
	}, ecdh, randomKey)
	require.NoError(t, err)
	assert.Equal(t, byte(0x02), data[0])
	assert.Equal(t, byte(0x03), data[len(data)-1])
	assert.Equal(t, EncryptECDH, data[14])

	req, gotRandom, shareKey, err := DecodeOicqRequest(data, serverPriv)
	require.NoError(t, err)
	assert.Equal(t, randomKey, gotRandom)
	assert.Equal(t, ecdh.ShareKey, shareKey)
	assert.Equal(t, uint16(OicqLoginCommand), req.CommandID)
	assert.Equal(t, uint32(123456789), req.Account)
	assert.Equal(t, body, req.Body)

	for _, method := range []uint16{ResponseShareKey, ResponseRandomKey} {
		wire, err := EncodeOicqResponse(OicqResponse{
			CommandID:     OicqLoginCommand,
			Account:       123456789,
			EncryptMethod: method,
			Body:          []byte("response tlvs"),
		}, shareKey, gotRandom)
		require.NoError(t, err)

		resp, err := DecodeOicq(wire, ecdh.ShareKey, randomKey)
		require.NoError(t, err, "method %d", method)
		assert.Equal(t, []byte("response tlvs"), resp.Body)
		assert.Equal(t, method, resp.EncryptMethod)
	}
}

func TestDecodeOicqShareKeyFallsBackToRandomKey(t *testing.T) {
	var shareKey, randomKey [crypto.TEAKeySize]byte
	shareKey[0], randomKey[0] = 1, 2

	// method 0 body sealed with the random key
	wire, err := EncodeOicqResponse(OicqResponse{EncryptMethod: ResponseRandomKey, Body: []byte("x")}, shareKey, randomKey)
	require.NoError(t, err)
	wire[oicqResponseHeader-3] = 0
	wire[oicqResponseHeader-2] = byte(ResponseShareKey)

	resp, err := DecodeOicq(wire, shareKey, randomKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), resp.Body)
}

func TestDecodeOicqMalformed(t *testing.T) {
	var k [crypto.TEAKeySize]byte
	valid, err := EncodeOicqResponse(OicqResponse{Body: []byte("ok")}, k, k)
	require.NoError(t, err)

	badHead := append([]byte(nil), valid...)
	badHead[0] = 0x05
	badTail := append([]byte(nil), valid...)
	badTail[len(badTail)-1] = 0x00
	overLength := append([]byte(nil), valid...)
	overLength[1], overLength[2] = 0xFF, 0xFF
	badMethod := append([]byte(nil), valid...)
	badMethod[oicqResponseHeader-2] = 9

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"short", valid[:10], ErrShortFrame},
		{"head", badHead, ErrBadMarker},
		{"tail", badTail, ErrBadMarker},
		{"length", overLength, ErrLengthOverflow},
		{"method", badMethod, ErrUnknownEncryption},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeOicq(tt.data, k, k)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEncodeOicqNilExchange(t *testing.T) {
	_, err := EncodeOicq(OicqRequest{}, nil, [crypto.TEAKeySize]byte{})
	assert.Error(t, err)
}
