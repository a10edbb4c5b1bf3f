package packet

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/opd-ai/imcore/crypto"
	"github.com/opd-ai/imcore/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIdentity() Identity {
	return Identity{
		Account:  123456789,
		SubAppID: 537066738,
		IMEI:     "468356291846738",
		KSID:     []byte("|454001228437590|A8.2.7.27f6ea96"),
	}
}

// stripPrefix removes and checks the length prefix of an encoded frame.
func stripPrefix(t *testing.T, frame []byte) []byte {
	t.Helper()
	require.GreaterOrEqual(t, len(frame), limits.LengthPrefixSize)
	declared := binary.BigEndian.Uint32(frame)
	require.Equal(t, uint32(len(frame)), declared, "length prefix counts itself")
	return frame[limits.LengthPrefixSize:]
}

func sessionMaterial(key byte) crypto.KeyMaterial {
	var m crypto.KeyMaterial
	for i := range m.SessionKey {
		m.SessionKey[i] = key
	}
	m.D2 = []byte{0xD2, key}
	return m
}

func TestCodecHandshakeRoundTrip(t *testing.T) {
	for _, regime := range []crypto.KeyRegime{crypto.RegimeNone, crypto.RegimeStatic} {
		t.Run(regime.String(), func(t *testing.T) {
			keys := crypto.NewKeyStore()
			codec := NewCodec(testIdentity(), keys, [4]byte{1, 2, 3, 4})

			frame, err := codec.Encode("wtlogin.login", 77, regime, []byte("oicq body"))
			require.NoError(t, err)

			server := NewServerCodec(testIdentity().Account, crypto.NewKeyStore())
			req, id, err := server.DecodeRequest(stripPrefix(t, frame))
			require.NoError(t, err)
			assert.Equal(t, LayoutLogin, req.Layout)
			assert.Equal(t, regime, req.Regime)
			assert.Equal(t, "wtlogin.login", req.CommandName)
			assert.Equal(t, int32(77), req.SequenceID)
			assert.Equal(t, []byte("oicq body"), req.Body)
			require.NotNil(t, id)
			assert.Equal(t, testIdentity().IMEI, id.IMEI)
			assert.Equal(t, testIdentity().KSID, id.KSID)
			assert.Equal(t, testIdentity().SubAppID, id.SubAppID)
		})
	}
}

func TestCodecSessionRoundTrip(t *testing.T) {
	keys := crypto.NewKeyStore()
	require.NoError(t, keys.Publish(sessionMaterial(0x5A)))
	codec := NewCodec(testIdentity(), keys, [4]byte{9, 9, 9, 9})

	frame, err := codec.Encode("Heartbeat.Alive", 1001, crypto.RegimeSession, nil)
	require.NoError(t, err)

	serverKeys := crypto.NewKeyStore()
	require.NoError(t, serverKeys.Publish(sessionMaterial(0x5A)))
	server := NewServerCodec(testIdentity().Account, serverKeys)

	req, id, err := server.DecodeRequest(stripPrefix(t, frame))
	require.NoError(t, err)
	assert.Nil(t, id)
	assert.Equal(t, LayoutUni, req.Layout)
	assert.Equal(t, "Heartbeat.Alive", req.CommandName)
	assert.Equal(t, int32(1001), req.SequenceID)
	assert.Equal(t, []byte{0xD2, 0x5A}, req.Extra, "uni envelopes carry D2 by default")
	assert.Empty(t, req.Body)

	reply, err := server.EncodeReply(Packet{
		CommandName: "Heartbeat.Alive",
		SequenceID:  1001,
		Regime:      crypto.RegimeSession,
		Body:        []byte("pong"),
	}, false)
	require.NoError(t, err)

	pkt, err := codec.Decode(stripPrefix(t, reply))
	require.NoError(t, err)
	assert.Equal(t, "Heartbeat.Alive", pkt.CommandName)
	assert.Equal(t, int32(1001), pkt.SequenceID)
	assert.Equal(t, []byte("pong"), pkt.Body)
}

func TestCodecSessionRequiresKey(t *testing.T) {
	codec := NewCodec(testIdentity(), crypto.NewKeyStore(), [4]byte{})
	_, err := codec.Encode("Heartbeat.Alive", 1, crypto.RegimeSession, nil)
	assert.ErrorIs(t, err, crypto.ErrNoSessionKey)
}

func TestCodecRejectsBadCommandName(t *testing.T) {
	codec := NewCodec(testIdentity(), crypto.NewKeyStore(), [4]byte{})
	_, err := codec.Encode("", 1, crypto.RegimeNone, nil)
	assert.ErrorIs(t, err, limits.ErrFieldTooLarge)

	_, err = codec.Encode(strings.Repeat("x", limits.MaxCommandName+1), 1, crypto.RegimeNone, nil)
	assert.ErrorIs(t, err, limits.ErrFieldTooLarge)
}

func TestCodecDecodeCompressedBody(t *testing.T) {
	keys := crypto.NewKeyStore()
	codec := NewCodec(testIdentity(), keys, [4]byte{})
	server := NewServerCodec(testIdentity().Account, crypto.NewKeyStore())

	body := []byte(strings.Repeat("compressible ", 200))
	reply, err := server.EncodeReply(Packet{
		CommandName: "ConfigPushSvc.PushReq",
		SequenceID:  5,
		Regime:      crypto.RegimeStatic,
		Body:        body,
	}, true)
	require.NoError(t, err)
	assert.Less(t, len(reply), len(body), "body should be compressed on the wire")

	pkt, err := codec.Decode(stripPrefix(t, reply))
	require.NoError(t, err)
	assert.Equal(t, body, pkt.Body)
	assert.Equal(t, crypto.RegimeStatic, pkt.Regime)
}

func TestCodecDecodeForceOffline(t *testing.T) {
	for _, code := range []int32{ReturnKickedByOtherDevice, ReturnSessionRevoked} {
		server := NewServerCodec(testIdentity().Account, crypto.NewKeyStore())
		reply, err := server.EncodeReply(Packet{
			CommandName: "StatSvc.ReqMSFOffline",
			SequenceID:  8,
			ReturnCode:  code,
			Regime:      crypto.RegimeNone,
		}, false)
		require.NoError(t, err)

		codec := NewCodec(testIdentity(), crypto.NewKeyStore(), [4]byte{})
		pkt, err := codec.Decode(stripPrefix(t, reply))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrForceOffline), "code %d", code)
		require.NotNil(t, pkt)
		assert.Equal(t, code, pkt.ReturnCode)
	}
}

func TestCodecDecodeOtherReturnCode(t *testing.T) {
	server := NewServerCodec(testIdentity().Account, crypto.NewKeyStore())
	reply, err := server.EncodeReply(Packet{
		CommandName: "OidbSvc.0x88d_0",
		SequenceID:  3,
		ReturnCode:  -1,
		Regime:      crypto.RegimeNone,
	}, false)
	require.NoError(t, err)

	codec := NewCodec(testIdentity(), crypto.NewKeyStore(), [4]byte{})
	_, err = codec.Decode(stripPrefix(t, reply))
	assert.ErrorIs(t, err, ErrServerReturnCode)
	assert.NotErrorIs(t, err, ErrForceOffline)

	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "OidbSvc.0x88d_0", de.CommandName)
}

func TestCodecDecodeWithPreviousSessionKey(t *testing.T) {
	keys := crypto.NewKeyStore()
	require.NoError(t, keys.Publish(sessionMaterial(0x01)))

	serverKeys := crypto.NewKeyStore()
	require.NoError(t, serverKeys.Publish(sessionMaterial(0x01)))
	server := NewServerCodec(testIdentity().Account, serverKeys)
	reply, err := server.EncodeReply(Packet{CommandName: "a.b", SequenceID: 1, Regime: crypto.RegimeSession, Body: []byte("late")}, false)
	require.NoError(t, err)

	// a refresh lands before the reply to a request sent under the old key
	require.NoError(t, keys.Publish(sessionMaterial(0x02)))

	codec := NewCodec(testIdentity(), keys, [4]byte{})
	pkt, err := codec.Decode(stripPrefix(t, reply))
	require.NoError(t, err)
	assert.Equal(t, []byte("late"), pkt.Body)
}

func TestCodecDecodeMalformed(t *testing.T) {
	codec := NewCodec(testIdentity(), crypto.NewKeyStore(), [4]byte{})

	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{"short", []byte{0, 0, 0, 0x0B}, ErrShortFrame},
		{"bad type", []byte{0, 0, 0, 0x0C, 2, 0, 0, 0, 0, 4}, ErrBadMarker},
		{"unknown flag", []byte{0, 0, 0, 0x0B, 9, 0, 0, 0, 0, 4}, ErrUnknownEncryption},
		{"account overflow", []byte{0, 0, 0, 0x0B, 2, 0, 0, 0, 0, 99}, ErrLengthOverflow},
		{"bad ciphertext", append([]byte{0, 0, 0, 0x0B, 2, 0, 0, 0, 0, 4}, make([]byte, 15)...), crypto.ErrCiphertextLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Decode(tt.frame)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			var de *DecodeError
			assert.ErrorAs(t, err, &de)
		})
	}
}

func TestCodecDecodeInnerOverflow(t *testing.T) {
	// a head that declares more bytes than the plaintext holds
	inner := NewWriter().Int32(500).Write([]byte{1, 2, 3}).Bytes()
	sealed, err := crypto.EncryptWithKey(crypto.ZeroKey, inner)
	require.NoError(t, err)
	frame := NewWriter().Int32(typeLogin).Uint8(flagZero).Uint8(0).Int32LV([]byte("1")).Write(sealed).Bytes()

	codec := NewCodec(testIdentity(), crypto.NewKeyStore(), [4]byte{})
	_, err = codec.Decode(frame)
	assert.ErrorIs(t, err, ErrLengthOverflow)
}
