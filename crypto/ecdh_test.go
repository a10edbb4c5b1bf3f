package crypto

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestECDHShareKeyAgreement(t *testing.T) {
	serverPub, serverPriv, err := GenerateServerKeypair()
	require.NoError(t, err)

	client, err := NewECDH(serverPub)
	require.NoError(t, err)

	serverSide, err := DeriveShareKey(serverPriv, client.Public)
	require.NoError(t, err)
	assert.Equal(t, client.ShareKey, serverSide)
}

func TestECDHFreshPerConnection(t *testing.T) {
	serverPub, _, err := GenerateServerKeypair()
	require.NoError(t, err)

	a, err := NewECDH(serverPub)
	require.NoError(t, err)
	b, err := NewECDH(serverPub)
	require.NoError(t, err)

	assert.NotEqual(t, a.Public, b.Public)
	assert.NotEqual(t, a.ShareKey, b.ShareKey)
}

func TestECDHRejectsZeroPeer(t *testing.T) {
	buf := captureLogs(t)
	_, err := NewECDH([ECDHKeySize]byte{})
	assert.ErrorIs(t, err, ErrInvalidPeerKey)
	assert.Contains(t, buf.String(), `"function":"DeriveShareKey"`)
	assert.Contains(t, buf.String(), `"level":"warning"`)
}

func TestGenerateServerKeypairLogsPreviewOnly(t *testing.T) {
	buf := captureLogs(t)
	pub, priv, err := GenerateServerKeypair()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Generated server keypair")
	assert.Contains(t, buf.String(), `"level":"info"`)
	assert.NotContains(t, buf.String(), fmt.Sprintf("%x", pub[:]))
	assert.NotContains(t, buf.String(), fmt.Sprintf("%x", priv[:8]))
}

func TestECDHWipe(t *testing.T) {
	serverPub, _, err := GenerateServerKeypair()
	require.NoError(t, err)
	e, err := NewECDH(serverPub)
	require.NoError(t, err)

	e.Wipe()
	assert.Equal(t, [ECDHKeySize]byte{}, e.private)
	assert.Equal(t, [TEAKeySize]byte{}, e.ShareKey)
}
