package crypto

import (
	"crypto/md5"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"
)

// ECDHKeySize is the size of an ephemeral public or private key.
const ECDHKeySize = 32

// ErrInvalidPeerKey indicates the peer public key has the wrong size or is all zeros
var ErrInvalidPeerKey = errors.New("invalid peer public key")

// ECDH holds one connection's ephemeral key-exchange keypair and the share key
// derived from the server's well-known public key. A new ECDH is generated for
// every connection so reconnects never reuse key material.
type ECDH struct {
	Public   [ECDHKeySize]byte
	private  [ECDHKeySize]byte
	ShareKey [TEAKeySize]byte
}

// NewECDH generates an ephemeral keypair and derives the share key against
// serverPublic.
func NewECDH(serverPublic [ECDHKeySize]byte) (*ECDH, error) {
	logger := NewLogger("NewECDH")

	kp, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		logger.WithError(err, "keygen", "generate_keypair").Error("Failed to generate ephemeral keypair")
		return nil, fmt.Errorf("failed to generate ephemeral keypair: %w", err)
	}

	e := &ECDH{}
	copy(e.Public[:], kp.Public)
	copy(e.private[:], kp.Private)
	ZeroBytes(kp.Private)

	shareKey, err := e.DeriveShareKey(serverPublic)
	if err != nil {
		e.Wipe()
		return nil, err
	}
	e.ShareKey = shareKey

	logger.WithFields(SecureFieldHash(e.Public[:], "public_key")).Debug("Generated ephemeral key exchange material")
	return e, nil
}

// DeriveShareKey computes the envelope share key with a peer public key. The
// share key is the MD5 digest of the first 16 bytes of the raw shared secret.
func (e *ECDH) DeriveShareKey(peerPublic [ECDHKeySize]byte) ([TEAKeySize]byte, error) {
	return DeriveShareKey(e.private, peerPublic)
}

// DeriveShareKey computes the share key for a private key and peer public
// key. Both sides of the exchange arrive at the same value.
func DeriveShareKey(private, peerPublic [ECDHKeySize]byte) ([TEAKeySize]byte, error) {
	var out [TEAKeySize]byte
	if isZeroKey(peerPublic) {
		NewLogger("DeriveShareKey").Warn("Rejected all-zero peer public key; is the server key configured?")
		return out, ErrInvalidPeerKey
	}

	shared, err := noise.DH25519.DH(private[:], peerPublic[:])
	if err != nil {
		return out, fmt.Errorf("key exchange failed: %w", err)
	}
	defer ZeroBytes(shared)

	out = md5.Sum(shared[:TEAKeySize])
	return out, nil
}

// GenerateServerKeypair creates a static keypair of the kind the server side
// of the exchange holds. It is used by simulated servers in tests.
func GenerateServerKeypair() (public, private [ECDHKeySize]byte, err error) {
	kp, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return public, private, fmt.Errorf("failed to generate server keypair: %w", err)
	}
	copy(public[:], kp.Public)
	copy(private[:], kp.Private)
	ZeroBytes(kp.Private)

	NewLogger("GenerateServerKeypair").
		WithFields(SecureFieldHash(public[:], "public_key")).
		Info("Generated server keypair")
	return public, private, nil
}

// Wipe erases the private half of the keypair and the share key.
func (e *ECDH) Wipe() {
	ZeroBytes(e.private[:])
	ZeroBytes(e.ShareKey[:])
}

func isZeroKey(key [ECDHKeySize]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
