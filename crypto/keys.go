package crypto

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// KeyRegime selects which key protects an envelope.
type KeyRegime uint8

const (
	// RegimeNone encrypts under the all-zero key. Only the first handshake packet uses it.
	RegimeNone KeyRegime = iota
	// RegimeStatic encrypts under StaticKey for the rest of the pre-authentication handshake.
	RegimeStatic
	// RegimeSession encrypts under the negotiated per-session key.
	RegimeSession
)

// String returns the regime name used in logs.
func (r KeyRegime) String() string {
	switch r {
	case RegimeNone:
		return "none"
	case RegimeStatic:
		return "static"
	case RegimeSession:
		return "session"
	default:
		return fmt.Sprintf("regime(%d)", uint8(r))
	}
}

// ZeroKey is the key used under RegimeNone.
var ZeroKey [TEAKeySize]byte

// StaticKey is the fixed well-known key used under RegimeStatic.
var StaticKey = [TEAKeySize]byte{
	0x4d, 0x29, 0x57, 0x1c, 0xa1, 0x3e, 0x62, 0x8b,
	0x90, 0x07, 0xd4, 0x6f, 0x15, 0xbc, 0x33, 0xe8,
}

var (
	// ErrRegimeRegression indicates an attempt to move the key regime backwards
	ErrRegimeRegression = errors.New("key regime cannot move backwards within a connection")
	// ErrNoSessionKey indicates the session regime was requested before a session key was published
	ErrNoSessionKey = errors.New("no session key negotiated")
)

// KeyMaterial is one immutable snapshot of negotiated key material. A
// snapshot is never modified after it has been published.
type KeyMaterial struct {
	Regime     KeyRegime
	SessionKey [TEAKeySize]byte
	// D2 is the session-identifying signature blob sent with every uni packet.
	D2 []byte
	// TGT is the ticket used by the key refresh exchange.
	TGT       []byte
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the material has a deadline that has passed.
func (m *KeyMaterial) Expired(now time.Time) bool {
	return m != nil && !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// KeyStore publishes key material for the codec. Readers sample the current
// snapshot through an atomic pointer and never lock; writers are serialized.
// After a key refresh the replaced session snapshot stays available as the
// previous key so replies to in-flight requests still decrypt.
type KeyStore struct {
	current  atomic.Pointer[KeyMaterial]
	previous atomic.Pointer[KeyMaterial]
	mu       sync.Mutex
	clock    TimeProvider
}

// NewKeyStore creates a key store in RegimeNone.
func NewKeyStore() *KeyStore {
	ks := &KeyStore{clock: GetDefaultTimeProvider()}
	ks.current.Store(&KeyMaterial{Regime: RegimeNone})
	return ks
}

// SetTimeProvider replaces the clock used to stamp published material.
func (ks *KeyStore) SetTimeProvider(tp TimeProvider) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	ks.clock = tp
}

// Current returns the latest published snapshot.
func (ks *KeyStore) Current() *KeyMaterial {
	return ks.current.Load()
}

// Previous returns the session snapshot replaced by the last refresh, or nil.
func (ks *KeyStore) Previous() *KeyMaterial {
	return ks.previous.Load()
}

// Regime returns the current key regime.
func (ks *KeyStore) Regime() KeyRegime {
	return ks.Current().Regime
}

// Advance moves from RegimeNone to RegimeStatic. Advancing to the current
// regime is a no-op; RegimeSession can only be reached through Publish.
func (ks *KeyStore) Advance(regime KeyRegime) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	cur := ks.current.Load()
	if regime < cur.Regime {
		return fmt.Errorf("%w: %s -> %s", ErrRegimeRegression, cur.Regime, regime)
	}
	if regime == cur.Regime {
		return nil
	}
	if regime == RegimeSession {
		return ErrNoSessionKey
	}
	ks.current.Store(&KeyMaterial{Regime: regime, IssuedAt: ks.clock.Now()})
	return nil
}

// Publish atomically installs negotiated session material. The snapshot is
// copied so the caller may not mutate what readers see.
func (ks *KeyStore) Publish(m KeyMaterial) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	m.Regime = RegimeSession
	if m.IssuedAt.IsZero() {
		m.IssuedAt = ks.clock.Now()
	}
	m.D2 = append([]byte(nil), m.D2...)
	m.TGT = append([]byte(nil), m.TGT...)

	cur := ks.current.Load()
	if cur.Regime == RegimeSession {
		ks.previous.Store(cur)
	}
	ks.current.Store(&m)

	NewLogger("KeyStore.Publish").
		WithFields(SecureFieldHash(m.SessionKey[:], "session_key")).
		WithField("expires_at", m.ExpiresAt).
		Debug("Published session key material")
	return nil
}

// Reset drops all negotiated material and returns to RegimeNone. It is
// called on every reconnect.
func (ks *KeyStore) Reset() {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.previous.Store(nil)
	ks.current.Store(&KeyMaterial{Regime: RegimeNone})
}

// EncryptionKey returns the key an outbound envelope uses under regime.
func (ks *KeyStore) EncryptionKey(regime KeyRegime) ([TEAKeySize]byte, error) {
	switch regime {
	case RegimeNone:
		return ZeroKey, nil
	case RegimeStatic:
		return StaticKey, nil
	case RegimeSession:
		cur := ks.Current()
		if cur.Regime != RegimeSession {
			return ZeroKey, ErrNoSessionKey
		}
		return cur.SessionKey, nil
	default:
		return ZeroKey, fmt.Errorf("unknown key regime %d", regime)
	}
}

// DecryptionKeys returns the candidate keys for an inbound envelope under
// regime, newest first.
func (ks *KeyStore) DecryptionKeys(regime KeyRegime) ([][TEAKeySize]byte, error) {
	if regime != RegimeSession {
		key, err := ks.EncryptionKey(regime)
		if err != nil {
			return nil, err
		}
		return [][TEAKeySize]byte{key}, nil
	}

	keys := make([][TEAKeySize]byte, 0, 2)
	if cur := ks.Current(); cur.Regime == RegimeSession {
		keys = append(keys, cur.SessionKey)
	}
	if prev := ks.Previous(); prev != nil {
		keys = append(keys, prev.SessionKey)
	}
	if len(keys) == 0 {
		return nil, ErrNoSessionKey
	}
	return keys, nil
}
