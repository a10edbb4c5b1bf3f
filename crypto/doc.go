// Package crypto implements the cryptographic primitives of the session engine.
//
// Every envelope on the wire is sealed with the TEA feedback cipher ([TEA])
// under one of three key regimes:
//
//   - [RegimeNone]: the all-zero key, used only by the first handshake packet.
//   - [RegimeStatic]: the fixed well-known [StaticKey], used for the rest of
//     the pre-authentication handshake.
//   - [RegimeSession]: the key negotiated during login and rotated by key
//     refresh.
//
// The handshake body itself is sealed with a share key derived from an
// ephemeral key exchange ([ECDH]) against the server's well-known public key.
//
// # Key publication
//
// [KeyStore] holds the negotiated material. Encoders and decoders sample the
// latest snapshot through an atomic pointer and never take a lock; login and
// key refresh are the only writers. A refresh keeps the replaced session key
// as the previous key so replies to requests sent before the refresh still
// decrypt:
//
//	ks := crypto.NewKeyStore()
//	_ = ks.Advance(crypto.RegimeStatic)
//	_ = ks.Publish(crypto.KeyMaterial{SessionKey: key, ExpiresAt: expiry})
//	key, _ := ks.EncryptionKey(crypto.RegimeSession)
//
// Regimes only move forward within a connection; [KeyStore.Reset] returns to
// [RegimeNone] when the connection is replaced.
package crypto
