package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/tea"
)

// TEAKeySize is the size of every envelope key in bytes.
const TEAKeySize = 16

// teaRounds is the Feistel round count handed to x/crypto/tea. The
// envelope cipher runs 16 cycles, which is 32 rounds in tea's accounting.
const teaRounds = 32

var (
	// ErrCiphertextLength indicates the ciphertext is not a whole number of blocks
	ErrCiphertextLength = errors.New("ciphertext length is not a multiple of 8 or is shorter than 16 bytes")
	// ErrDecrypt indicates the ciphertext did not decrypt to a well-formed plaintext under the key
	ErrDecrypt = errors.New("envelope decryption failed")
)

// TEA is the envelope cipher used by every key regime. It wraps the TEA block
// cipher in the protocol's two-IV feedback mode with a random-filled head and
// a seven byte zero tail.
//
// A TEA value is immutable and safe for concurrent use.
type TEA struct {
	block cipher.Block
}

// NewTEA creates an envelope cipher for a 16-byte key.
func NewTEA(key [TEAKeySize]byte) (*TEA, error) {
	block, err := tea.NewCipherWithRounds(key[:], teaRounds)
	if err != nil {
		return nil, fmt.Errorf("failed to create tea block cipher: %w", err)
	}
	return &TEA{block: block}, nil
}

// Encrypt seals plaintext. The output length is always a multiple of 8 and
// between 10 and 17 bytes longer than the input.
func (t *TEA) Encrypt(plaintext []byte) ([]byte, error) {
	fill := 10 - (len(plaintext)+1)%8
	out := make([]byte, fill+len(plaintext)+7)
	if _, err := rand.Read(out[:fill]); err != nil {
		return nil, fmt.Errorf("failed to generate tea padding: %w", err)
	}
	out[0] = byte(fill-3) | 0xF8
	copy(out[fill:], plaintext)

	var iv1, iv2, holder uint64
	var in, enc [8]byte
	for i := 0; i < len(out); i += 8 {
		holder = binary.BigEndian.Uint64(out[i:]) ^ iv1
		binary.BigEndian.PutUint64(in[:], holder)
		t.block.Encrypt(enc[:], in[:])
		iv1 = binary.BigEndian.Uint64(enc[:]) ^ iv2
		iv2 = holder
		binary.BigEndian.PutUint64(out[i:], iv1)
	}
	return out, nil
}

// Decrypt opens ciphertext produced by Encrypt under the same key. A wrong key
// is detected with high probability through the zero tail and is reported as
// ErrDecrypt.
func (t *TEA) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 16 || len(ciphertext)%8 != 0 {
		return nil, ErrCiphertextLength
	}

	out := make([]byte, len(ciphertext))
	var iv1, iv2, holder uint64
	var in, dec [8]byte
	for i := 0; i < len(ciphertext); i += 8 {
		iv1 = binary.BigEndian.Uint64(ciphertext[i:])
		iv2 ^= iv1
		binary.BigEndian.PutUint64(in[:], iv2)
		t.block.Decrypt(dec[:], in[:])
		iv2 = binary.BigEndian.Uint64(dec[:])
		binary.BigEndian.PutUint64(out[i:], iv2^holder)
		holder = iv1
	}

	start := int(out[0]&7) + 3
	end := len(out) - 7
	if start > end {
		return nil, ErrDecrypt
	}
	for _, b := range out[end:] {
		if b != 0 {
			return nil, ErrDecrypt
		}
	}
	return out[start:end], nil
}

// EncryptWithKey is a convenience wrapper around NewTEA and Encrypt.
func EncryptWithKey(key [TEAKeySize]byte, plaintext []byte) ([]byte, error) {
	t, err := NewTEA(key)
	if err != nil {
		return nil, err
	}
	return t.Encrypt(plaintext)
}

// DecryptWithKey is a convenience wrapper around NewTEA and Decrypt.
func DecryptWithKey(key [TEAKeySize]byte, ciphertext []byte) ([]byte, error) {
	t, err := NewTEA(key)
	if err != nil {
		return nil, err
	}
	return t.Decrypt(ciphertext)
}
