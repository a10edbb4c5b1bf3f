package limits

import (
	"errors"
	"fmt"
)

const (
	// LengthPrefixSize is the size of the frame length prefix.
	LengthPrefixSize = 4

	// MaxFrameSize is the largest declared frame length accepted from a peer,
	// including the length prefix.
	MaxFrameSize = 16 * 1024 * 1024

	// TEAOverhead is the smallest growth of a payload under the envelope cipher.
	TEAOverhead = 10

	// TEAMinCiphertext is the smallest ciphertext the envelope cipher produces.
	TEAMinCiphertext = 16

	// MinFrameBody is the minimum sso frame body: int32 type, flag byte, zero
	// byte, int32 account length prefix.
	MinFrameBody = 4 + 1 + 1 + 4

	// OicqHeaderSize is the fixed part of a login-path envelope before the body.
	OicqHeaderSize = 1 + 2 + 2 + 2 + 2 + 4 + 1 + 1 + 1 + 4 + 4 + 4

	// MinOicqEnvelope is the smallest login-path envelope: header plus tail marker.
	MinOicqEnvelope = OicqHeaderSize + 1

	// MaxCommandName bounds the length of a command name field.
	MaxCommandName = 256
)

var (
	// ErrFrameLength indicates a declared frame length outside the accepted range
	ErrFrameLength = errors.New("invalid frame length")

	// ErrFieldTooLarge indicates an inner length-prefixed field exceeds its limit
	ErrFieldTooLarge = errors.New("field too large")
)

// ValidateFrameLength validates a declared frame length read from a length
// prefix. The declared length counts the prefix itself.
func ValidateFrameLength(declared int32) error {
	if declared < LengthPrefixSize {
		return fmt.Errorf("%w: declared %d is shorter than the length prefix", ErrFrameLength, declared)
	}
	if declared > MaxFrameSize {
		return fmt.Errorf("%w: declared %d exceeds limit %d", ErrFrameLength, declared, MaxFrameSize)
	}
	return nil
}

// ValidateCommandName validates the length of a command name field.
func ValidateCommandName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("%w: empty command name", ErrFieldTooLarge)
	}
	if len(name) > MaxCommandName {
		return fmt.Errorf("%w: command name size %d exceeds limit %d", ErrFieldTooLarge, len(name), MaxCommandName)
	}
	return nil
}
