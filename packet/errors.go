package packet

import (
	"errors"
	"fmt"
)

var (
	// ErrShortFrame indicates a frame shorter than the minimum envelope size
	ErrShortFrame = errors.New("frame shorter than minimum envelope")

	// ErrLengthOverflow indicates a declared inner length exceeds the remaining bytes
	ErrLengthOverflow = errors.New("declared length exceeds remaining bytes")

	// ErrBadMarker indicates a head, tail or type marker with an unexpected value
	ErrBadMarker = errors.New("unexpected envelope marker")

	// ErrUnknownEncryption indicates an envelope encryption flag the codec does not know
	ErrUnknownEncryption = errors.New("unknown envelope encryption flag")

	// ErrForceOffline indicates the server declared the session terminated
	ErrForceOffline = errors.New("server forced the session offline")

	// ErrServerReturnCode indicates a non-zero sso return code that is not force-offline
	ErrServerReturnCode = errors.New("server returned an error code")

	// ErrUnknownCommand indicates a command name with no entry in the command table
	ErrUnknownCommand = errors.New("unknown command")
)

// DecodeError describes where an inbound envelope failed to decode.
type DecodeError struct {
	Stage       string // envelope stage that failed
	CommandName string // command name if it was decoded before the failure
	SequenceID  int32
	Err         error
}

func (e *DecodeError) Error() string {
	if e.CommandName != "" {
		return fmt.Sprintf("decode %s (%s #%d): %v", e.Stage, e.CommandName, e.SequenceID, e.Err)
	}
	return fmt.Sprintf("decode %s: %v", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeError(stage string, err error) *DecodeError {
	return &DecodeError{Stage: stage, Err: err}
}
