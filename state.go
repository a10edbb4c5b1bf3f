package imcore

import (
	"errors"
	"fmt"
)

// State is the supervisor's connection state.
type State int32

const (
	// StateDisconnected means no connection exists and none is being made.
	StateDisconnected State = iota
	// StateConnecting means a transport is being opened to a server.
	StateConnecting
	// StateLoggingIn means the login handshake is running on a new connection.
	StateLoggingIn
	// StateOnline means the session is logged in with its loops running.
	StateOnline
	// StateDegraded means a liveness failure was detected and the connection
	// is being torn down.
	StateDegraded
	// StateReconnecting means a replacement connection is being established.
	StateReconnecting
)

// String returns the state name used in logs.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateLoggingIn:
		return "LoggingIn"
	case StateOnline:
		return "Online"
	case StateDegraded:
		return "Degraded"
	case StateReconnecting:
		return "Reconnecting"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	// ErrNotOnline indicates a request on a session without a logged-in connection
	ErrNotOnline = errors.New("session is not online")
	// ErrSessionClosed indicates the session was closed locally
	ErrSessionClosed = errors.New("session closed")
	// ErrAlreadyRunning indicates Login on a session that is already running
	ErrAlreadyRunning = errors.New("session already running")
	// ErrHeartbeatFailed indicates consecutive heartbeats went unanswered
	ErrHeartbeatFailed = errors.New("heartbeat failed")
	// ErrLivenessLost indicates the transport closed without a read error
	ErrLivenessLost = errors.New("liveness check failed")
	// ErrSessionKeyExpired indicates the session key expired before a refresh succeeded
	ErrSessionKeyExpired = errors.New("session key expired")
)
