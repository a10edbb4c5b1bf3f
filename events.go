package imcore

import (
	"fmt"

	"github.com/opd-ai/imcore/packet"
)

// OfflineKind says why a session went offline.
type OfflineKind int

const (
	// OfflineDropped means the connection was lost; a reconnect follows.
	OfflineDropped OfflineKind = iota
	// OfflineForce means the server ended the session; no reconnect follows.
	OfflineForce
	// OfflineActive means the session was closed locally.
	OfflineActive
)

func (k OfflineKind) String() string {
	switch k {
	case OfflineDropped:
		return "dropped"
	case OfflineForce:
		return "force"
	case OfflineActive:
		return "active"
	default:
		return fmt.Sprintf("OfflineKind(%d)", int(k))
	}
}

// SessionOnline is published when a session completes login.
type SessionOnline struct {
	Session SessionID
	Account int64
	Nick    string
}

// SessionOffline is published when a session stops being online.
type SessionOffline struct {
	Session SessionID
	Kind    OfflineKind
	Cause   error
}

// Reconnected is published after a dropped session is online again.
type Reconnected struct {
	Session SessionID
	Server  Server
}

// PacketReceived carries a server packet that answered no pending request.
// Decoded is set when a command decoder is registered for its name.
type PacketReceived struct {
	Session SessionID
	Packet  *packet.Packet
	Decoded any
}

func eventName(event any) string {
	return fmt.Sprintf("%T", event)
}
