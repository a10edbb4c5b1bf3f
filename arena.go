package imcore

import "sync"

// SessionID identifies a live session. Events carry it instead of a
// session pointer; Lookup resolves it.
type SessionID uint64

var arena = struct {
	sync.RWMutex
	next     SessionID
	sessions map[SessionID]*Session
}{sessions: make(map[SessionID]*Session)}

func registerSession(s *Session) SessionID {
	arena.Lock()
	defer arena.Unlock()
	arena.next++
	arena.sessions[arena.next] = s
	return arena.next
}

func unregisterSession(id SessionID) {
	arena.Lock()
	defer arena.Unlock()
	delete(arena.sessions, id)
}

// Lookup returns the live session registered under id.
func Lookup(id SessionID) (*Session, bool) {
	arena.RLock()
	defer arena.RUnlock()
	s, ok := arena.sessions[id]
	return s, ok
}
