package balancer

import (
	"sync"
	"time"

	"github.com/kestrelproxy/kestrel/internal/upstream"
)

const sessionTTL = 2 * time.Hour

type sessionKey struct {
	group string
	key   string
}

type sessionEntry struct {
	server   *upstream.Server
	expireAt time.Time
}

// SessionTable implements session persistence: a lookup matches on either
// client-IP or session-id (whichever field is present matches first), and
// a bind always records both fields when available. This mirrors
// load_balancer.c's session_find/session_bind semantics exactly.
type SessionTable struct {
	mu      sync.Mutex
	byIP    map[sessionKey]*sessionEntry
	bySess  map[sessionKey]*sessionEntry
}

// NewSessionTable creates an empty SessionTable.
func NewSessionTable() *SessionTable {
	return &SessionTable{
		byIP:   map[sessionKey]*sessionEntry{},
		bySess: map[sessionKey]*sessionEntry{},
	}
}

// Lookup returns the bound server for group, preferring a session-id match
// and falling back to a client-IP match, as long as the matched server is
// still in the available set (otherwise the sticky binding is stale).
func (t *SessionTable) Lookup(group, clientIP, sessionID string, available []*upstream.Server) *upstream.Server {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if sessionID != "" {
		if e, ok := t.bySess[sessionKey{group, sessionID}]; ok && e.expireAt.After(now) && stillAvailable(e.server, available) {
			return e.server
		}
	}
	if clientIP != "" {
		if e, ok := t.byIP[sessionKey{group, clientIP}]; ok && e.expireAt.After(now) && stillAvailable(e.server, available) {
			return e.server
		}
	}
	return nil
}

// Bind records the chosen server for both client-IP and session-id keys
// when each is non-empty.
func (t *SessionTable) Bind(group, clientIP, sessionID string, server *upstream.Server) {
	t.mu.Lock()
	defer t.mu.Unlock()

	expireAt := time.Now().Add(sessionTTL)
	if clientIP != "" {
		t.byIP[sessionKey{group, clientIP}] = &sessionEntry{server: server, expireAt: expireAt}
	}
	if sessionID != "" {
		t.bySess[sessionKey{group, sessionID}] = &sessionEntry{server: server, expireAt: expireAt}
	}
}

func stillAvailable(server *upstream.Server, available []*upstream.Server) bool {
	for _, s := range available {
		if s == server {
			return true
		}
	}
	return false
}
