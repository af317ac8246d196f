package forward

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// session is one client↔target conversation over UDP: a client source
// address paired with a dedicated outbound socket to the target. The
// response-relay goroutine owns conn and is the only closer of it.
type session struct {
	client netip.AddrPort
	conn   *net.UDPConn

	// lastActivity is guarded by the owning table's mutex.
	lastActivity time.Time
}

// sessionTable maps client source addresses to live sessions for one rule.
// The dispatch loop, the response-relay goroutines, and the idle sweep all
// touch it concurrently; every access goes through a method holding the
// lock. Methods taking a *session act only when that exact session is
// still the mapped value, so a stale relay goroutine can neither refresh
// nor delete a successor session for the same client address.
type sessionTable struct {
	clock clockwork.Clock

	mu       sync.RWMutex
	sessions map[netip.AddrPort]*session
}

func newSessionTable(clock clockwork.Clock) *sessionTable {
	return &sessionTable{
		clock:    clock,
		sessions: make(map[netip.AddrPort]*session),
	}
}

// getOrCreate returns the live session for client, dialing a new outbound
// socket when none exists. Creation happens under the table lock, so
// concurrent datagrams from one client can never produce two sessions. A
// hit refreshes the session's activity.
func (t *sessionTable) getOrCreate(client netip.AddrPort, dial func() (*net.UDPConn, error)) (*session, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[client]; ok {
		s.lastActivity = t.clock.Now()
		return s, false, nil
	}

	conn, err := dial()
	if err != nil {
		return nil, false, err
	}

	s := &session{client: client, conn: conn, lastActivity: t.clock.Now()}
	t.sessions[client] = s
	return s, true, nil
}

// touch refreshes s's activity. It reports false when s is no longer the
// mapped session for its client, telling the caller the session is dead.
func (t *sessionTable) touch(s *session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sessions[s.client] != s {
		return false
	}
	s.lastActivity = t.clock.Now()
	return true
}

// contains reports whether s is still the mapped session for its client.
func (t *sessionTable) contains(s *session) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.sessions[s.client] == s
}

// remove deletes s's entry and reports whether s was evicted here.
// Removing an already-replaced or already-absent session is a no-op.
func (t *sessionTable) remove(s *session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sessions[s.client] != s {
		return false
	}
	delete(t.sessions, s.client)
	return true
}

// evictIdle removes and returns every session idle longer than timeout.
// Candidates are collected under the read lock and removed in a second
// pass under the write lock, re-checking each one in between.
func (t *sessionTable) evictIdle(timeout time.Duration) []*session {
	now := t.clock.Now()

	t.mu.RLock()
	var idle []*session
	for _, s := range t.sessions {
		if now.Sub(s.lastActivity) > timeout {
			idle = append(idle, s)
		}
	}
	t.mu.RUnlock()

	if len(idle) == 0 {
		return nil
	}

	evicted := idle[:0]
	t.mu.Lock()
	for _, s := range idle {
		if t.sessions[s.client] != s || now.Sub(s.lastActivity) <= timeout {
			continue
		}
		delete(t.sessions, s.client)
		evicted = append(evicted, s)
	}
	t.mu.Unlock()

	return evicted
}

// drain empties the table and returns everything that was in it.
func (t *sessionTable) drain() []*session {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	clear(t.sessions)
	return out
}

func (t *sessionTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.sessions)
}
