package server

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Session represents an active client connection
type Session struct {
	ID         uint64
	Conn       *SafeConn // connection with automatic write synchronization
	RemoteAddr string
	Transport  string // "tcp" or "ws"

	mu   sync.RWMutex // Protects user
	user *uuid.UUID   // authenticated user, nil until Register or Login succeeds
}

// User returns the authenticated user, if any
func (s *Session) User() (uuid.UUID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return uuid.Nil, false
	}
	return *s.user, true
}

// SessionManager manages all active sessions and the reverse index from
// user to the sessions authenticated as that user
type SessionManager struct {
	sessions map[uint64]*Session
	byUser   map[uuid.UUID]map[uint64]*Session
	nextID   uint64
	mu       sync.RWMutex
	metrics  *Metrics
	closed   bool // set by CloseAll; later sessions are closed on creation
}

// NewSessionManager creates a new session manager
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[uint64]*Session),
		byUser:   make(map[uuid.UUID]map[uint64]*Session),
		nextID:   1,
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession registers a new, unauthenticated session for conn
func (sm *SessionManager) CreateSession(conn net.Conn, transport string) *Session {
	// Allocate session ID atomically (no lock needed)
	sessionID := atomic.AddUint64(&sm.nextID, 1) - 1

	sess := &Session{
		ID:         sessionID,
		Conn:       NewSafeConn(conn),
		RemoteAddr: conn.RemoteAddr().String(),
		Transport:  transport,
	}

	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		// The handler's first read fails and it exits
		sess.Conn.Close()
		return sess
	}
	sm.sessions[sessionID] = sess
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	sm.metrics.RecordActiveSessions(sessionCount)
	sm.metrics.RecordSessionCreated()

	return sess
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(sessionID uint64) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[sessionID]
	return sess, ok
}

// GetAllSessions returns all active sessions
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Authenticate binds sess to uid, replacing any earlier binding
func (sm *SessionManager) Authenticate(sess *Session, uid uuid.UUID) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.unindexLocked(sess)

	sess.mu.Lock()
	sess.user = &uid
	sess.mu.Unlock()

	if sm.byUser[uid] == nil {
		sm.byUser[uid] = make(map[uint64]*Session)
	}
	sm.byUser[uid][sess.ID] = sess
}

// Deauthenticate clears every session bound to uid. The connections stay
// open; subsequent requests need a new Login.
func (sm *SessionManager) Deauthenticate(uid uuid.UUID) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, sess := range sm.byUser[uid] {
		sess.mu.Lock()
		sess.user = nil
		sess.mu.Unlock()
	}
	delete(sm.byUser, uid)
}

// unindexLocked removes sess from the user index. Caller holds sm.mu.
func (sm *SessionManager) unindexLocked(sess *Session) {
	prev, ok := sess.User()
	if !ok {
		return
	}
	if subs := sm.byUser[prev]; subs != nil {
		delete(subs, sess.ID)
		if len(subs) == 0 {
			delete(sm.byUser, prev)
		}
	}
}

// SessionsForUser returns every live session authenticated as uid
func (sm *SessionManager) SessionsForUser(uid uuid.UUID) []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	subs := sm.byUser[uid]
	if len(subs) == 0 {
		return nil
	}
	result := make([]*Session, 0, len(subs))
	for _, sess := range subs {
		result = append(result, sess)
	}
	return result
}

// RemoveSession removes a session and closes the connection
func (sm *SessionManager) RemoveSession(sessionID uint64) {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return
	}
	delete(sm.sessions, sessionID)
	sm.unindexLocked(sess)
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	sm.metrics.RecordActiveSessions(sessionCount)
	sm.metrics.RecordSessionDisconnected()

	sess.Conn.Close()
}

// CountOnlineUsers returns the number of distinct authenticated users
func (sm *SessionManager) CountOnlineUsers() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.byUser)
}

// Count returns the number of open sessions
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CloseAll closes all sessions
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.closed = true
	for _, sess := range sm.sessions {
		sess.Conn.Close()
	}

	sm.sessions = make(map[uint64]*Session)
	sm.byUser = make(map[uuid.UUID]map[uint64]*Session)
	sm.metrics.RecordActiveSessions(0)
}
