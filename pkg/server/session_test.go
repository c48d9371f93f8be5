package server

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipeSession(t *testing.T, sm *SessionManager) (*Session, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return sm.CreateSession(server, "tcp"), client
}

func TestSessionManagerAuthenticate(t *testing.T) {
	sm := NewSessionManager()
	a, _ := newPipeSession(t, sm)
	b, _ := newPipeSession(t, sm)
	c, _ := newPipeSession(t, sm)
	assert.NotEqual(t, a.ID, b.ID)

	_, ok := a.User()
	assert.False(t, ok, "new sessions are anonymous")

	alice, bob := uuid.New(), uuid.New()
	sm.Authenticate(a, alice)
	sm.Authenticate(b, alice)
	sm.Authenticate(c, bob)

	uid, ok := a.User()
	require.True(t, ok)
	assert.Equal(t, alice, uid)
	assert.ElementsMatch(t, []*Session{a, b}, sm.SessionsForUser(alice))
	assert.Equal(t, 2, sm.CountOnlineUsers())

	// Re-authenticating moves the session between users
	sm.Authenticate(b, bob)
	assert.ElementsMatch(t, []*Session{a}, sm.SessionsForUser(alice))
	assert.ElementsMatch(t, []*Session{b, c}, sm.SessionsForUser(bob))
}

func TestSessionManagerDeauthenticate(t *testing.T) {
	sm := NewSessionManager()
	a, _ := newPipeSession(t, sm)
	b, _ := newPipeSession(t, sm)

	uid := uuid.New()
	sm.Authenticate(a, uid)
	sm.Authenticate(b, uid)
	sm.Deauthenticate(uid)

	assert.Empty(t, sm.SessionsForUser(uid))
	_, ok := a.User()
	assert.False(t, ok)
	_, ok = b.User()
	assert.False(t, ok)
	assert.Equal(t, 2, sm.Count(), "connections stay open")
	assert.Equal(t, 0, sm.CountOnlineUsers())
}

func TestSessionManagerRemoveSession(t *testing.T) {
	sm := NewSessionManager()
	metrics := NewMetrics()
	sm.SetMetrics(metrics)

	a, _ := newPipeSession(t, sm)
	b, _ := newPipeSession(t, sm)
	uid := uuid.New()
	sm.Authenticate(a, uid)
	sm.Authenticate(b, uid)

	sm.RemoveSession(a.ID)
	_, ok := sm.GetSession(a.ID)
	assert.False(t, ok)
	assert.True(t, a.Conn.Closed())
	assert.ElementsMatch(t, []*Session{b}, sm.SessionsForUser(uid))

	// Removing twice is harmless
	sm.RemoveSession(a.ID)

	sm.RemoveSession(b.ID)
	assert.Empty(t, sm.SessionsForUser(uid))
	assert.Equal(t, 0, sm.CountOnlineUsers())
	assert.Empty(t, sm.GetAllSessions())
}

func TestSessionManagerCloseAll(t *testing.T) {
	sm := NewSessionManager()
	a, _ := newPipeSession(t, sm)
	b, _ := newPipeSession(t, sm)
	sm.Authenticate(a, uuid.New())

	sm.CloseAll()
	assert.True(t, a.Conn.Closed())
	assert.True(t, b.Conn.Closed())
	assert.Equal(t, 0, sm.Count())
	assert.Equal(t, 0, sm.CountOnlineUsers())
}

func TestSessionManagerRefusesAfterCloseAll(t *testing.T) {
	sm := NewSessionManager()
	sm.CloseAll()

	sess, client := newPipeSession(t, sm)
	assert.True(t, sess.Conn.Closed())
	assert.Equal(t, 0, sm.Count())
	_, ok := sm.GetSession(sess.ID)
	assert.False(t, ok)

	// The peer sees the close
	_, err := client.Read(make([]byte, 1))
	assert.Error(t, err)
}

// A connection tracked just before Stop whose handler starts after the
// sessions were closed must not keep Stop waiting
func TestStopWithLateHandler(t *testing.T) {
	s := newDispatchServer(t)
	require.True(t, s.trackConn())

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	require.Eventually(t, func() bool {
		s.sessions.mu.RLock()
		defer s.sessions.mu.RUnlock()
		return s.sessions.closed
	}, 2*time.Second, 5*time.Millisecond)

	server, client := net.Pipe()
	defer client.Close()
	go s.handleConnection(server, "tcp")

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.False(t, s.trackConn(), "no connections are tracked after Stop")
}

func TestSafeConnWriteAfterClose(t *testing.T) {
	sm := NewSessionManager()
	sess, client := newPipeSession(t, sm)

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 3)
		n, _ := client.Read(buf)
		done <- buf[:n]
	}()
	require.NoError(t, sess.Conn.WriteFrame([]byte{1, 2, 3}))
	assert.Equal(t, []byte{1, 2, 3}, <-done)

	require.NoError(t, sess.Conn.Close())
	assert.ErrorIs(t, sess.Conn.WriteFrame([]byte{4}), net.ErrClosed)
	assert.NoError(t, sess.Conn.Close(), "second close is a no-op")
}
