package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// SafeConn wraps a net.Conn with write synchronization. The connection's own
// handler writes responses while other connections' handlers write
// notifications to it, and unsynchronized writes would interleave frames.
type SafeConn struct {
	conn   net.Conn
	mu     sync.Mutex // Protects writes to conn
	closed atomic.Bool
}

// writeTimeout bounds how long a slow peer can stall a notifying handler
const writeTimeout = 10 * time.Second

// NewSafeConn wraps a net.Conn with write synchronization
func NewSafeConn(conn net.Conn) *SafeConn {
	return &SafeConn{
		conn: conn,
	}
}

// WriteFrame writes one pre-encoded frame (header and body) in a single call.
// Writes after Close fail with net.ErrClosed.
func (sc *SafeConn) WriteFrame(data []byte) error {
	if sc.closed.Load() {
		return net.ErrClosed
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := sc.conn.Write(data)
	return err
}

// Read reads from the connection. Reads don't need write synchronization.
func (sc *SafeConn) Read(p []byte) (int, error) {
	return sc.conn.Read(p)
}

// SetReadDeadline sets the deadline for the next Read
func (sc *SafeConn) SetReadDeadline(t time.Time) error {
	return sc.conn.SetReadDeadline(t)
}

// Close closes the underlying connection once
func (sc *SafeConn) Close() error {
	if sc.closed.Swap(true) {
		return nil
	}
	return sc.conn.Close()
}

// Closed reports whether Close has been called
func (sc *SafeConn) Closed() bool {
	return sc.closed.Load()
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
