// Package wsconn adapts a gorilla/websocket connection to net.Conn so the
// frame reader used for TCP peers can serve WebSocket peers unchanged.
//
// Writes become binary messages. Reads drain incoming binary messages as one
// continuous byte stream, so frames may span or share messages. Read
// deadlines are enforced locally: gorilla marks a connection broken after a
// read deadline expires, which would make polling reads impossible.
package wsconn

import (
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a net.Conn over a websocket connection
type Conn struct {
	ws *websocket.Conn

	incoming chan []byte
	readErr  error         // set before done is closed
	done     chan struct{} // closed when the reader goroutine exits
	closed   chan struct{} // closed by Close
	pending  []byte        // unread remainder of the current message

	deadlineMu   sync.Mutex
	readDeadline time.Time

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// New wraps ws and starts its reader goroutine
func New(ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:       ws,
		incoming: make(chan []byte, 16),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = io.EOF
			}
			c.readErr = err
			return
		}
		if kind != websocket.BinaryMessage && kind != websocket.TextMessage {
			continue
		}
		if len(data) == 0 {
			continue
		}
		select {
		case c.incoming <- data:
		case <-c.closed:
			c.readErr = net.ErrClosed
			return
		}
	}
}

// Read implements net.Conn. It returns os.ErrDeadlineExceeded when the read
// deadline passes with no data available.
func (c *Conn) Read(p []byte) (int, error) {
	if len(c.pending) == 0 {
		c.deadlineMu.Lock()
		deadline := c.readDeadline
		c.deadlineMu.Unlock()

		var timeout <-chan time.Time
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return 0, os.ErrDeadlineExceeded
			}
			timer := time.NewTimer(d)
			defer timer.Stop()
			timeout = timer.C
		}

		select {
		case data := <-c.incoming:
			c.pending = data
		case <-c.done:
			// Drain anything queued before the reader exited
			select {
			case data := <-c.incoming:
				c.pending = data
			default:
				return 0, c.readErr
			}
		case <-timeout:
			return 0, os.ErrDeadlineExceeded
		}
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Write sends p as one binary message
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close message and closes the underlying connection
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	c.readDeadline = t
	c.deadlineMu.Unlock()
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

var _ net.Conn = (*Conn)(nil)
