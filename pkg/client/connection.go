package client

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/protocol"
	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/wsconn"
)

var (
	ErrAlreadyConnected = errors.New("already connected")
	ErrNotConnected     = errors.New("not connected")
	ErrConnectionClosed = errors.New("connection closed")
)

const (
	defaultTCPPort  = "6000"
	defaultHTTPPort = "8080"
	dialTimeout     = 5 * time.Second
)

// Connection represents a client connection to the server.
// Frames read from the server are delivered on Incoming until Close.
type Connection struct {
	addr     string // Display address with scheme (e.g., "ws://server:8080")
	rawAddr  string // Raw host:port without scheme
	connType string // "tcp" or "websocket"
	dial     func() (net.Conn, error)
	codec    protocol.Codec

	conn      net.Conn
	mu        sync.RWMutex
	writeMu   sync.Mutex
	connected bool

	incoming chan *protocol.Frame
	errors   chan error

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	logger *log.Logger

	shutdown chan struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewConnection creates a new client connection. addr is host[:port],
// tcp://host[:port], ws://host[:port] or wss://host[:port].
func NewConnection(addr string, codec protocol.Codec) (*Connection, error) {
	if codec == nil {
		return nil, protocol.ErrUnknownCodec
	}
	dc, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	return &Connection{
		addr:     dc.display,
		rawAddr:  dc.raw,
		connType: dc.connType,
		dial:     dc.dial,
		codec:    codec,
		incoming: make(chan *protocol.Frame, 256),
		errors:   make(chan error, 10),
		shutdown: make(chan struct{}),
	}, nil
}

// SetLogger sets a logger for debugging connection events
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

func (c *Connection) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Connect dials the server and starts the read loop
func (c *Connection) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if c.connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	c.logf("Connecting to %s...", c.addr)
	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("connect to %s: %w", c.addr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logf("Connected successfully to %s (%s)", c.addr, c.connType)

	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

// Disconnect closes the socket; the connection can be reopened with Connect
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.logf("Disconnecting from %s", c.addr)
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

// Close shuts down the connection permanently and closes Incoming
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.shutdown)
	c.Disconnect()
	c.wg.Wait()
	close(c.incoming)
	close(c.errors)
}

// Send encodes req with the connection's codec and writes it as one frame
func (c *Connection) Send(req protocol.Request) error {
	data, err := protocol.EncodeMessage(c.codec, req.Op(), req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", req.Op(), err)
	}
	return c.SendRaw(data)
}

// SendRaw writes already framed bytes
func (c *Connection) SendRaw(data []byte) error {
	c.mu.RLock()
	conn := c.conn
	connected := c.connected
	c.mu.RUnlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	n, err := conn.Write(data)
	c.bytesSent.Add(uint64(n))
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Incoming returns the channel for receiving frames from server
func (c *Connection) Incoming() <-chan *protocol.Frame {
	return c.incoming
}

// Errors returns the channel for connection errors
func (c *Connection) Errors() <-chan error {
	return c.errors
}

// IsConnected returns whether the connection is active
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// GetAddress returns the server address
func (c *Connection) GetAddress() string {
	return c.addr
}

// GetRawAddress returns the address without scheme
func (c *Connection) GetRawAddress() string {
	return c.rawAddr
}

// GetConnectionType returns "tcp" or "websocket"
func (c *Connection) GetConnectionType() string {
	return c.connType
}

// Codec returns the codec used for request bodies
func (c *Connection) Codec() protocol.Codec {
	return c.codec
}

func (c *Connection) GetBytesSent() uint64 {
	return c.bytesSent.Load()
}

func (c *Connection) GetBytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// readLoop reads frames from conn until it fails or is closed
func (c *Connection) readLoop(conn net.Conn) {
	defer c.wg.Done()

	reader := &countingReader{r: conn, counter: &c.bytesReceived}
	for {
		frame, err := protocol.DecodeFrame(reader)
		if err != nil {
			if errors.Is(err, protocol.ErrVersionMismatch) || errors.Is(err, protocol.ErrUnknownOpcode) {
				// Body was consumed, the stream is still aligned
				c.logf("Skipping frame: %v", err)
				continue
			}
			c.handleDisconnect(conn, err)
			return
		}

		c.logf("← RECV: Op=%s PayloadLen=%d", frame.Op, len(frame.Payload))

		select {
		case c.incoming <- frame:
		case <-c.shutdown:
			return
		}
	}
}

// handleDisconnect reports a read failure unless the disconnect was requested
func (c *Connection) handleDisconnect(conn net.Conn, err error) {
	c.mu.Lock()
	current := c.conn == conn && c.connected
	if current {
		c.connected = false
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()

	if !current {
		return
	}

	if errors.Is(err, io.EOF) {
		c.logf("Connection closed by server (EOF)")
		err = io.EOF
	} else {
		c.logf("Read error: %v", err)
	}

	select {
	case c.errors <- fmt.Errorf("disconnected from server: %w", err):
	default:
		c.logf("Dropping disconnect error, channel full")
	}
}

// countingReader wraps an io.Reader and counts bytes read using atomic counter
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 && cr.counter != nil {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// DialWebSocket opens a WebSocket to the server's /ws endpoint and wraps it
// as a net.Conn carrying the same frame stream as TCP
func DialWebSocket(address string, useTLS bool) (net.Conn, error) {
	scheme := "ws"
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	if useTLS {
		scheme = "wss"
		dialer.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	u := url.URL{Scheme: scheme, Host: address, Path: "/ws"}
	ws, resp, err := dialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake with %s: %s: %w", address, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", address, err)
	}
	return wsconn.New(ws), nil
}

type dialConfig struct {
	display  string // Display address with scheme
	raw      string // Raw host:port without scheme
	connType string
	dial     func() (net.Conn, error)
}

func parseServerAddress(raw string) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	hostPort := trimmed
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		hostPort = u.Host
		if hostPort == "" {
			hostPort = strings.TrimPrefix(u.Path, "//")
		}
	}

	switch scheme {
	case "tcp", "":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}

		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display:  address,
			raw:      address,
			connType: "tcp",
			dial: func() (net.Conn, error) {
				return net.DialTimeout("tcp", address, dialTimeout)
			},
		}, nil

	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, defaultHTTPPort)
		if err != nil {
			return nil, err
		}

		address := net.JoinHostPort(host, port)
		useTLS := scheme == "wss"
		return &dialConfig{
			display:  fmt.Sprintf("%s://%s", scheme, address),
			raw:      address,
			connType: "websocket",
			dial: func() (net.Conn, error) {
				return DialWebSocket(address, useTLS)
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = hostPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
		}
		return host, defaultPort, nil
	}

	return "", "", err
}
