package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/database"
	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/protocol"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

const metricsLogInterval = 30 * time.Second

// InitLogging routes the package loggers to stderr. Debug output is discarded
// unless debug is set. Call once before Start.
func InitLogging(debug bool) {
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	if debug {
		debugLog = log.New(os.Stderr, "DEBUG: ", log.LstdFlags|log.Lmicroseconds)
		debugLog.Println("Debug logging enabled")
	} else {
		debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	}
}

// Server accepts connections and runs one handler goroutine per connection
// against a shared Database
type Server struct {
	db         *database.Database
	codec      protocol.Codec
	listener   net.Listener
	httpServer *http.Server
	sessions   *SessionManager
	config     ServerConfig
	shutdown   chan struct{}
	wg         sync.WaitGroup
	metrics    *Metrics
	startTime  time.Time

	// Guards wg.Add against a concurrent Stop
	connMu   sync.Mutex
	stopping bool

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort  int
	HTTPPort int // /metrics, /health and /ws (0 = disabled)
	Codec    string
	DebugLog bool

	// Frame body polling: a body that hasn't fully arrived after
	// BodyPollRetries waits of BodyPollInterval is dropped
	BodyPollInterval    time.Duration
	BodyPollRetries     int
	MaxProtocolFailures int
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:             6000,
		HTTPPort:            8080,
		Codec:               protocol.CodecBinary,
		BodyPollInterval:    100 * time.Millisecond,
		BodyPollRetries:     100,
		MaxProtocolFailures: 5,
	}
}

// NewServer creates a server for db and subscribes it to db's events
func NewServer(db *database.Database, config ServerConfig) (*Server, error) {
	codec, err := protocol.CodecByName(config.Codec)
	if err != nil {
		return nil, err
	}
	if config.BodyPollInterval <= 0 || config.BodyPollRetries <= 0 {
		return nil, fmt.Errorf("body poll interval and retries must be positive")
	}
	if config.MaxProtocolFailures <= 0 {
		return nil, fmt.Errorf("max protocol failures must be positive")
	}

	metrics := NewMetrics()
	sessions := NewSessionManager()
	sessions.SetMetrics(metrics)

	s := &Server{
		db:        db,
		codec:     codec,
		sessions:  sessions,
		config:    config,
		shutdown:  make(chan struct{}),
		metrics:   metrics,
		startTime: time.Now(),
	}
	db.SetNotifier(s)
	return s, nil
}

// Start starts the TCP listener and, when configured, the HTTP listener
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("Listening on %s (codec %s)", listener.Addr(), s.codec.Name())

	if s.config.HTTPPort > 0 {
		s.httpServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", s.config.HTTPPort),
			Handler:           s.HTTPHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("HTTP server listening on %s (/metrics, /health, /ws)", s.httpServer.Addr)
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorLog.Printf("HTTP server error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.metricsLoggingLoop()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the TCP listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Metrics returns the server's collectors
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// HTTPHandler serves /metrics, /health and the /ws WebSocket endpoint
func (s *Server) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/health", s.HealthHandler)
	mux.HandleFunc("/ws", s.HandleWebSocket)
	return mux
}

// HealthHandler reports liveness and table sizes. It answers 503 once message
// ids have halted.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	users, channels, messages := s.db.Stats()
	status := "ok"
	w.Header().Set("Content-Type", "application/json")
	if s.db.IDsHalted() {
		status = "ids_halted"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]any{
		"status":         status,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"sessions":       s.sessions.Count(),
		"online_users":   s.sessions.CountOnlineUsers(),
		"users":          users,
		"channels":       channels,
		"messages":       messages,
	})
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	log.Println("Graceful shutdown initiated...")

	s.connMu.Lock()
	if s.stopping {
		s.connMu.Unlock()
		return nil
	}
	s.stopping = true
	s.connMu.Unlock()

	// Signal shutdown to all goroutines
	close(s.shutdown)

	// Stop accepting new connections
	if s.listener != nil {
		s.listener.Close()
		log.Println("TCP listener closed")
	}
	if s.httpServer != nil {
		s.httpServer.Close()
		log.Println("HTTP listener closed")
	}

	// Closing the sessions unblocks every handler's read
	log.Println("Closing all client sessions...")
	s.sessions.CloseAll()

	log.Println("Waiting for connection handlers to finish...")
	s.wg.Wait()

	s.db.SetNotifier(nil)
	log.Println("Graceful shutdown complete")
	return nil
}

// trackConn registers a connection handler with the shutdown wait group.
// It fails once Stop has begun.
func (s *Server) trackConn() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.stopping {
		return false
	}
	s.wg.Add(1)
	return true
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				errorLog.Printf("Accept error: %v", err)
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
		}

		if !s.trackConn() {
			conn.Close()
			return
		}
		go s.handleConnection(conn, "tcp")
	}
}

// handleConnection runs the frame state machine for conn until it closes.
// The caller must have registered it with trackConn.
func (s *Server) handleConnection(conn net.Conn, transport string) {
	defer s.wg.Done()

	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	sess := s.sessions.CreateSession(conn, transport)
	defer s.removeSession(sess.ID)

	s.connectionsSinceReport.Add(1)
	debugLog.Printf("New %s connection from %s (session %d)", transport, sess.RemoteAddr, sess.ID)

	s.newConnHandler(sess).run()
}

func (s *Server) removeSession(sessionID uint64) {
	if _, ok := s.sessions.GetSession(sessionID); !ok {
		return
	}
	s.disconnectionsSinceReport.Add(1)
	s.sessions.RemoveSession(sessionID)
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(metricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			sessions := s.sessions.Count()
			online := s.sessions.CountOnlineUsers()
			goroutines := runtime.NumGoroutine()

			// Get deltas and reset
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)

			log.Printf("[METRICS] Sessions: %d, online users: %d, connected since last: %d, disconnected since last: %d, goroutines: %d",
				sessions, online, connected, disconnected, goroutines)
		}
	}
}
