package server

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/wsconn"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients are terminals and bots, not browsers
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades the request and serves the same frame protocol
// over binary WebSocket messages
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		debugLog.Printf("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	conn := wsconn.New(ws)
	if !s.trackConn() {
		conn.Close()
		return
	}
	s.handleConnection(conn, "ws")
}
