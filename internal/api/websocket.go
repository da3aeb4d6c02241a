package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nymeahem/internal/coordinator"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsClient is one streaming connection. Messages are queued and written by a
// single goroutine; a client whose queue is full misses that update.
type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, wsQueueSize)}

	if snap, ok := s.source.Snapshot(); ok {
		if data, err := json.Marshal(s.sensorsResponse(snap)); err == nil {
			client.send <- data
		}
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	count := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Debug("WebSocket client connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Int("clients", count))

	go s.writePump(client)
	go s.readPump(client)
}

// readPump discards client messages and detects disconnects
func (s *Server) readPump(c *wsClient) {
	defer s.removeClient(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(c *wsClient) {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.logger.Debug("WebSocket write failed", zap.Error(err))
			s.removeClient(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

func (s *Server) removeClient(c *wsClient) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
	c.close()
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	clients := s.clients
	s.clients = make(map[*wsClient]struct{})
	s.clientsMu.Unlock()

	for c := range clients {
		c.close()
	}
}

// broadcast queues snap for every connected client
func (s *Server) broadcast(snap coordinator.Snapshot) {
	data, err := json.Marshal(s.sensorsResponse(snap))
	if err != nil {
		s.logger.Error("Failed to encode sensor update", zap.Error(err))
		return
	}

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			s.logger.Warn("WebSocket client too slow, dropping update")
		}
	}
}
