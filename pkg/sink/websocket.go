// SPDX-License-Identifier: GPL-2.0-or-later

package sink

import (
	"context"
	"net/http"
	"sync"
	"time"

	"sensormux/pkg/log"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const websocketClientBuffer = 256

// WebSocket is a http.Handler that broadcasts each record
// as a binary message to every connected client.
type WebSocket struct {
	ctx      context.Context
	logger   *log.Logger
	upgrader websocket.Upgrader

	clients map[*wsClient]struct{}
	mu      sync.Mutex
}

type wsClient struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

// NewWebSocket returns a websocket sink, clients are disconnected when ctx is canceled.
func NewWebSocket(ctx context.Context, logger *log.Logger) *WebSocket {
	return &WebSocket{
		ctx:     ctx,
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// ServeHTTP implements http.Handler.
func (s *WebSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		return
	}
	defer conn.Close()

	client := &wsClient{id: uuid.New(), conn: conn, send: make(chan []byte, websocketClientBuffer)}
	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()
	defer s.remove(client)

	s.logger.Info().Src("sink").Msgf("%v: client %v connected: %v", s.Label(), client.id, r.RemoteAddr)

	// Reader detects closed connections.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case buf, ok := <-client.send:
			if !ok {
				s.logger.Warn().Src("sink").Msgf("%v: client %v too slow", s.Label(), client.id)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout)) //nolint:errcheck
			if err := conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
				s.logger.Warn().Src("sink").Msgf("%v: client %v: write: %v", s.Label(), client.id, err)
				return
			}
		case <-closed:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *WebSocket) remove(c *wsClient) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
}

// OnData implements Sink.
func (s *WebSocket) OnData(buf []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		b := make([]byte, len(buf))
		copy(b, buf)
		select {
		case c.send <- b:
		default:
			delete(s.clients, c)
			c.close()
		}
	}
}

// OnDrop implements Sink.
func (s *WebSocket) OnDrop() {}

// Label implements Sink.
func (s *WebSocket) Label() string {
	return "websocket"
}

// Clients returns the number of connected clients.
func (s *WebSocket) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
