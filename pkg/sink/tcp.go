// SPDX-License-Identifier: GPL-2.0-or-later

package sink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"sensormux/pkg/log"

	"github.com/google/uuid"
)

// DefaultWriteTimeout is the per record write deadline for network clients.
const DefaultWriteTimeout = 5 * time.Second

// TCP broadcasts records to every connected client.
// Clients that fail or exceed the write deadline are disconnected.
type TCP struct {
	listener     net.Listener
	logger       *log.Logger
	writeTimeout time.Duration

	clients map[net.Conn]uuid.UUID
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// NewTCP listens on address and accepts clients until ctx is canceled.
func NewTCP(ctx context.Context, address string, logger *log.Logger) (*TCP, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	s := &TCP{
		listener:     listener,
		logger:       logger,
		writeTimeout: DefaultWriteTimeout,
		clients:      make(map[net.Conn]uuid.UUID),
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		s.Close()
	}()
	go s.acceptLoop()

	return s, nil
}

func (s *TCP) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error().Src("sink").Msgf("%v: accept: %v", s.Label(), err)
			}
			return
		}
		s.mu.Lock()
		if s.clients == nil {
			s.mu.Unlock()
			conn.Close()
			return
		}
		id := uuid.New()
		s.clients[conn] = id
		s.mu.Unlock()
		s.logger.Info().Src("sink").Msgf("%v: client %v connected: %v", s.Label(), id, conn.RemoteAddr())
	}
}

// OnData implements Sink.
func (s *TCP) OnData(buf []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, id := range s.clients {
		err := conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if err == nil {
			_, err = conn.Write(buf)
		}
		if err != nil {
			s.logger.Warn().Src("sink").
				Msgf("%v: client %v disconnected: %v", s.Label(), id, err)
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

// OnDrop implements Sink.
func (s *TCP) OnDrop() {}

// Label implements Sink.
func (s *TCP) Label() string {
	return "tcp:" + s.listener.Addr().String()
}

// Addr returns the listener address.
func (s *TCP) Addr() net.Addr {
	return s.listener.Addr()
}

// Clients returns the number of connected clients.
func (s *TCP) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close stops accepting and disconnects all clients.
func (s *TCP) Close() {
	s.listener.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		conn.Close()
	}
	s.clients = nil
}

// Wait blocks until ctx is canceled and the accept loop has exited.
func (s *TCP) Wait() {
	s.wg.Wait()
}
