package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/speedyvan/dispatch/internal/observability"
)

const wsWriteWait = 5 * time.Second

// WSSession represents a connected driver app or admin dashboard.
type WSSession struct {
	conn     *websocket.Conn
	mu       sync.Mutex
	channels map[string]bool
}

func (s *WSSession) Send(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(m)
}

// WSHub holds websocket sessions and routes messages by channel.
type WSHub struct {
	mu       sync.RWMutex
	sessions map[*WSSession]struct{}
	log      *zap.Logger
}

func NewWSHub(log *zap.Logger) *WSHub {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSHub{sessions: make(map[*WSSession]struct{}), log: log}
}

func (h *WSHub) Name() string { return "websocket" }

// Add subscribes conn to channels.
func (h *WSHub) Add(conn *websocket.Conn, channels ...string) *WSSession {
	s := &WSSession{conn: conn, channels: make(map[string]bool, len(channels))}
	for _, c := range channels {
		s.channels[c] = true
	}
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	observability.WSConnections.Inc()
	return s
}

func (h *WSHub) Remove(s *WSSession) {
	h.mu.Lock()
	_, ok := h.sessions[s]
	delete(h.sessions, s)
	h.mu.Unlock()
	if ok {
		observability.WSConnections.Dec()
		_ = s.conn.Close()
	}
}

// Serve subscribes conn and blocks until the client goes away. Clients do
// not send anything meaningful; reads only detect the close.
func (h *WSHub) Serve(conn *websocket.Conn, channels ...string) {
	s := h.Add(conn, channels...)
	defer h.Remove(s)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Publish writes each message to every session subscribed to its channel.
// Having no subscriber is not an error.
func (h *WSHub) Publish(_ context.Context, msgs ...Message) error {
	h.mu.RLock()
	targets := make([]*WSSession, 0, len(h.sessions))
	for s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	dead := make(map[*WSSession]bool)
	for _, m := range msgs {
		for _, s := range targets {
			if dead[s] || !s.channels[m.Channel] {
				continue
			}
			if err := s.Send(m); err != nil {
				h.log.Warn("ws send failed", zap.String("channel", m.Channel), zap.Error(err))
				dead[s] = true
				h.Remove(s)
			}
		}
	}
	return nil
}

// Subscribers counts sessions listening on channel.
func (h *WSHub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for s := range h.sessions {
		if s.channels[channel] {
			n++
		}
	}
	return n
}
