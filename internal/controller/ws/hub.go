// Package ws implements the controller side of the event protocol: an
// authenticated websocket endpoint carrying named events to and from agents
// and requester clients.
package ws

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ogent/ogent/internal/common/logger"
	"github.com/ogent/ogent/pkg/protocol"
)

// Role distinguishes the two kinds of peers on the socket endpoint.
type Role string

const (
	RoleAgent  Role = "agent"
	RoleClient Role = "client"
)

// EventSink receives decoded events and disconnect notifications from the
// hub. The router implements this.
type EventSink interface {
	OnMessage(sessionID string, role Role, username string, msg *protocol.Message)
	OnDisconnect(sessionID string, role Role)
}

// Hub tracks all live sessions and routes outbound messages to them.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]*Session // username -> client session id -> session
	sink     EventSink
	logger   *logger.Logger
}

// NewHub creates an empty session hub. SetSink must be called before serving
// connections.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
		logger:   log.WithFields(zap.String("component", "ws_hub")),
	}
}

// SetSink wires the event consumer. Separate from construction because the
// router and the hub reference each other.
func (h *Hub) SetSink(sink EventSink) {
	h.sink = sink
}

// add registers a session with the hub.
func (h *Hub) add(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sessions[s.ID] = s
	// Only client sessions are indexed by user; requester fan-out must not
	// reach agent sessions sharing the same credentials.
	if s.Role == RoleClient && s.Username != "" {
		userSessions, ok := h.byUser[s.Username]
		if !ok {
			userSessions = make(map[string]*Session)
			h.byUser[s.Username] = userSessions
		}
		userSessions[s.ID] = s
	}
}

// remove drops a session from the hub. Returns whether it was present.
func (h *Hub) remove(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[sessionID]
	if !ok {
		return false
	}
	delete(h.sessions, sessionID)
	if s.Role == RoleClient && s.Username != "" {
		if userSessions, ok := h.byUser[s.Username]; ok {
			delete(userSessions, sessionID)
			if len(userSessions) == 0 {
				delete(h.byUser, s.Username)
			}
		}
	}
	close(s.send)
	return true
}

// Send delivers a message to one session. Fails when the session is gone or
// its buffer is full.
func (h *Hub) Send(sessionID string, msg *protocol.Message) error {
	h.mu.RLock()
	s, ok := h.sessions[sessionID]
	h.mu.RUnlock()

	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return s.enqueue(msg)
}

// SendToUser delivers a message to every session authenticated as username.
// Returns the number of sessions reached.
func (h *Hub) SendToUser(username string, msg *protocol.Message) int {
	h.mu.RLock()
	sessions := make([]*Session, 0, 4)
	for _, s := range h.byUser[username] {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	sent := 0
	for _, s := range sessions {
		if err := s.enqueue(msg); err == nil {
			sent++
		}
	}
	return sent
}

// CloseSession forcibly closes a session, e.g. when a newer registration
// evicts a stale agent connection.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.RLock()
	s, ok := h.sessions[sessionID]
	h.mu.RUnlock()

	if ok {
		s.conn.Close()
	}
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// CloseAll closes every session; used at shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		s.conn.Close()
	}
}
