package ws

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/ogent/ogent/internal/common/errors"
	"github.com/ogent/ogent/internal/common/logger"
	"github.com/ogent/ogent/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	// Malformed frames tolerated before the session is disconnected
	maxProtocolViolations = 3
)

// Session represents one live websocket connection.
type Session struct {
	ID       string
	Role     Role
	Username string

	conn       *websocket.Conn
	hub        *Hub
	send       chan []byte
	violations int
	logger     *logger.Logger
}

// NewSession wraps an upgraded connection.
func NewSession(id string, role Role, username string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Session {
	return &Session{
		ID:       id,
		Role:     role,
		Username: username,
		conn:     conn,
		hub:      hub,
		send:     make(chan []byte, 256),
		logger:   log.WithFields(zap.String("session_id", id), zap.String("role", string(role))),
	}
}

// enqueue queues an encoded message for the write pump.
func (s *Session) enqueue(msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	select {
	case s.send <- data:
		return nil
	default:
		return fmt.Errorf("session %s send buffer full", s.ID)
	}
}

// ReadPump pumps messages from the connection to the hub's sink. It returns
// when the connection drops; the caller observes the disconnect through the
// sink.
func (s *Session) ReadPump() {
	defer func() {
		s.hub.remove(s.ID)
		s.conn.Close()
		if s.hub.sink != nil {
			s.hub.sink.OnDisconnect(s.ID, s.Role)
		}
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error("WebSocket read error", zap.Error(err))
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil || msg.Event == "" {
			// Malformed frame: drop it, log, and disconnect on repetition.
			s.violations++
			s.logger.Warn("Dropping malformed frame",
				zap.Int("violations", s.violations),
				zap.Error(err))
			s.sendError(apperrors.ErrCodeProtocolViolation, "malformed event frame")
			if s.violations >= maxProtocolViolations {
				s.logger.Warn("Too many protocol violations, disconnecting session")
				return
			}
			continue
		}

		if s.hub.sink != nil {
			s.hub.sink.OnMessage(s.ID, s.Role, s.Username, msg)
		}
	}
}

// sendError pushes a protocol error frame to the peer.
func (s *Session) sendError(code, message string) {
	msg, err := protocol.NewMessage(protocol.EventError, protocol.ErrorPayload{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	_ = s.enqueue(msg)
}

// WritePump pumps queued messages to the connection and keeps it alive with
// pings. Messages queued by one sender are written in queue order.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
