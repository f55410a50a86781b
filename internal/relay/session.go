package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ambulance-dispatch/internal/models"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Conn is the part of *websocket.Conn a session uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Session is one connected client. It lives as long as its connection.
type Session struct {
	ID       string
	Identity models.Identity

	conn Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func NewSession(conn Conn, identity models.Identity, buffer int) *Session {
	if buffer <= 0 {
		buffer = 256
	}
	return &Session{
		ID:       uuid.NewString(),
		Identity: identity,
		conn:     conn,
		send:     make(chan []byte, buffer),
	}
}

// enqueue reports false when the session is closed or its buffer is full.
func (s *Session) enqueue(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.send)
	return true
}

// ReadPump relays every frame from the peer until the connection fails.
func (s *Session) ReadPump(r Relay, readLimit int64, logger *slog.Logger) {
	defer func() {
		r.Unregister(s)
		_ = s.conn.Close()
	}()

	if readLimit > 0 {
		s.conn.SetReadLimit(readLimit)
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("relay read failed", "session_id", s.ID, "error", err)
			}
			return
		}
		if err := r.Dispatch(s, data); err != nil {
			logger.Debug("frame rejected", "session_id", s.ID, "error", err)
		}
	}
}

// WritePump drains the send buffer and keeps the connection alive with pings.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Serve registers a session for conn and pumps it until the peer goes away.
func Serve(r Relay, conn Conn, identity models.Identity, buffer int, readLimit int64, logger *slog.Logger) {
	s := NewSession(conn, identity, buffer)
	r.Register(s)
	go s.WritePump()
	s.ReadPump(r, readLimit, logger)
}
