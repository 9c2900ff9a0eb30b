package collaboration

import (
	"context"
	"sync"
	"time"

	"board-collab/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer, unless the
	// relay was built WithPongWait
	defaultPongWait = 30 * time.Second

	// Maximum inbound frame size
	maxMessageSize = 64 * 1024
)

type enqueueResult int

const (
	enqueueOK enqueueResult = iota
	enqueueFull
	enqueueClosed
)

// Session is one websocket connection. Its room set is guarded by the relay's mutex.
type Session struct {
	*models.Session
	Conn *websocket.Conn
	Send chan []byte // outbound frames, drained by WritePump

	rooms map[string]struct{}

	mu        sync.Mutex // guards LastActiveAt
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(actor models.Actor, conn *websocket.Conn, buffer int) *Session {
	return &Session{
		Session: models.NewSession(actor),
		Conn:    conn,
		Send:    make(chan []byte, buffer),
		rooms:   make(map[string]struct{}),
		done:    make(chan struct{}),
	}
}

// Done is closed once the session has been disconnected.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Touch records activity on the connection.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.LastActiveAt = now
	s.mu.Unlock()
}

// LastActive returns the time of the last inbound frame or pong.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.LastActiveAt
}

func (s *Session) enqueue(frame []byte) enqueueResult {
	select {
	case <-s.done:
		return enqueueClosed
	default:
	}
	select {
	case s.Send <- frame:
		return enqueueOK
	default:
		return enqueueFull
	}
}

// close marks the session done. Returns true on the first call only.
func (s *Session) close() bool {
	closed := false
	s.closeOnce.Do(func() {
		close(s.done)
		closed = true
	})
	return closed
}

func (s *Session) closeConn() {
	if s.Conn != nil {
		s.Conn.Close()
	}
}

// ReadPump reads frames from the connection and dispatches them through the
// relay. When the connection fails it disconnects the session, which leaves
// every room the session was in.
func (s *Session) ReadPump(ctx context.Context, relay *Relay) {
	defer func() {
		relay.Disconnect(context.WithoutCancel(ctx), s)
		s.closeConn()
	}()

	s.Conn.SetReadLimit(maxMessageSize)
	s.Conn.SetReadDeadline(time.Now().Add(relay.pongWait))
	s.Conn.SetPongHandler(func(string) error {
		s.Conn.SetReadDeadline(time.Now().Add(relay.pongWait))
		s.Touch(time.Now())
		return nil
	})

	for {
		messageType, message, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				relay.logger.Warn("WebSocket read error",
					zap.String("sessionID", s.ID),
					zap.Error(err),
				)
			}
			return
		}
		s.Touch(time.Now())
		s.Conn.SetReadDeadline(time.Now().Add(relay.pongWait))

		if messageType != websocket.TextMessage {
			relay.metrics.FrameDropped("binary")
			continue
		}
		// Errors were already answered with an error frame.
		_ = relay.Dispatch(ctx, s, message)
	}
}

// WritePump drains Send into the connection and keeps it alive with pings.
func (s *Session) WritePump(relay *Relay) {
	// Pings must go out well inside the pong wait
	ticker := time.NewTicker(relay.pongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		s.closeConn()
	}()

	for {
		select {
		case <-s.done:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-s.Send:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				relay.logger.Debug("Failed to write frame", zap.String("sessionID", s.ID), zap.Error(err))
				return
			}

		case <-ticker.C:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
