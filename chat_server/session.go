package chatserver

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
)

const outboxSize = 256

// Session is one live connection for one user. Frames fanned out by rooms
// land in the outbox and a single writer goroutine drains them in order,
// which is what gives each subscriber in-order delivery.
type Session struct {
	ID     string
	UserID uint64

	mu       sync.Mutex
	rooms    map[string]bool
	closing  bool
	lastPing time.Time

	out  chan []byte
	quit chan struct{}
}

func newSession(userID uint64) *Session {
	return &Session{
		ID:       uuid.New().String(),
		UserID:   userID,
		rooms:    make(map[string]bool),
		lastPing: time.Now(),
		out:      make(chan []byte, outboxSize),
		quit:     make(chan struct{}),
	}
}

// Touch records ping activity, wired to the websocket ping handler.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastPing = time.Now()
}

// Out exposes the outbox for callers that drain the session themselves,
// such as tests and non-websocket shims.
func (s *Session) Out() <-chan []byte {
	return s.out
}

// Enqueue offers a frame to the session's outbox, used by the gateway for
// out-of-band frames like the ping echo.
func (s *Session) Enqueue(frame []byte) bool {
	return s.enqueue(frame)
}

// enqueue offers a frame to the outbox without blocking. A closing session
// or a full outbox drops the frame; the disconnect path owns cleanup.
func (s *Session) enqueue(frame []byte) bool {
	s.mu.Lock()

	if s.closing {
		s.mu.Unlock()

		return false
	}

	s.mu.Unlock()

	select {
	case s.out <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return
	}

	s.closing = true
	close(s.quit)
}

func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closing
}

func (s *Session) addRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rooms[roomID] = true
}

// removeRoom reports whether the session actually held the subscription.
func (s *Session) removeRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.rooms[roomID] {
		return false
	}

	delete(s.rooms, roomID)

	return true
}

func (s *Session) inRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.rooms[roomID]
}

// Rooms snapshots the session's subscriptions, used by the disconnect
// cascade.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	rooms := make([]string, 0, len(s.rooms))

	for roomID := range s.rooms {
		rooms = append(rooms, roomID)
	}

	return rooms
}

// WriteLoop drains the outbox into the websocket connection. Run it as the
// connection's single writer goroutine; it returns once the session closes
// or the connection dies.
func (s *Session) WriteLoop(conn *websocket.Conn) {
	for {
		select {
		case frame := <-s.out:
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Error("💀 Couldn't write to session",
					slog.String("session", s.ID),
					slog.String("error", err.Error()))

				// Try close the connection
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				conn.Close()

				s.close()

				return
			}

		case <-s.quit:
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			conn.Close()

			return
		}
	}
}
