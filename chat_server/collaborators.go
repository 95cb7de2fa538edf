package chatserver

import (
	"context"
	"errors"
)

var (
	// ErrDenied is returned from Subscribe when the authorizer does not
	// confirm the user as a participant of the event behind the room.
	ErrDenied = errors.New("chatserver: not a participant")

	// ErrNotSubscribed is returned from Send and typing calls for a room
	// the session never subscribed to.
	ErrNotSubscribed = errors.New("chatserver: session not subscribed to room")

	// ErrSessionClosed is returned for operations on a disconnected session.
	ErrSessionClosed = errors.New("chatserver: session closed")
)

// Authorizer confirms event participation. Checked once per subscribe,
// never re-checked per message.
type Authorizer interface {
	IsParticipant(ctx context.Context, userID uint64, roomID string) bool
}

// HistoryStore is the durable message store collaborator. Append runs off
// the room's critical path (the asynq worker in production), LoadRecent
// backfills a session's initial view on subscribe.
type HistoryStore interface {
	Append(ctx context.Context, msg Message) error
	LoadRecent(ctx context.Context, roomID string, limit int) ([]Message, error)
}
