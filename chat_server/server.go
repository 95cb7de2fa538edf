package chatserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Config tunes the timing knobs of the chat core. Zero values pick the
// production defaults.
type Config struct {
	// PresenceGrace is how long a user may have zero sessions in a room
	// before the offline transition is broadcast.
	PresenceGrace time.Duration

	// TypingWindow is how long a typing streak survives without a fresh
	// start-typing signal.
	TypingWindow time.Duration

	// RoomIdleGrace is how long an empty room stays resident before the
	// janitor may evict it.
	RoomIdleGrace time.Duration

	// SweepInterval is the janitor's cadence.
	SweepInterval time.Duration

	// BackfillLimit caps how many stored messages a fresh subscriber is
	// sent before live events start flowing.
	BackfillLimit int
}

func (c Config) withDefaults() Config {
	if c.PresenceGrace == 0 {
		c.PresenceGrace = 10 * time.Second
	}

	if c.TypingWindow == 0 {
		c.TypingWindow = 6 * time.Second
	}

	if c.RoomIdleGrace == 0 {
		c.RoomIdleGrace = 5 * time.Minute
	}

	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}

	if c.BackfillLimit == 0 {
		c.BackfillLimit = 50
	}

	return c
}

// Server is the connection gateway: it owns session lifecycle and fronts
// the room registry. One Server per process; a room's authoritative state
// lives in exactly one Server.
type Server struct {
	cfg      Config
	auth     Authorizer
	history  HistoryStore
	registry *Registry
}

// NewServer wires the chat core. persist receives every published message
// off the room's critical path; pass nil to disable (tests, shims).
func NewServer(auth Authorizer, history HistoryStore, persist func(Message), cfg Config) *Server {
	cfg = cfg.withDefaults()

	var seed func(string) uint64

	if history != nil {
		seed = func(roomID string) uint64 {
			msgs, err := history.LoadRecent(context.Background(), roomID, 1)

			if err != nil || len(msgs) == 0 {
				return 0
			}

			return msgs[len(msgs)-1].Sequence
		}
	}

	return &Server{
		cfg:      cfg,
		auth:     auth,
		history:  history,
		registry: NewRegistry(cfg, persist, seed),
	}
}

// Connect creates a session for an already-authenticated user.
func (sv *Server) Connect(userID uint64) *Session {
	return newSession(userID)
}

// Subscribe joins the session to a room after a single participation
// check. On success the session receives the history backfill and the
// presence snapshot, and prior subscribers see a join event. Re-subscribing
// is a no-op.
func (sv *Server) Subscribe(ctx context.Context, sess *Session, roomID string) error {
	if sess.isClosing() {
		return ErrSessionClosed
	}

	if sess.inRoom(roomID) {
		return nil
	}

	if sv.auth != nil && !sv.auth.IsParticipant(ctx, sess.UserID, roomID) {
		slog.Warn("Subscribe denied 💀",
			slog.Uint64("user", sess.UserID),
			slog.String("room", roomID))

		return ErrDenied
	}

	sv.backfill(ctx, sess, roomID)

	r := sv.registry.ensure(roomID)

	done := make(chan struct{})

	r.cmds <- joinCmd{sess: sess, done: done}

	<-done

	sess.addRoom(roomID)

	return nil
}

// backfill writes the recent history into the session's outbox before live
// events begin. A message published in the gap between the load and the
// join can arrive twice; the client's idempotent apply absorbs it.
func (sv *Server) backfill(ctx context.Context, sess *Session, roomID string) {
	if sv.history == nil {
		return
	}

	msgs, err := sv.history.LoadRecent(ctx, roomID, sv.cfg.BackfillLimit)

	if err != nil {
		slog.Error("Couldn't load history for backfill 💀",
			slog.String("room", roomID),
			slog.String("error", err.Error()))

		return
	}

	for _, msg := range msgs {
		frame, err := json.Marshal(MessageEvent{
			Type:    EventMessage,
			Message: msg,
		})

		if err != nil {
			continue
		}

		sess.enqueue(frame)
	}
}

// Unsubscribe removes the session from the room. The last session of a
// user starts the presence grace timer rather than an immediate leave.
func (sv *Server) Unsubscribe(sess *Session, roomID string) {
	if !sess.removeRoom(roomID) {
		return
	}

	r := sv.registry.lookup(roomID)

	if r == nil {
		return
	}

	r.cmds <- leaveCmd{sess: sess}
}

// Send publishes a message from a subscribed session and returns the
// server-stamped copy. Membership was checked at subscribe time and is not
// re-checked here.
func (sv *Server) Send(sess *Session, roomID string, content string, clientTempID string) (Message, error) {
	if sess.isClosing() {
		return Message{}, ErrSessionClosed
	}

	if !sess.inRoom(roomID) {
		return Message{}, ErrNotSubscribed
	}

	r := sv.registry.lookup(roomID)

	if r == nil {
		return Message{}, ErrNotSubscribed
	}

	reply := make(chan Message, 1)

	r.cmds <- publishCmd{
		senderID: sess.UserID,
		content:  content,
		tempID:   clientTempID,
		reply:    reply,
	}

	return <-reply, nil
}

// Publish injects a message without a session, used by the internal HTTP
// publish endpoint so sibling services can post into a room. The caller is
// trusted to have verified the sender.
func (sv *Server) Publish(roomID string, senderID uint64, content string, clientTempID string) Message {
	r := sv.registry.ensure(roomID)

	reply := make(chan Message, 1)

	r.cmds <- publishCmd{
		senderID: senderID,
		content:  content,
		tempID:   clientTempID,
		reply:    reply,
	}

	return <-reply
}

// OnlineUsers reports who is currently online in a room. An unknown or
// evicted room reads as empty.
func (sv *Server) OnlineUsers(roomID string) []uint64 {
	r := sv.registry.lookup(roomID)

	if r == nil {
		return nil
	}

	reply := make(chan []uint64, 1)

	r.cmds <- onlineQueryCmd{reply: reply}

	return <-reply
}

func (sv *Server) StartTyping(sess *Session, roomID string) error {
	return sv.typing(sess, roomID, true)
}

func (sv *Server) StopTyping(sess *Session, roomID string) error {
	return sv.typing(sess, roomID, false)
}

func (sv *Server) typing(sess *Session, roomID string, start bool) error {
	if !sess.inRoom(roomID) {
		return ErrNotSubscribed
	}

	r := sv.registry.lookup(roomID)

	if r == nil {
		return ErrNotSubscribed
	}

	if start {
		r.cmds <- typingStartCmd{userID: sess.UserID}
	} else {
		r.cmds <- typingStopCmd{userID: sess.UserID}
	}

	return nil
}

// Disconnect tears the session down and cascades an unsubscribe for every
// room it held, each starting its presence grace timer.
func (sv *Server) Disconnect(sess *Session) {
	rooms := sess.Rooms()

	sess.close()

	for _, roomID := range rooms {
		if !sess.removeRoom(roomID) {
			continue
		}

		r := sv.registry.lookup(roomID)

		if r == nil {
			continue
		}

		r.cmds <- leaveCmd{sess: sess}
	}

	slog.Info("connection unregistered", slog.String("session", sess.ID))
}

// Close stops the registry janitor. Live rooms are abandoned with the
// process.
func (sv *Server) Close() {
	sv.registry.Close()
}
