package chatserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// room owns all mutable state for one event's chat: membership, the
// sequence counter, typing entries and presence grace timers. Every
// mutation goes through the single run loop, so no field below needs a
// lock and two rooms never block each other.
type room struct {
	id   string
	cmds chan roomCmd

	// pins counts registry handouts whose command has not been processed
	// yet; a pinned room refuses to be reaped. The registry increments on
	// every handout, the run loop decrements once per externally-sent
	// command.
	pins atomic.Int64

	cfg     Config
	persist func(Message)
	seed    func(roomID string) uint64

	// actor-owned, touched only inside run()
	seq        uint64
	members    map[uint64]map[string]*Session
	online     map[uint64]bool
	grace      map[uint64]*time.Timer
	typing     map[uint64]*typingEntry
	emptySince time.Time
}

type typingEntry struct {
	expiresAt time.Time
	timer     *time.Timer
}

type roomCmd interface{ isRoomCmd() }

type joinCmd struct {
	sess *Session
	done chan struct{}
}

type leaveCmd struct {
	sess *Session
}

type publishCmd struct {
	senderID uint64
	content  string
	tempID   string
	reply    chan Message
}

type typingStartCmd struct{ userID uint64 }

type typingStopCmd struct{ userID uint64 }

type presenceLapsedCmd struct{ userID uint64 }

type typingLapsedCmd struct{ userID uint64 }

type onlineQueryCmd struct{ reply chan []uint64 }

type reapCmd struct{ reply chan bool }

func (joinCmd) isRoomCmd()           {}
func (leaveCmd) isRoomCmd()          {}
func (publishCmd) isRoomCmd()        {}
func (typingStartCmd) isRoomCmd()    {}
func (typingStopCmd) isRoomCmd()     {}
func (presenceLapsedCmd) isRoomCmd() {}
func (typingLapsedCmd) isRoomCmd()   {}
func (onlineQueryCmd) isRoomCmd()    {}
func (reapCmd) isRoomCmd()           {}

func newRoom(id string, cfg Config, persist func(Message), seed func(string) uint64) *room {
	r := &room{
		id:         id,
		cmds:       make(chan roomCmd, 64),
		cfg:        cfg,
		persist:    persist,
		seed:       seed,
		members:    make(map[uint64]map[string]*Session),
		online:     make(map[uint64]bool),
		grace:      make(map[uint64]*time.Timer),
		typing:     make(map[uint64]*typingEntry),
		emptySince: time.Now(),
	}

	go r.run()

	return r
}

func (r *room) run() {
	// A room evicted and later recreated must not reissue sequence numbers
	// that already exist in history, so a fresh actor resumes from the last
	// persisted sequence. Commands queue in the channel while this loads.
	if r.seed != nil {
		r.seq = r.seed(r.id)
	}

	for cmd := range r.cmds {
		switch c := cmd.(type) {

		case joinCmd:
			r.handleJoin(c.sess)
			close(c.done)
			r.pins.Add(-1)

		case leaveCmd:
			r.handleLeave(c.sess)
			r.pins.Add(-1)

		case publishCmd:
			msg := r.handlePublish(c.senderID, c.content, c.tempID)
			c.reply <- msg
			r.pins.Add(-1)

		case typingStartCmd:
			r.handleTypingStart(c.userID)
			r.pins.Add(-1)

		case typingStopCmd:
			r.handleTypingStop(c.userID, true)
			r.pins.Add(-1)

		case presenceLapsedCmd:
			r.handlePresenceLapsed(c.userID)

		case typingLapsedCmd:
			r.handleTypingLapsed(c.userID)

		case onlineQueryCmd:
			c.reply <- r.onlineUserIDs()
			r.pins.Add(-1)

		case reapCmd:
			if r.reapable() {
				c.reply <- true

				return
			}

			c.reply <- false
		}
	}
}

// reapable is true only when nothing references the room anymore: no
// members, no pending grace or typing timers, no in-flight joins, and the
// idle window has elapsed.
func (r *room) reapable() bool {
	if len(r.members) > 0 || len(r.grace) > 0 || len(r.typing) > 0 {
		return false
	}

	if r.pins.Load() > 0 {
		return false
	}

	return time.Since(r.emptySince) > r.cfg.RoomIdleGrace
}

func (r *room) handleJoin(sess *Session) {
	userSessions := r.members[sess.UserID]

	if userSessions == nil {
		userSessions = make(map[string]*Session)
		r.members[sess.UserID] = userSessions
	}

	userSessions[sess.ID] = sess

	// A reconnect inside the grace window cancels the pending offline
	// transition silently, so other subscribers never see the flap.
	if t, ok := r.grace[sess.UserID]; ok {
		t.Stop()
		delete(r.grace, sess.UserID)
	}

	wasOnline := r.online[sess.UserID]
	r.online[sess.UserID] = true

	snapshot := PresenceSnapshotEvent{
		Type:          EventPresenceSnapshot,
		RoomID:        r.id,
		OnlineUserIDs: r.onlineUserIDs(),
	}

	if frame, err := json.Marshal(snapshot); err == nil {
		sess.enqueue(frame)
	}

	if !wasOnline {
		r.fanoutExcept(PresenceEvent{
			Type:   EventJoin,
			RoomID: r.id,
			UserID: sess.UserID,
		}, sess.ID)
	}

	slog.Info("😍 Session joined room",
		slog.String("room", r.id),
		slog.Uint64("user", sess.UserID))
}

func (r *room) handleLeave(sess *Session) {
	userSessions, ok := r.members[sess.UserID]

	if !ok {
		return
	}

	if _, held := userSessions[sess.ID]; !held {
		return
	}

	delete(userSessions, sess.ID)

	if len(userSessions) > 0 {
		return
	}

	delete(r.members, sess.UserID)

	if len(r.members) == 0 {
		r.emptySince = time.Now()
	}

	// The user may still be typing when their last session drops.
	r.handleTypingStop(sess.UserID, true)

	// Presence goes offline only after the grace window passes with no
	// session for this user, to absorb quick reconnects.
	userID := sess.UserID

	r.grace[userID] = time.AfterFunc(r.cfg.PresenceGrace, func() {
		r.cmds <- presenceLapsedCmd{userID: userID}
	})
}

func (r *room) handlePresenceLapsed(userID uint64) {
	if _, ok := r.grace[userID]; !ok {
		return
	}

	delete(r.grace, userID)

	if _, back := r.members[userID]; back {
		return
	}

	delete(r.online, userID)

	r.fanout(PresenceEvent{
		Type:   EventLeave,
		RoomID: r.id,
		UserID: userID,
	})
}

func (r *room) handlePublish(senderID uint64, content string, tempID string) Message {
	r.seq++

	msg := Message{
		RoomID:          r.id,
		ServerID:        fmt.Sprintf("%s-%d", r.id, r.seq),
		ClientTempID:    tempID,
		SenderID:        senderID,
		Content:         content,
		ServerTimestamp: time.Now().UTC(),
		Sequence:        r.seq,
	}

	r.fanout(MessageEvent{
		Type:    EventMessage,
		Message: msg,
	})

	// Sending a message ends the sender's typing streak.
	r.handleTypingStop(senderID, true)

	if r.persist != nil {
		go r.persist(msg)
	}

	return msg
}

func (r *room) handleTypingStart(userID uint64) {
	expiresAt := time.Now().Add(r.cfg.TypingWindow)

	if e, ok := r.typing[userID]; ok {
		// Still-typing streak, extend quietly.
		e.expiresAt = expiresAt

		return
	}

	e := &typingEntry{expiresAt: expiresAt}

	e.timer = time.AfterFunc(r.cfg.TypingWindow, func() {
		r.cmds <- typingLapsedCmd{userID: userID}
	})

	r.typing[userID] = e

	r.fanout(TypingEvent{
		Type:   EventTypingStart,
		RoomID: r.id,
		UserID: userID,
	})
}

func (r *room) handleTypingStop(userID uint64, broadcast bool) {
	e, ok := r.typing[userID]

	if !ok {
		return
	}

	e.timer.Stop()
	delete(r.typing, userID)

	if broadcast {
		r.fanout(TypingEvent{
			Type:   EventTypingStop,
			RoomID: r.id,
			UserID: userID,
		})
	}
}

func (r *room) handleTypingLapsed(userID uint64) {
	e, ok := r.typing[userID]

	if !ok {
		return
	}

	if remaining := time.Until(e.expiresAt); remaining > 0 {
		// The streak was extended after the timer fired, re-arm.
		e.timer = time.AfterFunc(remaining, func() {
			r.cmds <- typingLapsedCmd{userID: userID}
		})

		return
	}

	delete(r.typing, userID)

	r.fanout(TypingEvent{
		Type:   EventTypingStop,
		RoomID: r.id,
		UserID: userID,
	})
}

func (r *room) onlineUserIDs() []uint64 {
	ids := make([]uint64, 0, len(r.online))

	for id := range r.online {
		ids = append(ids, id)
	}

	return ids
}

// fanout marshals once and offers the frame to every subscribed session in
// a single pass, so all subscribers observe the same relative order. A
// dead or slow session drops the frame and is left to the disconnect path.
func (r *room) fanout(event any) {
	r.fanoutExcept(event, "")
}

func (r *room) fanoutExcept(event any, skipSessionID string) {
	frame, err := json.Marshal(event)

	if err != nil {
		slog.Error("💀 Couldn't marshal event",
			slog.String("room", r.id),
			slog.String("error", err.Error()))

		return
	}

	for _, userSessions := range r.members {
		for _, sess := range userSessions {
			if sess.ID == skipSessionID {
				continue
			}

			if !sess.enqueue(frame) {
				slog.Warn("💀 Dropped frame for slow or closing session",
					slog.String("room", r.id),
					slog.String("session", sess.ID))
			}
		}
	}
}
