// Package chatclient implements the client-side contract for optimistic
// sends: a message is echoed locally as Pending, reconciled in place when
// the server-confirmed copy arrives, and marked Failed if no confirmation
// lands inside the timeout. Applying the same server message twice is a
// no-op, which is what makes reconnect backfill safe.
package chatclient

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	chatserver "github.com/macwilko/eventchat/chat_server"
)

type State int

const (
	Pending State = iota
	Confirmed
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	ErrUnknownMessage = errors.New("chatclient: no local message with that temp id")
	ErrNotFailed      = errors.New("chatclient: message is not in the failed state")
)

// Entry is one row of the visible, ordered message list.
type Entry struct {
	ClientTempID string
	State        State
	Message      chatserver.Message
}

// SendFunc transmits {roomId, content, clientTempId} to the server. The
// transport is the caller's concern; websocket and HTTP shims both fit.
type SendFunc func(roomID string, content string, clientTempID string) error

// View is the reconciliation state machine for one room. All methods are
// safe for concurrent use.
type View struct {
	mu sync.Mutex

	roomID  string
	send    SendFunc
	timeout time.Duration

	entries []*Entry
	local   map[string]*Entry // clientTempID -> unconfirmed local echo
	seen    map[string]bool   // serverID -> already applied
	timers  map[string]*time.Timer
}

func NewView(roomID string, send SendFunc, timeout time.Duration) *View {
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &View{
		roomID:  roomID,
		send:    send,
		timeout: timeout,
		local:   make(map[string]*Entry),
		seen:    make(map[string]bool),
		timers:  make(map[string]*time.Timer),
	}
}

// Send inserts the optimistic echo and transmits. The returned temp id
// identifies the entry until confirmation. A transport error fails the
// entry immediately; it stays visible for an explicit resend.
func (v *View) Send(senderID uint64, content string) (string, error) {
	tempID := uuid.New().String()

	entry := &Entry{
		ClientTempID: tempID,
		State:        Pending,
		Message: chatserver.Message{
			RoomID:       v.roomID,
			ClientTempID: tempID,
			SenderID:     senderID,
			Content:      content,
		},
	}

	v.mu.Lock()
	v.entries = append(v.entries, entry)
	v.local[tempID] = entry
	v.armTimeout(tempID)
	v.mu.Unlock()

	if err := v.transmit(tempID, content); err != nil {
		return tempID, err
	}

	return tempID, nil
}

// Resend re-transmits a failed message under its original temp id. There
// is no automatic retry; this is the explicit user action.
func (v *View) Resend(tempID string) error {
	v.mu.Lock()

	entry, ok := v.local[tempID]

	if !ok {
		v.mu.Unlock()

		return ErrUnknownMessage
	}

	if entry.State != Failed {
		v.mu.Unlock()

		return ErrNotFailed
	}

	entry.State = Pending
	content := entry.Message.Content
	v.armTimeout(tempID)

	v.mu.Unlock()

	return v.transmit(tempID, content)
}

func (v *View) transmit(tempID string, content string) error {
	if v.send == nil {
		return nil
	}

	if err := v.send(v.roomID, content, tempID); err != nil {
		v.mu.Lock()

		if entry, ok := v.local[tempID]; ok && entry.State == Pending {
			entry.State = Failed
			v.disarmTimeout(tempID)
		}

		v.mu.Unlock()

		return err
	}

	return nil
}

// Apply folds a broadcast message into the view. A match against an
// unconfirmed local echo replaces it in place; anything else appends after
// the serverID dedup check. Applying the same serverID twice is a no-op.
func (v *View) Apply(msg chatserver.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if msg.ClientTempID != "" {
		if entry, ok := v.local[msg.ClientTempID]; ok {
			entry.Message = msg
			entry.State = Confirmed

			delete(v.local, msg.ClientTempID)
			v.disarmTimeout(msg.ClientTempID)
			v.seen[msg.ServerID] = true

			return
		}
	}

	if v.seen[msg.ServerID] {
		return
	}

	v.seen[msg.ServerID] = true

	v.entries = append(v.entries, &Entry{
		ClientTempID: msg.ClientTempID,
		State:        Confirmed,
		Message:      msg,
	})
}

// Entries snapshots the ordered view.
func (v *View) Entries() []Entry {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]Entry, len(v.entries))

	for i, e := range v.entries {
		out[i] = *e
	}

	return out
}

// armTimeout must run under v.mu.
func (v *View) armTimeout(tempID string) {
	v.disarmTimeout(tempID)

	v.timers[tempID] = time.AfterFunc(v.timeout, func() {
		v.expire(tempID)
	})
}

// disarmTimeout must run under v.mu.
func (v *View) disarmTimeout(tempID string) {
	if t, ok := v.timers[tempID]; ok {
		t.Stop()
		delete(v.timers, tempID)
	}
}

func (v *View) expire(tempID string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	delete(v.timers, tempID)

	entry, ok := v.local[tempID]

	if !ok || entry.State != Pending {
		return
	}

	entry.State = Failed
}
