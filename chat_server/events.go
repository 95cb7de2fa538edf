package chatserver

import (
	"time"
)

const (
	EventJoin             = "join"
	EventLeave            = "leave"
	EventMessage          = "message"
	EventTypingStart      = "typing_start"
	EventTypingStop       = "typing_stop"
	EventPresenceSnapshot = "presence_snapshot"
	EventError            = "error"
)

// Message is the fully-formed, server-stamped chat message. ServerID and
// Sequence are assigned exactly once by the owning room, at publish time.
// ClientTempID passes through unchanged and exists only so the sender can
// reconcile its optimistic copy.
type Message struct {
	RoomID          string    `json:"room_id"`
	ServerID        string    `json:"server_id"`
	ClientTempID    string    `json:"client_temp_id,omitempty"`
	SenderID        uint64    `json:"sender_id"`
	Content         string    `json:"content"`
	ServerTimestamp time.Time `json:"server_ts"`
	Sequence        uint64    `json:"sequence"`
}

type MessageEvent struct {
	Type string `json:"type"`
	Message
}

type PresenceEvent struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	UserID uint64 `json:"user_id"`
}

type PresenceSnapshotEvent struct {
	Type          string   `json:"type"`
	RoomID        string   `json:"room_id"`
	OnlineUserIDs []uint64 `json:"online_user_ids"`
}

type TypingEvent struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	UserID uint64 `json:"user_id"`
}

type ErrorEvent struct {
	Type    string `json:"type"`
	RoomID  string `json:"room_id,omitempty"`
	Message string `json:"message"`
}
