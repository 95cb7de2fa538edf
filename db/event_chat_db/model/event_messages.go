package model

import (
	"database/sql"
	"time"

	"github.com/gofiber/fiber/v2"

	chatserver "github.com/macwilko/eventchat/chat_server"
)

// EventMessages is the durable row behind a broadcast chat message.
// server_id is unique, which makes replayed appends idempotent.
type EventMessages struct {
	ID           uint64         `db:"id"`
	CreatedAt    time.Time      `db:"created_at"`
	RoomID       string         `db:"room_id"`
	ServerID     string         `db:"server_id"`
	ClientTempID sql.NullString `db:"client_temp_id"`
	SenderID     uint64         `db:"sender_id"`
	Text         string         `db:"text"`
	Sequence     uint64         `db:"sequence"`
	ServerTS     time.Time      `db:"server_ts"`
}

func (c EventMessages) ToChatMessage() chatserver.Message {
	return chatserver.Message{
		RoomID:          c.RoomID,
		ServerID:        c.ServerID,
		ClientTempID:    c.ClientTempID.String,
		SenderID:        c.SenderID,
		Content:         c.Text,
		ServerTimestamp: c.ServerTS,
		Sequence:        c.Sequence,
	}
}

func (c EventMessages) ToFiberMap() fiber.Map {
	return fiber.Map{
		"server_id": c.ServerID,
		"sender_id": c.SenderID,
		"text":      c.Text,
		"sequence":  c.Sequence,
		"server_ts": c.ServerTS.Format(time.RFC3339),
	}
}

var EVENT_MESSAGES_TYPE = "EventMessages"
