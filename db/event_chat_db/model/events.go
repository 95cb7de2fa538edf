package model

import (
	"database/sql"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/macwilko/eventchat/security_helpers"
)

type Events struct {
	ID        uint64         `db:"id"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt sql.NullTime   `db:"updated_at"`
	Salt      string         `db:"object_salt"`
	Title     string         `db:"title"`
	Handle    string         `db:"handle"`
	StartsAt  time.Time      `db:"starts_at"`
	EndsAt    sql.NullTime   `db:"ends_at"`
	VenueID   uint64         `db:"venue_id"`
	OwnerID   uint64         `db:"owner_id"`
	About     sql.NullString `db:"about"`
}

// RoomID is the chat room identifier for this event, one room per event.
func (c Events) RoomID() string {
	return security_helpers.Encode(c.ID, EVENTS_TYPE, c.Salt)
}

func (c Events) ToFiberMap() fiber.Map {
	return fiber.Map{
		"id":         c.RoomID(),
		"created_at": c.CreatedAt.Format(time.RFC3339),
		"title":      c.Title,
		"handle":     c.Handle,
		"starts_at":  c.StartsAt.Format(time.RFC3339),
	}
}

var EVENTS_TYPE = "Events"
