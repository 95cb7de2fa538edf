package model

import (
	"database/sql"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/macwilko/eventchat/security_helpers"
)

type Users struct {
	ID           uint64         `db:"id"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    sql.NullTime   `db:"updated_at"`
	Salt         string         `db:"object_salt"`
	Email        string         `db:"email"`
	Name         sql.NullString `db:"name"`
	Handle       sql.NullString `db:"handle"`
	About        sql.NullString `db:"about"`
	Verified     bool           `db:"verified"`
	LastActiveAt time.Time      `db:"last_active_at"`
}

func (c Users) ToFiberMap() fiber.Map {
	return fiber.Map{
		"id":         security_helpers.Encode(c.ID, USERS_TYPE, c.Salt),
		"created_at": c.CreatedAt.Format(time.RFC3339),
		"name":       c.Name.String,
		"handle":     c.Handle.String,
	}
}

var GHOST_USER = Users{
	ID:     0,
	Salt:   "ghost",
	Email:  "ghost@eventchat.app",
	Handle: sql.NullString{String: "Ghost"},
	Name:   sql.NullString{String: "Ghost"},
}

var USERS_TYPE = "Users"
