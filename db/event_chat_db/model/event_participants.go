package model

import (
	"fmt"
	"time"
)

type EventParticipants struct {
	ID        uint64    `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	EventID   uint64    `db:"event_id"`
	UserID    uint64    `db:"user_id"`
	Role      string    `db:"role"`
}

func ParticipantRedisKey(uId uint64, eId uint64) string {
	return fmt.Sprintf("participant-%d-%d", uId, eId)
}
