package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/macwilko/eventchat/db/event_chat_db/model"
	"github.com/macwilko/eventchat/security_helpers"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"
)

// HasEventParticipation answers whether the user holds a participation
// grant for the event, Redis-cached with a database fallback.
func HasEventParticipation(uId uint64, eId uint64, db *sqlx.DB, wRdb *redis.Client, rRdb *redis.Client, ctx context.Context) bool {

	rk := model.ParticipantRedisKey(uId, eId)

	rp, err := rRdb.Get(ctx, rk).Result()

	if err == redis.Nil {

		q := `SELECT *
		      FROM event_participants
		      WHERE user_id = ? AND event_id = ?`

		var ep model.EventParticipants

		err = db.Get(&ep, q, uId, eId)

		if err != nil {
			slog.Warn("Not an event participant 💀",
				slog.Uint64("uId", uId),
				slog.Uint64("eId", eId),
				slog.String("error", err.Error()))

			return false
		}

		mEp, err := json.Marshal(ep)

		if err != nil {
			slog.Warn("Redis error setting v 💀",
				slog.Uint64("uId", uId),
				slog.Uint64("eId", eId),
				slog.String("error", err.Error()))

			return false
		}

		go func() {
			_, err = wRdb.Set(ctx, rk, mEp, 1*time.Hour).Result()

			if err != nil {
				slog.Warn("Redis error setting v 💀",
					slog.Uint64("uId", uId),
					slog.Uint64("eId", eId),
					slog.String("error", err.Error()))
			}
		}()

		return ep.UserID == uId

	} else if err != nil {
		slog.Error("Redis problem 💀",
			slog.String("error", err.Error()),
			slog.Uint64("uId", uId),
			slog.Uint64("eId", eId),
			slog.String("area", "selecting participation from Redis"))

		return false
	}

	ep := model.EventParticipants{}

	json.Unmarshal([]byte(rp), &ep)

	return ep.UserID == uId
}

// ParticipantAuthorizer adapts the cached participation check to the chat
// core's Authorizer interface. Room ids are encoded event ids.
type ParticipantAuthorizer struct {
	DB   *sqlx.DB
	WRdb *redis.Client
	RRdb *redis.Client
}

func (a ParticipantAuthorizer) IsParticipant(ctx context.Context, userID uint64, roomID string) bool {
	eventId, objectType := security_helpers.Decode(roomID)

	if eventId == 0 || objectType != model.EVENTS_TYPE {
		slog.Warn("Room security ID failure 💀",
			slog.Uint64("uId", userID))

		return false
	}

	return HasEventParticipation(userID, eventId, a.DB, a.WRdb, a.RRdb, ctx)
}
