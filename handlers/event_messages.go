package handlers

import (
	"context"
	"maps"
	"strings"

	"github.com/macwilko/eventchat/chat_history"
	"github.com/macwilko/eventchat/db/event_chat_db/model"

	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"
)

const messagesPerPage = 50

// EventMessages serves the paginated chat history for an event room,
// newest page first.
func EventMessages(c *fiber.Ctx, ctx context.Context, db *sqlx.DB, wRdb *redis.Client, rRdb *redis.Client, queue *asynq.Client) error {
	slog.Info("Starting fetch event messages ✅")

	user, ok := c.Locals("viewer").(model.Users)

	if !ok {
		slog.Warn("Not allowed")

		return c.Status(fiber.StatusUnauthorized).JSON(&fiber.Map{
			"errors": []fiber.Map{{
				"message": "Not allowed.",
			}},
		})
	}

	pageNumber := c.QueryInt("page", 0)

	if pageNumber < 0 {
		pageNumber = 0
	}

	handle := Truncate(strings.ToLower(c.Params("handle")), 255)

	event := model.Events{}

	err := db.Get(&event, "SELECT * FROM events WHERE handle = ? LIMIT 1", handle)

	if err != nil {
		slog.Info("No event found 💀 " + handle)
		slog.Error(err.Error())

		return c.Status(fiber.StatusOK).JSON(&fiber.Map{
			"errors": []fiber.Map{{
				"message": "Not found",
			}},
		})
	}

	if !HasEventParticipation(user.ID, event.ID, db, wRdb, rRdb, ctx) {
		slog.Warn("Not allowed")

		return c.Status(fiber.StatusUnauthorized).JSON(&fiber.Map{
			"errors": []fiber.Map{{
				"message": "Not allowed.",
			}},
		})
	}

	store := chathistory.NewStore(db)

	rows, err := store.PageForRoom(ctx, event.RoomID(), pageNumber, messagesPerPage)

	if err != nil {
		slog.Error("Database problem 💀",
			slog.String("error", err.Error()),
			slog.String("area", "selecting event messages"))

		return c.Status(fiber.StatusOK).JSON(&fiber.Map{
			"errors": []fiber.Map{{
				"message": "Not found",
			}},
		})
	}

	senderIds := []uint64{}
	seenSenders := map[uint64]bool{}

	for _, row := range rows {
		if !seenSenders[row.SenderID] {
			seenSenders[row.SenderID] = true
			senderIds = append(senderIds, row.SenderID)
		}
	}

	sendersById := map[uint64]model.Users{}

	if len(senderIds) > 0 {
		usersQuery, usersArgs, err := sqlx.In("SELECT * FROM users WHERE id IN (?)", senderIds)

		if err != nil {
			slog.Error("Database problem 💀",
				slog.String("error", err.Error()),
				slog.String("area", "users IN for messages"))

			return c.Status(fiber.StatusOK).JSON(&fiber.Map{
				"errors": []fiber.Map{{
					"message": "Not found",
				}},
			})
		}

		usersQuery = db.Rebind(usersQuery)

		senders := []model.Users{}

		err = db.Select(&senders, usersQuery, usersArgs...)

		if err != nil {
			slog.Error("Database problem 💀",
				slog.String("error", err.Error()),
				slog.String("area", "after the bind selecting users"))

			return c.Status(fiber.StatusOK).JSON(&fiber.Map{
				"errors": []fiber.Map{{
					"message": "Not found",
				}},
			})
		}

		for _, sender := range senders {
			sendersById[sender.ID] = sender
		}
	}

	mappedMessages := make([]fiber.Map, len(rows))

	for i, row := range rows {
		sender, found := sendersById[row.SenderID]

		if !found {
			sender = model.GHOST_USER
		}

		mapped := row.ToFiberMap()

		maps.Copy(mapped, fiber.Map{
			"user": sender.ToFiberMap(),
		})

		mappedMessages[i] = mapped
	}

	return c.Status(fiber.StatusOK).JSON(&fiber.Map{
		"room_id":  event.RoomID(),
		"page":     pageNumber,
		"messages": mappedMessages,
	})
}
