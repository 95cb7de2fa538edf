package handlers

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/imroc/req/v3"
	"github.com/jmoiron/sqlx"
	"github.com/macwilko/eventchat/db/event_chat_db/model"
	"github.com/macwilko/eventchat/internal_handlers"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"
)

type CreateMessageInput struct {
	Text         string `json:"text" validate:"required,lte=2000"`
	ClientTempID string `json:"client_temp_id" validate:"omitempty,lte=255"`
}

// CreateMessage is the REST send path. The websocket gateway owns sequence
// assignment, so this forwards into its internal publish endpoint and
// relays the confirmed message back.
func CreateMessage(c *fiber.Ctx, ctx context.Context, db *sqlx.DB, wRdb *redis.Client, rRdb *redis.Client, queue *asynq.Client) error {

	slog.Info("Creating message ✅")

	user, ok := c.Locals("viewer").(model.Users)

	if !ok {
		slog.Warn("Not allowed")

		return c.Status(fiber.StatusUnauthorized).JSON(&fiber.Map{
			"errors": []fiber.Map{{
				"message": "Not allowed.",
			}},
		})
	}

	input := new(CreateMessageInput)

	if err := c.BodyParser(input); err != nil {
		slog.Error("Couldn't parse create message input",
			slog.String("error", err.Error()))

		return c.Status(fiber.StatusOK).JSON(&fiber.Map{
			"errors": []fiber.Map{{
				"message": "Invalid input.",
			}},
		})
	}

	if len(input.Text) == 0 || len(input.Text) > 2000 {
		return c.Status(fiber.StatusOK).JSON(&fiber.Map{
			"errors": []fiber.Map{{
				"message": "Invalid input.",
			}},
		})
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

	client := req.C()

	resp, err := client.R().
		SetContentType("application/json").
		SetBody(&internal_handlers.PublishMessageInput{
			RoomID:       event.RoomID(),
			SenderID:     user.ID,
			Text:         input.Text,
			ClientTempID: input.ClientTempID,
		}).
		Post(os.Getenv("PRIVATE_WS_INTERNAL_API") + "/publish-message")

	if err != nil {
		slog.Error("Couldn't publish message to ws api 💀",
			slog.String("error", err.Error()))

		return c.Status(fiber.StatusOK).JSON(&fiber.Map{
			"errors": []fiber.Map{{
				"message": "Unable to create message.",
			}},
		})
	}

	var published fiber.Map

	if err := json.Unmarshal(resp.Bytes(), &published); err != nil {
		slog.Error("Couldn't decode published message 💀",
			slog.String("error", err.Error()))

		return c.Status(fiber.StatusOK).JSON(&fiber.Map{
			"errors": []fiber.Map{{
				"message": "Unable to create message.",
			}},
		})
	}

	slog.Info("✅ Broadcasted message event")

	return c.Status(fiber.StatusOK).JSON(&published)
}
