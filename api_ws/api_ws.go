package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"log/slog"
	"os"

	_ "github.com/go-sql-driver/mysql"
	chathistory "github.com/macwilko/eventchat/chat_history"
	chatserver "github.com/macwilko/eventchat/chat_server"
	"github.com/macwilko/eventchat/db/event_chat_db/model"
	"github.com/macwilko/eventchat/handlers"
	"github.com/macwilko/eventchat/internal_handlers"
	"github.com/macwilko/eventchat/tasks"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/idempotency"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/xo/dburl"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

// clientCommand is one inbound frame on the socket: subscribe and
// unsubscribe manage room membership, message publishes, typing_start and
// typing_stop drive the typing indicator.
type clientCommand struct {
	Type         string `json:"type"`
	RoomID       string `json:"room_id"`
	Content      string `json:"content,omitempty"`
	ClientTempID string `json:"client_temp_id,omitempty"`
}

func sendError(sess *chatserver.Session, roomID string, message string) {
	frame, err := json.Marshal(chatserver.ErrorEvent{
		Type:    chatserver.EventError,
		RoomID:  roomID,
		Message: message,
	})

	if err != nil {
		return
	}

	sess.Enqueue(frame)
}

func handleCommand(server *chatserver.Server, sess *chatserver.Session, raw []byte) bool {
	var cmd clientCommand

	if err := json.Unmarshal(raw, &cmd); err != nil {
		slog.Error("Not valid json, unregister client")

		return false
	}

	if len(cmd.Type) == 0 {
		slog.Error("Not valid message type, unregister client")

		return false
	}

	switch cmd.Type {
	case "subscribe":
		if len(cmd.RoomID) == 0 {
			slog.Error("Not valid room, unregister client")

			return false
		}

		err := server.Subscribe(context.Background(), sess, cmd.RoomID)

		if err == chatserver.ErrDenied {
			// Denied is surfaced to the caller, the connection survives.
			sendError(sess, cmd.RoomID, "Not allowed.")

			return true
		}

		if err != nil {
			sendError(sess, cmd.RoomID, "Couldn't subscribe.")
		}

		return true

	case "unsubscribe":
		if len(cmd.RoomID) == 0 {
			slog.Error("Not valid room, unregister client")

			return false
		}

		server.Unsubscribe(sess, cmd.RoomID)

		return true

	case "message":
		if _, err := server.Send(sess, cmd.RoomID, cmd.Content, cmd.ClientTempID); err != nil {
			sendError(sess, cmd.RoomID, "Couldn't send message.")
		}

		return true

	case "typing_start":
		server.StartTyping(sess, cmd.RoomID)

		return true

	case "typing_stop":
		server.StopTyping(sess, cmd.RoomID)

		return true

	default:
		return false
	}
}

func main() {
	lg := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(lg)

	slog.Info("🚀 Booting ws api ✅")

	if len(os.Getenv("PORT")) > 0 {
		time.Sleep(4 * time.Second)
	}

	ctx := context.Background()

	godotenv.Load("../.env")

	writeRedisOpts, err := redis.ParseURL(os.Getenv("WRITE_REDIS_URL"))

	if err != nil {
		slog.Error("Unable to read redis database",
			slog.String("error", err.Error()))

		panic(err)
	}

	queue := asynq.NewClient(asynq.RedisClientOpt{
		Network:  writeRedisOpts.Network,
		Addr:     writeRedisOpts.Addr,
		Username: writeRedisOpts.Username,
		Password: writeRedisOpts.Password,
		DB:       writeRedisOpts.DB,
	})

	defer queue.Close()

	dbUrl, err := dburl.Parse(os.Getenv("DATABASE_URL"))

	if err != nil {
		slog.Error("Unable to parse database url",
			slog.String("error", err.Error()))

		panic(err)
	}

	db, err := sqlx.Connect("mysql", dbUrl.DSN)

	if err != nil {
		slog.Error("Unable to connect to db",
			slog.String("error", err.Error()))

		panic(err)
	}

	slog.Info("🦄 Database Connected")

	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     writeRedisOpts.Addr,
		Username: writeRedisOpts.Username,
		Password: writeRedisOpts.Password,
		DB:       writeRedisOpts.DB,
		OnConnect: func(ctx context.Context, cn *redis.Conn) error {
			slog.Info("🦄 Redis Connected")
			return nil
		},
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		slog.Error("Redis Error",
			slog.String("error", err.Error()))
	}

	// Start the chat core. Persistence goes through the asynq queue so a
	// slow or down store never touches the rooms' critical path.

	persist := func(msg chatserver.Message) {
		task, err := tasks.NewPersistMessageTask(msg)

		if err != nil {
			return
		}

		if _, err := queue.Enqueue(task); err != nil {
			slog.Error("💀 Couldn't enqueue message persist",
				slog.String("server_id", msg.ServerID),
				slog.String("error", err.Error()))
		}
	}

	server := chatserver.NewServer(
		handlers.ParticipantAuthorizer{DB: db, WRdb: rdb, RRdb: rdb},
		chathistory.NewStore(db),
		persist,
		chatserver.Config{},
	)

	defer server.Close()

	app := fiber.New(fiber.Config{
		Network:   "tcp",
		BodyLimit: 4 * 1024 * 1024,
	})

	app.Use(logger.New())
	app.Use(idempotency.New())
	app.Use(requestid.New())
	app.Use(logger.New(logger.Config{
		DisableColors: false,
		Format:        "${pid} ${locals:requestid} ${status} - ${method} ${path}​",
	}))
	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))
	app.Use(cors.New())

	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString(fmt.Sprintf("Event chat! %s", os.Getenv("RAILWAY_REPLICA_ID")))
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("I'm healthy!")
	})

	app.Get("/metrics", monitor.New(monitor.Config{Title: "Metrics"}))

	app.Use("/ws", func(c *fiber.Ctx) error {
		return handlers.AuthorizationWS(c, ctx, db, rdb, queue)
	})

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}

		return c.SendStatus(fiber.StatusUpgradeRequired)
	})

	app.Get("/ws", websocket.New(func(c *websocket.Conn) {

		user, ok := c.Locals("viewer").(model.Users)

		if !ok {
			slog.Error("User is not valid, closing the connection")

			c.Close()

			return
		}

		sess := server.Connect(user.ID)

		defer server.Disconnect(sess)

		go sess.WriteLoop(c)

		c.SetPingHandler(func(msg string) error {
			slog.Info("🔥 Got a ping 🔥")
			sess.Touch()
			return nil
		})

		slog.Info("😍 Client connected",
			slog.String("session", sess.ID))

		for {
			messageType, message, err := c.ReadMessage()

			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					slog.Error("Unexpected read error on connection",
						"error", err.Error())
				}

				return // Calls the deferred disconnect
			}

			if messageType != websocket.TextMessage {
				continue
			}

			if string(message) == "ping" {
				// Echo the message back
				sess.Touch()
				sess.Enqueue(message)

				continue
			}

			if !handleCommand(server, sess, message) {
				return // Calls the deferred disconnect
			}
		}

	}, websocket.Config{
		RecoverHandler: func(conn *websocket.Conn) {
			if err := recover(); err != nil {

				user, ok := conn.Locals("viewer").(model.Users)

				if ok {
					slog.Error("💀 Handing an unrecoverable error on the connection 💀 ",
						slog.String("affected user", user.Email))
				} else {
					slog.Error("💀 Unauthorized user had an unrecoverable error 💀 ")
				}

				conn.WriteJSON(fiber.Map{"error": "an error occurred"})
			}
		}}))

	v1 := fiber.New()
	app.Mount("/v1", v1)

	v1.Use(func(c *fiber.Ctx) error {
		c.Accepts("application/json")
		return c.Next()
	})

	internal := fiber.New()

	v1.Mount("/internal", internal)

	internal.Post("/publish-message", func(c *fiber.Ctx) error {
		return internal_handlers.PublishMessage(c, ctx, db, rdb, queue, server)
	})

	internal.Get("/online-users", func(c *fiber.Ctx) error {
		roomID := c.Query("room_id")

		if len(roomID) == 0 {
			return c.Status(fiber.StatusOK).JSON(&fiber.Map{
				"error": "Invalid input.",
			})
		}

		return c.Status(fiber.StatusOK).JSON(&fiber.Map{
			"room_id":         roomID,
			"online_user_ids": server.OnlineUsers(roomID),
		})
	})

	port := ":3006"

	if envPort := os.Getenv("PORT"); envPort != "" {
		port = ":" + envPort
	}

	app.Listen(port)
}
