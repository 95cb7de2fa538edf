package main

import (
	"context"
	"fmt"
	"time"

	"log/slog"
	"os"

	_ "github.com/go-sql-driver/mysql"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/idempotency"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/macwilko/eventchat/handlers"
	"github.com/xo/dburl"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	jwtware "github.com/gofiber/contrib/jwt"
)

func main() {
	lg := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(lg)

	slog.Info("🚀 Starting hot api ✅")

	if len(os.Getenv("PORT")) > 0 {
		time.Sleep(4 * time.Second)
	}

	ctx := context.Background()

	godotenv.Load("../.env")

	readRedisOpts, err := redis.ParseURL(os.Getenv("READ_REDIS_URL"))

	if err != nil {
		slog.Error("Unable to read redis database",
			slog.String("error", err.Error()))

		panic(err)
	}

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

	defer db.Close()

	rRdb := redis.NewClient(&redis.Options{
		Addr:     readRedisOpts.Addr,
		Username: readRedisOpts.Username,
		Password: readRedisOpts.Password,
		DB:       readRedisOpts.DB,
		OnConnect: func(ctx context.Context, cn *redis.Conn) error {
			slog.Info("Read Connected")
			return nil
		},
	})

	if err := rRdb.Ping(context.Background()).Err(); err != nil {
		slog.Error("Read Redis Error",
			slog.String("error", err.Error()))
	}

	wRdb := redis.NewClient(&redis.Options{
		Addr:     writeRedisOpts.Addr,
		Username: writeRedisOpts.Username,
		Password: writeRedisOpts.Password,
		DB:       writeRedisOpts.DB,
		OnConnect: func(ctx context.Context, cn *redis.Conn) error {
			slog.Info("Write Connected")
			return nil
		},
	})

	if err := wRdb.Ping(context.Background()).Err(); err != nil {
		slog.Error("Write Redis Error",
			slog.String("error", err.Error()))
	}

	app := fiber.New(fiber.Config{
		Network:   "tcp",
		BodyLimit: 4 * 1024 * 1024,
	})

	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
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

	v1 := fiber.New()
	app.Mount("/v1", v1)

	v1.Use(func(c *fiber.Ctx) error {
		c.Accepts("application/json")
		return c.Next()
	})

	v1.Use(limiter.New(limiter.Config{
		Max:               300,
		Expiration:        1 * time.Minute,
		LimiterMiddleware: limiter.SlidingWindow{},
	}))

	v1.Use(jwtware.New(jwtware.Config{
		SuccessHandler: func(c *fiber.Ctx) error {
			lg.Info("jwt authorized ✅")
			return c.Next()
		},
		ErrorHandler: func(c *fiber.Ctx, h error) error {
			lg.Info("jwt unauthorized 👀")
			return c.Next()
		},
		SigningKey: jwtware.SigningKey{Key: []byte(os.Getenv("JWT_SECRET"))},
	}))

	v1.Use(func(c *fiber.Ctx) error {
		return handlers.AuthorizationREST(c, ctx, db, wRdb, rRdb, queue)
	})

	v1.Get("/events/:handle/messages", func(c *fiber.Ctx) error {
		return handlers.EventMessages(c, ctx, db, wRdb, rRdb, queue)
	})

	v1.Post("/events/:handle/messages", func(c *fiber.Ctx) error {
		return handlers.CreateMessage(c, ctx, db, wRdb, rRdb, queue)
	})

	port := ":3005"

	if envPort := os.Getenv("PORT"); envPort != "" {
		port = ":" + envPort
	}

	app.Listen(port)
}
