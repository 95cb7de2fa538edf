package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/xo/dburl"

	chathistory "github.com/macwilko/eventchat/chat_history"
	"github.com/macwilko/eventchat/tasks"
	"github.com/redis/go-redis/v9"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
)

func main() {
	lg := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(lg)

	slog.Info("🚀 Starting scheduler ✅")

	if len(os.Getenv("PORT")) > 0 {
		time.Sleep(4 * time.Second)
	}

	godotenv.Load("../.env")

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

	writeRedisOpts, err := redis.ParseURL(os.Getenv("WRITE_REDIS_URL"))

	if err != nil {
		slog.Error("Unable to read redis database",
			slog.String("error", err.Error()))

		panic(err)
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Network:  writeRedisOpts.Network,
			Addr:     writeRedisOpts.Addr,
			Username: writeRedisOpts.Username,
			Password: writeRedisOpts.Password,
			DB:       writeRedisOpts.DB,
		},
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
		},
	)

	store := chathistory.NewStore(db)

	mux := asynq.NewServeMux()

	mux.HandleFunc(tasks.TypePersistMessage, func(ctx context.Context, t *asynq.Task) error {
		return tasks.HandlePersistMessageTask(ctx, t, store)
	})

	if err := srv.Run(mux); err != nil {
		slog.Error("Scheduler crashed",
			slog.String("error", err.Error()))
	}
}
