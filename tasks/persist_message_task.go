package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	chathistory "github.com/macwilko/eventchat/chat_history"
	chatserver "github.com/macwilko/eventchat/chat_server"
)

const (
	TypePersistMessage = "chat:persist-message"
)

// NewPersistMessageTask queues one broadcast message for durable storage.
// Real-time delivery has already happened by the time this is enqueued;
// asynq owns the retry/backoff if the store is down.
func NewPersistMessageTask(msg chatserver.Message) (*asynq.Task, error) {
	payload, err := json.Marshal(msg)

	if err != nil {
		slog.Error("Unable to schedule message persist")
		slog.Error(err.Error())

		return nil, err
	}

	return asynq.NewTask(TypePersistMessage, payload, asynq.Queue("critical")), nil
}

func HandlePersistMessageTask(ctx context.Context, t *asynq.Task, store *chathistory.Store) error {
	var msg chatserver.Message

	if err := json.Unmarshal(t.Payload(), &msg); err != nil {
		slog.Error("Could not decode message persist payload")
		slog.Error(err.Error())

		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	if err := store.Append(ctx, msg); err != nil {
		slog.Error("Could not persist message, will retry",
			slog.String("server_id", msg.ServerID))

		return err
	}

	slog.Info("Persisted message ✅",
		slog.String("server_id", msg.ServerID))

	return nil
}
