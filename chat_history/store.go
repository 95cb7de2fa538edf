// Package chathistory is the sqlx-backed History Store collaborator.
// Appends arrive through the asynq worker, off the rooms' critical path;
// LoadRecent serves the subscribe-time backfill.
package chathistory

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/exp/slog"

	chatserver "github.com/macwilko/eventchat/chat_server"
	"github.com/macwilko/eventchat/db/event_chat_db/model"
)

type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Append writes one message through. server_id is unique, so a replayed
// append (asynq retry, reconciliation job) is a no-op.
func (st *Store) Append(ctx context.Context, msg chatserver.Message) error {
	iq := `
	INSERT INTO event_messages
	(created_at, room_id, server_id, client_temp_id, sender_id, text, sequence, server_ts)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE server_id = server_id`

	var tempID sql.NullString

	if msg.ClientTempID != "" {
		tempID = sql.NullString{String: msg.ClientTempID, Valid: true}
	}

	_, err := st.db.ExecContext(ctx, iq, time.Now(), msg.RoomID, msg.ServerID, tempID,
		msg.SenderID, msg.Content, msg.Sequence, msg.ServerTimestamp)

	if err != nil {
		slog.Error("Couldn't append message, db error 💀",
			slog.String("server_id", msg.ServerID),
			slog.String("error", err.Error()))

		return err
	}

	return nil
}

// LoadRecent returns the newest limit messages for a room in ascending
// sequence order, ready to stream to a fresh subscriber.
func (st *Store) LoadRecent(ctx context.Context, roomID string, limit int) ([]chatserver.Message, error) {
	rows := []model.EventMessages{}

	sq := `
	SELECT *
	FROM event_messages
	WHERE room_id = ?
	ORDER BY sequence DESC
	LIMIT ?`

	err := st.db.SelectContext(ctx, &rows, sq, roomID, limit)

	if err != nil {
		return nil, err
	}

	msgs := make([]chatserver.Message, len(rows))

	for i, row := range rows {
		msgs[len(rows)-1-i] = row.ToChatMessage()
	}

	return msgs, nil
}

// PageForRoom serves the REST history endpoint, newest page first.
func (st *Store) PageForRoom(ctx context.Context, roomID string, page int, perPage int) ([]model.EventMessages, error) {
	rows := []model.EventMessages{}

	sq := `
	SELECT *
	FROM event_messages
	WHERE room_id = ?
	ORDER BY sequence DESC
	LIMIT ? OFFSET ?`

	err := st.db.SelectContext(ctx, &rows, sq, roomID, perPage, page*perPage)

	if err != nil {
		return nil, err
	}

	return rows, nil
}
