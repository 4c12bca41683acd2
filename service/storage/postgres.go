package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// PgStore is the production MessageStore. Seq allocation happens inside the
// insert transaction via an upsert on room_seq, making the database the
// single serialization point across gateway processes.
//
// Expected schema:
//
//	CREATE TABLE room_seq (room_id text PRIMARY KEY, last_seq bigint NOT NULL);
//	CREATE TABLE messages (
//	    message_id uuid PRIMARY KEY,
//	    room_id    text NOT NULL,
//	    user_id    text NOT NULL,
//	    content    text NOT NULL,
//	    seq        bigint NOT NULL,
//	    created_at timestamptz NOT NULL,
//	    UNIQUE (room_id, seq)
//	);
//	CREATE TABLE room_members (room_id text NOT NULL, user_id text NOT NULL,
//	    PRIMARY KEY (room_id, user_id));
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(ctx context.Context, dsn string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "pg connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "pg ping")
	}
	return &PgStore{pool: pool}, nil
}

func (s *PgStore) PersistMessage(ctx context.Context, roomID, userID, content string) (Message, error) {
	m := Message{
		MessageID: uuid.NewString(),
		RoomID:    roomID,
		UserID:    userID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Message{}, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The upsert row-locks the room's counter, serializing seq allocation.
	err = tx.QueryRow(ctx, `
		INSERT INTO room_seq (room_id, last_seq) VALUES ($1, 1)
		ON CONFLICT (room_id) DO UPDATE SET last_seq = room_seq.last_seq + 1
		RETURNING last_seq`, roomID).Scan(&m.Seq)
	if err != nil {
		return Message{}, errors.Wrap(err, "allocate seq")
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (message_id, room_id, user_id, content, seq, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.MessageID, m.RoomID, m.UserID, m.Content, m.Seq, m.CreatedAt)
	if err != nil {
		return Message{}, errors.Wrap(err, "insert message")
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, errors.Wrap(err, "commit")
	}
	return m, nil
}

func (s *PgStore) FetchMessagesAfter(ctx context.Context, roomID string, afterSeq int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT message_id, room_id, user_id, content, seq, created_at
		FROM messages
		WHERE room_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3`, roomID, afterSeq, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query messages")
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MessageID, &m.RoomID, &m.UserID, &m.Content, &m.Seq, &m.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PgStore) FetchUserRooms(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT room_id FROM room_members WHERE user_id = $1 ORDER BY room_id`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "query rooms")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, errors.Wrap(err, "scan room")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PgStore) Close() { s.pool.Close() }
