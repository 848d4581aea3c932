package store

import (
	"context"
	_ "embed"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

//go:embed schema.sql
var schemaSQL string

// DBTX is the subset of pgxpool.Pool used by Postgres.
type DBTX interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres stores messages through pgx.
type Postgres struct {
	db DBTX
}

// NewPostgres wraps an open pool or connection.
func NewPostgres(db DBTX) *Postgres {
	return &Postgres{db: db}
}

// Connect opens a pool for databaseURL and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return pool, nil
}

// EnsureSchema creates the tables the gateway writes to if they are missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	return nil
}

const (
	insertConversationSQL = `
INSERT INTO conversations (sender_id, receiver_id)
VALUES ($1, $2)
ON CONFLICT ((LEAST(sender_id, receiver_id)), (GREATEST(sender_id, receiver_id))) DO NOTHING`

	selectConversationSQL = `
SELECT id FROM conversations
WHERE LEAST(sender_id, receiver_id) = LEAST($1::bigint, $2::bigint)
  AND GREATEST(sender_id, receiver_id) = GREATEST($1::bigint, $2::bigint)`

	insertMessageSQL = `
INSERT INTO messages (conversation_id, sender_id, content, message_type)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at`

	insertStatusSQL = `
INSERT INTO message_status (message_id, user_id, status)
VALUES ($1, $2, $3)`

	selectAvatarSQL = `SELECT COALESCE(profile_pic, '') FROM users WHERE id = $1`
)

// SendMessage appends a message from sender to recipient in one
// transaction: the conversation between the pair is created on first use
// and a "sent" status row is written for the recipient. The returned
// message references the committed row.
func (p *Postgres) SendMessage(ctx context.Context, senderID, recipientID int64, content, messageType string) (*Message, error) {
	if messageType == "" {
		messageType = DefaultMessageType
	}
	msg := &Message{
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		MessageType: messageType,
	}

	err := pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertConversationSQL, senderID, recipientID); err != nil {
			return errors.Wrap(err, "create conversation")
		}
		if err := tx.QueryRow(ctx, selectConversationSQL, senderID, recipientID).Scan(&msg.ConversationID); err != nil {
			return errors.Wrap(err, "load conversation")
		}
		if err := tx.QueryRow(ctx, insertMessageSQL, msg.ConversationID, senderID, content, messageType).
			Scan(&msg.ID, &msg.CreatedAt); err != nil {
			return errors.Wrap(err, "insert message")
		}
		if _, err := tx.Exec(ctx, insertStatusSQL, msg.ID, recipientID, StatusSent); err != nil {
			return errors.Wrap(err, "insert message status")
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	return msg, nil
}

// SenderAvatar returns the profile picture URL of userID, or "" when the
// user has none or does not exist.
func (p *Postgres) SenderAvatar(ctx context.Context, userID int64) (string, error) {
	var url string
	err := p.db.QueryRow(ctx, selectAvatarSQL, userID).Scan(&url)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", unavailable(errors.Wrapf(err, "load avatar of user %d", userID))
	}
	return url, nil
}

// unavailable tags err with ErrStoreUnavailable while keeping the driver
// error reachable through errors.As.
func unavailable(err error) error {
	return &storeError{cause: err}
}

type storeError struct{ cause error }

func (e *storeError) Error() string { return ErrStoreUnavailable.Error() + ": " + e.cause.Error() }
func (e *storeError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.cause}
}
