package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bizchat/server/chat/domain"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS direct_messages (
	message_id   UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	sender_id    TEXT NOT NULL,
	sender_name  TEXT NOT NULL DEFAULT '',
	recipient_id TEXT NOT NULL,
	topic        TEXT NOT NULL DEFAULT '',
	body         TEXT NOT NULL,
	is_read      BOOLEAN NOT NULL DEFAULT FALSE,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_direct_messages_sender ON direct_messages(sender_id, created_at);
CREATE INDEX IF NOT EXISTS idx_direct_messages_recipient ON direct_messages(recipient_id, created_at);
CREATE INDEX IF NOT EXISTS idx_direct_messages_unread ON direct_messages(recipient_id, sender_id) WHERE NOT is_read;
`

const messageColumns = `message_id::text, sender_id, sender_name, recipient_id, topic, body, is_read, created_at`

type Postgres struct {
	pool  *pgxpool.Pool
	limit int
}

func NewPostgres(pool *pgxpool.Pool, limit int) *Postgres {
	if limit <= 0 {
		limit = DefaultSnapshotLimit
	}
	return &Postgres{pool: pool, limit: limit}
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure message schema: %w", err)
	}
	return nil
}

func (p *Postgres) Append(ctx context.Context, draft domain.MessageDraft) (domain.Message, error) {
	if err := validateDraft(draft); err != nil {
		return domain.Message{}, err
	}
	msg := domain.Message{
		SenderID:    draft.SenderID,
		SenderName:  draft.SenderName,
		RecipientID: draft.RecipientID,
		Topic:       strings.TrimSpace(draft.Topic),
		Body:        draft.Body,
	}
	err := p.pool.QueryRow(ctx, `
		INSERT INTO direct_messages(sender_id, sender_name, recipient_id, topic, body)
		VALUES($1, $2, $3, $4, $5)
		RETURNING message_id::text, created_at
	`, msg.SenderID, msg.SenderName, msg.RecipientID, msg.Topic, msg.Body).Scan(&msg.ID, &msg.Timestamp)
	if err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (p *Postgres) FetchConversation(ctx context.Context, userA, userB string) ([]domain.Message, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM direct_messages
		WHERE (sender_id=$1 AND recipient_id=$2) OR (sender_id=$2 AND recipient_id=$1)
		ORDER BY created_at ASC, message_id ASC
	`, userA, userB)
	if err != nil {
		return nil, fmt.Errorf("fetch conversation: %w", err)
	}
	return scanMessages(rows)
}

// BatchMarkRead flags every unread message from filter.Sender to
// filter.Recipient and returns how many rows changed.
func (p *Postgres) BatchMarkRead(ctx context.Context, filter domain.ReadFilter) (int64, error) {
	cmd, err := p.pool.Exec(ctx, `
		UPDATE direct_messages
		SET is_read=TRUE
		WHERE sender_id=$1 AND recipient_id=$2 AND NOT is_read
	`, filter.Sender, filter.Recipient)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return cmd.RowsAffected(), nil
}

// Snapshot returns the latest messages matching filter, oldest first.
func (p *Postgres) Snapshot(ctx context.Context, filter domain.StreamFilter) ([]domain.Message, error) {
	column := ""
	switch filter.By {
	case domain.BySender:
		column = "sender_id"
	case domain.ByRecipient:
		column = "recipient_id"
	default:
		return nil, fmt.Errorf("unknown stream role %q", filter.By)
	}
	rows, err := p.pool.Query(ctx, `
		SELECT * FROM (
			SELECT `+messageColumns+`
			FROM direct_messages
			WHERE `+column+`=$1
			ORDER BY created_at DESC, message_id DESC
			LIMIT $2
		) latest
		ORDER BY created_at ASC, message_id ASC
	`, filter.UserID, p.limit)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s stream: %w", filter.By, err)
	}
	return scanMessages(rows)
}

func scanMessages(rows pgx.Rows) ([]domain.Message, error) {
	defer rows.Close()
	items := make([]domain.Message, 0)
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.SenderName, &m.RecipientID, &m.Topic, &m.Body, &m.Read, &m.Timestamp); err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}
