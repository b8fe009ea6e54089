package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
)

// MessageStore persists generated messages.
type MessageStore struct {
	db DB
}

// NewMessageStore wraps a pool.
func NewMessageStore(db DB) *MessageStore {
	return &MessageStore{db: db}
}

// DeleteAll purges every message.
func (s *MessageStore) DeleteAll(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM messages`); err != nil {
		return fmt.Errorf("purge messages: %w", err)
	}
	return nil
}

// Insert stores the message unless its industry/signal pair already has one.
func (s *MessageStore) Insert(ctx context.Context, msg pipeline.Message) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO messages (industry_id, signal_id, message_text) VALUES ($1, $2, $3)
		ON CONFLICT (industry_id, signal_id) DO NOTHING`,
		msg.IndustryID, msg.SignalID, msg.Text,
	)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListSince returns messages created at or after since ordered by id.
func (s *MessageStore) ListSince(ctx context.Context, since time.Time) ([]pipeline.Message, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, industry_id, signal_id, message_text, delivered_user_ids, created_at
		FROM messages WHERE created_at >= $1 ORDER BY id`, since)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []pipeline.Message
	for rows.Next() {
		var m pipeline.Message
		if err := rows.Scan(&m.ID, &m.IndustryID, &m.SignalID, &m.Text, &m.DeliveredUserIDs, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// MarkDelivered appends the user to the delivered set in a single statement so
// concurrent senders cannot record the same recipient twice.
func (s *MessageStore) MarkDelivered(ctx context.Context, messageID, userID int64) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE messages SET delivered_user_ids = array_append(delivered_user_ids, $2)
		WHERE id = $1 AND NOT ($2 = ANY (delivered_user_ids))`,
		messageID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("mark message %d delivered to %d: %w", messageID, userID, err)
	}
	return tag.RowsAffected() == 1, nil
}
