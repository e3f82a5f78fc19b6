// ABOUTME: Reaction application and removal
// ABOUTME: One live reaction per (message, author); a later reaction replaces the former

package store

import (
	"context"
	"fmt"
	"time"
)

// ApplyReaction records a reaction, replacing any prior reaction from the
// same author on the same message.
func (d *DB) ApplyReaction(ctx context.Context, messageID, authorID int64, emoji string, sentAt time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO reactions (message_id, author_recipient_id, emoji, sent_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (message_id, author_recipient_id)
		DO UPDATE SET emoji = excluded.emoji, sent_at = excluded.sent_at
	`, messageID, authorID, emoji, millis(sentAt))
	if err != nil {
		return fmt.Errorf("applying reaction: %w", err)
	}
	d.logger.Debug("applied reaction", "message_id", messageID, "author_id", authorID)
	return nil
}

// RemoveReaction deletes the author's reaction on a message. A "remove"
// reaction deletes the row; no tombstone is kept.
func (d *DB) RemoveReaction(ctx context.Context, messageID, authorID int64) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM reactions WHERE message_id = ? AND author_recipient_id = ?`,
		messageID, authorID)
	if err != nil {
		return fmt.Errorf("removing reaction: %w", err)
	}
	return nil
}

// FetchReactionsForMessage returns the live reactions on a message.
func (d *DB) FetchReactionsForMessage(ctx context.Context, messageID int64) ([]*Reaction, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT message_id, author_recipient_id, emoji, sent_at
		FROM reactions WHERE message_id = ?
		ORDER BY sent_at ASC
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying reactions: %w", err)
	}
	defer rows.Close()

	var reactions []*Reaction
	for rows.Next() {
		var r Reaction
		var sentAt int64
		if err := rows.Scan(&r.MessageID, &r.AuthorRecipientID, &r.Emoji, &sentAt); err != nil {
			return nil, fmt.Errorf("scanning reaction: %w", err)
		}
		r.SentAt = time.UnixMilli(sentAt).UTC()
		reactions = append(reactions, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reactions: %w", err)
	}
	return reactions, nil
}
