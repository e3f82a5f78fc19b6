// ABOUTME: Access to leftover columns written by older releases
// ABOUTME: Consumed by the migration pipeline, then cleared

package store

import (
	"context"
	"fmt"
)

// FetchLegacyReactions returns the raw legacy-reaction payload for every
// message that still carries one, keyed by message id. Older releases
// stored reactions as a JSON array on the message row; the migration
// pipeline lifts them into the reactions table and clears the column.
func (d *DB) FetchLegacyReactions(ctx context.Context) (map[int64]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, legacy_reactions FROM messages WHERE legacy_reactions IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("querying legacy reactions: %w", err)
	}
	defer rows.Close()

	payloads := make(map[int64]string)
	for rows.Next() {
		var id int64
		var raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scanning legacy reactions: %w", err)
		}
		payloads[id] = raw
	}
	return payloads, rows.Err()
}

// SetLegacyReactions writes a raw legacy-reaction payload onto a message,
// the way pre-normalization releases did. Exists for importing old data.
func (d *DB) SetLegacyReactions(ctx context.Context, messageID int64, raw string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE messages SET legacy_reactions = ? WHERE id = ?`, raw, messageID)
	if err != nil {
		return fmt.Errorf("setting legacy reactions: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearLegacyReactions removes the legacy payload from a message once its
// reactions have been lifted into the reactions table.
func (d *DB) ClearLegacyReactions(ctx context.Context, messageID int64) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE messages SET legacy_reactions = NULL WHERE id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("clearing legacy reactions: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
