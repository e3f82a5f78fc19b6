// ABOUTME: Message ingestion, dedup and soft deletion
// ABOUTME: ProcessMessage resolves sender and session before persisting

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const messageColumns = `id, session_id, text, sender_recipient_id,
	received_timestamp, sent_timestamp, server_timestamp,
	is_read, is_outbound, flags, expires_in, expiry_started,
	sending_has_failed, is_remote_deleted`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var text sql.NullString
	var sender, received, sent, expiresIn, expiryStarted sql.NullInt64
	var serverTS int64

	err := row.Scan(&m.ID, &m.SessionID, &text, &sender,
		&received, &sent, &serverTS,
		&m.IsRead, &m.IsOutbound, &m.Flags, &expiresIn, &expiryStarted,
		&m.SendingHasFailed, &m.IsRemoteDeleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	if text.Valid {
		m.Text = &text.String
	}
	if sender.Valid {
		m.SenderRecipientID = &sender.Int64
	}
	m.ReceivedTimestamp = timePtr(received)
	m.SentTimestamp = timePtr(sent)
	m.ServerTimestamp = time.UnixMilli(serverTS).UTC()
	if expiresIn.Valid {
		m.ExpiresIn = &expiresIn.Int64
	}
	m.ExpiryStartedAt = timePtr(expiryStarted)
	return &m, nil
}

// FetchMessage retrieves a message by id.
func (d *DB) FetchMessage(ctx context.Context, id int64) (*Message, error) {
	return scanMessage(d.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
}

// FetchAllMessages returns every message in a session in server-timestamp
// order. Soft-deleted rows are included; they still count.
func (d *DB) FetchAllMessages(ctx context.Context, sessionID int64) ([]*Message, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? ORDER BY server_timestamp ASC, id ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return messages, nil
}

// ProcessMessage ingests a message: the sender is resolved through
// recipient reconciliation (at Uncertain trust, since envelope metadata is
// only inferred evidence), the owning session is resolved from the group
// context, the pinned session id, or the sender's direct conversation, and
// the message is inserted or deduplicated.
//
// A message with no resolvable sender and no session to attach to returns
// ErrNoSender: an inbound message must always carry sender evidence.
func (d *DB) ProcessMessage(ctx context.Context, nm NewMessage, group *GroupContext) (*Message, *Session, error) {
	var sender *Recipient
	if nm.SourceE164 != nil || nm.SourceACI != nil {
		var err error
		sender, err = d.MergeAndFetchRecipient(ctx, nm.SourceE164, nm.SourceACI, TrustUncertain)
		if err != nil {
			return nil, nil, fmt.Errorf("resolving sender: %w", err)
		}
	}

	var session *Session
	var err error
	switch {
	case group != nil && group.V1 != nil:
		session, err = d.FetchOrInsertSessionByGroupV1(ctx, group.V1)
	case group != nil && group.V2 != nil:
		session, err = d.FetchOrInsertSessionByGroupV2(ctx, group.V2)
	case nm.SessionID != nil:
		session, err = d.FetchSession(ctx, *nm.SessionID)
	case sender != nil:
		session, err = d.FetchOrInsertSessionByRecipient(ctx, sender.ID)
	default:
		return nil, nil, ErrNoSender
	}
	if err != nil {
		return nil, nil, fmt.Errorf("resolving session: %w", err)
	}

	msg := &Message{
		SessionID:         session.ID,
		ReceivedTimestamp: nm.ReceivedAt,
		SentTimestamp:     nm.SentAt,
		ServerTimestamp:   nm.ServerTimestamp,
		IsRead:            nm.IsRead,
		IsOutbound:        nm.IsOutbound,
		Flags:             nm.Flags,
		ExpiresIn:         nm.ExpiresIn,
	}
	if nm.Text != "" {
		msg.Text = &nm.Text
	}
	if sender != nil {
		msg.SenderRecipientID = &sender.ID
	}

	stored, err := d.CreateMessage(ctx, msg)
	if err != nil {
		return nil, nil, err
	}
	return stored, session, nil
}

// CreateMessage inserts a message, or updates the existing row when one
// already exists for (session, server timestamp, direction). A message
// arriving twice never duplicates.
func (d *DB) CreateMessage(ctx context.Context, msg *Message) (*Message, error) {
	var result *Message
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var existingID int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM messages WHERE session_id = ? AND server_timestamp = ? AND is_outbound = ?`,
			msg.SessionID, millis(msg.ServerTimestamp), msg.IsOutbound).Scan(&existingID)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			res, err := tx.ExecContext(ctx, `
				INSERT INTO messages (session_id, text, sender_recipient_id,
					received_timestamp, sent_timestamp, server_timestamp,
					is_read, is_outbound, flags, expires_in, expiry_started,
					sending_has_failed, is_remote_deleted)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, msg.SessionID, msg.Text, msg.SenderRecipientID,
				millisPtr(msg.ReceivedTimestamp), millisPtr(msg.SentTimestamp), millis(msg.ServerTimestamp),
				msg.IsRead, msg.IsOutbound, msg.Flags, msg.ExpiresIn, millisPtr(msg.ExpiryStartedAt),
				msg.SendingHasFailed, msg.IsRemoteDeleted)
			if err != nil {
				return fmt.Errorf("inserting message: %w", err)
			}
			id, _ := res.LastInsertId()
			d.logger.Debug("created message", "message_id", id, "session_id", msg.SessionID)
			result, err = scanMessage(tx.QueryRowContext(ctx,
				`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
			return err

		case err != nil:
			return fmt.Errorf("checking for duplicate message: %w", err)

		default:
			_, err := tx.ExecContext(ctx, `
				UPDATE messages
				SET text = ?, sender_recipient_id = COALESCE(?, sender_recipient_id),
					received_timestamp = COALESCE(?, received_timestamp),
					sent_timestamp = COALESCE(?, sent_timestamp),
					is_read = is_read OR ?, flags = ?
				WHERE id = ?
			`, msg.Text, msg.SenderRecipientID,
				millisPtr(msg.ReceivedTimestamp), millisPtr(msg.SentTimestamp),
				msg.IsRead, msg.Flags, existingID)
			if err != nil {
				return fmt.Errorf("updating duplicate message %d: %w", existingID, err)
			}
			d.logger.Debug("updated duplicate message", "message_id", existingID)
			result, err = scanMessage(tx.QueryRowContext(ctx,
				`SELECT `+messageColumns+` FROM messages WHERE id = ?`, existingID))
			return err
		}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteMessage soft-deletes a message: the text is cleared, reactions are
// removed, and the remote-deleted flag is set. The row is retained so
// message counts and ordering stay stable.
func (d *DB) DeleteMessage(ctx context.Context, id int64) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET text = NULL, is_remote_deleted = 1 WHERE id = ?
		`, id)
		if err != nil {
			return fmt.Errorf("soft-deleting message %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM reactions WHERE message_id = ?`, id); err != nil {
			return fmt.Errorf("removing reactions for message %d: %w", id, err)
		}
		d.logger.Debug("soft-deleted message", "message_id", id)
		return nil
	})
}

// MarkMessageSent records a successful send.
func (d *DB) MarkMessageSent(ctx context.Context, id int64, sentAt time.Time) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE messages SET sent_timestamp = ?, sending_has_failed = 0 WHERE id = ?`,
		millis(sentAt), id)
	if err != nil {
		return fmt.Errorf("marking message sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkMessageSendFailed records a failed send.
func (d *DB) MarkMessageSendFailed(ctx context.Context, id int64) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE messages SET sending_has_failed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("marking message failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkMessageRead sets the read flag.
func (d *DB) MarkMessageRead(ctx context.Context, id int64) error {
	res, err := d.db.ExecContext(ctx, `UPDATE messages SET is_read = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("marking message read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// StartMessageExpiry stamps the expiry start time for an expiring message,
// if it has a timeout and no expiry has started yet.
func (d *DB) StartMessageExpiry(ctx context.Context, id int64, at time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE messages SET expiry_started = ?
		WHERE id = ? AND expires_in IS NOT NULL AND expiry_started IS NULL
	`, millis(at), id)
	if err != nil {
		return fmt.Errorf("starting message expiry: %w", err)
	}
	return nil
}
