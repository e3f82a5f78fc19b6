// ABOUTME: Session (conversation) lookup and creation for direct and group chats
// ABOUTME: Enforces the one-target-per-session tagged union at the application layer

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const sessionColumns = `id, direct_message_recipient_id, group_v1_id, group_v2_id,
	is_archived, is_pinned, is_silent, is_muted, draft_text, expiring_message_timeout`

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var direct sql.NullInt64
	var gv1, gv2, draft sql.NullString
	var timeout sql.NullInt64

	err := row.Scan(&s.ID, &direct, &gv1, &gv2,
		&s.IsArchived, &s.IsPinned, &s.IsSilent, &s.IsMuted, &draft, &timeout)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	if direct.Valid {
		s.DirectMessageRecipientID = &direct.Int64
	}
	if gv1.Valid {
		s.GroupV1ID = &gv1.String
	}
	if gv2.Valid {
		s.GroupV2ID = &gv2.String
	}
	if draft.Valid {
		s.DraftText = &draft.String
	}
	if timeout.Valid {
		s.ExpiringMessageTimeout = &timeout.Int64
	}
	return &s, nil
}

// FetchSession retrieves a session by id.
func (d *DB) FetchSession(ctx context.Context, id int64) (*Session, error) {
	return scanSession(d.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
}

// FetchSessions returns all sessions ordered by id.
func (d *DB) FetchSessions(ctx context.Context) ([]*Session, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

// FetchOrInsertSessionByRecipient resolves the direct conversation with a
// recipient, creating it on first reference.
func (d *DB) FetchOrInsertSessionByRecipient(ctx context.Context, recipientID int64) (*Session, error) {
	var result *Session
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = d.fetchOrInsertDirectSessionTx(ctx, tx, recipientID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (d *DB) fetchOrInsertDirectSessionTx(ctx context.Context, tx *sql.Tx, recipientID int64) (*Session, error) {
	s, err := scanSession(tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE direct_message_recipient_id = ?`, recipientID))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (direct_message_recipient_id) VALUES (?)`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("inserting direct session: %w", err)
	}
	id, _ := res.LastInsertId()
	d.logger.Debug("created direct session", "session_id", id, "recipient_id", recipientID)
	return scanSession(tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
}

// FetchSessionByE164 resolves the direct conversation with the recipient
// holding this phone number. Returns ErrNotFound if no such recipient or
// conversation exists; nothing is created.
func (d *DB) FetchSessionByE164(ctx context.Context, e164 string) (*Session, error) {
	r, err := d.FetchRecipientByE164(ctx, e164)
	if err != nil {
		return nil, err
	}
	return scanSession(d.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE direct_message_recipient_id = ?`, r.ID))
}

// FetchSessionByACI resolves the direct conversation with the recipient
// holding this service id. Returns ErrNotFound if no such recipient or
// conversation exists; nothing is created.
func (d *DB) FetchSessionByACI(ctx context.Context, aci uuid.UUID) (*Session, error) {
	r, err := d.FetchRecipientByACI(ctx, aci)
	if err != nil {
		return nil, err
	}
	return scanSession(d.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE direct_message_recipient_id = ?`, r.ID))
}

// FetchOrInsertSessionByGroupV1 resolves the conversation for a legacy
// group, upserting the group row first.
func (d *DB) FetchOrInsertSessionByGroupV1(ctx context.Context, group *GroupV1) (*Session, error) {
	var result *Session
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		if err := d.upsertGroupV1Tx(ctx, tx, group); err != nil {
			return err
		}
		var err error
		result, err = d.fetchOrInsertGroupSessionTx(ctx, tx, "group_v1_id", group.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// FetchOrInsertSessionByGroupV2 resolves the conversation for a v2 group,
// upserting the group row first.
func (d *DB) FetchOrInsertSessionByGroupV2(ctx context.Context, group *GroupV2) (*Session, error) {
	var result *Session
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		if err := d.upsertGroupV2Tx(ctx, tx, group); err != nil {
			return err
		}
		var err error
		result, err = d.fetchOrInsertGroupSessionTx(ctx, tx, "group_v2_id", group.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (d *DB) fetchOrInsertGroupSessionTx(ctx context.Context, tx *sql.Tx, column, groupID string) (*Session, error) {
	s, err := scanSession(tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE `+column+` = ?`, groupID))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (`+column+`) VALUES (?)`, groupID)
	if err != nil {
		return nil, fmt.Errorf("inserting group session: %w", err)
	}
	id, _ := res.LastInsertId()
	d.logger.Debug("created group session", "session_id", id, "group_id", groupID)
	return scanSession(tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
}

// SetSessionArchived toggles the archived flag.
func (d *DB) SetSessionArchived(ctx context.Context, id int64, archived bool) error {
	return d.updateSessionFlag(ctx, id, "is_archived", archived)
}

// SetSessionPinned toggles the pinned flag.
func (d *DB) SetSessionPinned(ctx context.Context, id int64, pinned bool) error {
	return d.updateSessionFlag(ctx, id, "is_pinned", pinned)
}

// SetSessionMuted toggles the muted flag.
func (d *DB) SetSessionMuted(ctx context.Context, id int64, muted bool) error {
	return d.updateSessionFlag(ctx, id, "is_muted", muted)
}

// SetSessionSilent toggles the silent flag.
func (d *DB) SetSessionSilent(ctx context.Context, id int64, silent bool) error {
	return d.updateSessionFlag(ctx, id, "is_silent", silent)
}

func (d *DB) updateSessionFlag(ctx context.Context, id int64, column string, value bool) error {
	res, err := d.db.ExecContext(ctx, `UPDATE sessions SET `+column+` = ? WHERE id = ?`, value, id)
	if err != nil {
		return fmt.Errorf("updating session %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSessionDraft stores (or clears, with nil) the draft text.
func (d *DB) SetSessionDraft(ctx context.Context, id int64, draft *string) error {
	res, err := d.db.ExecContext(ctx, `UPDATE sessions SET draft_text = ? WHERE id = ?`, draft, id)
	if err != nil {
		return fmt.Errorf("updating session draft: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSessionExpiringMessageTimeout stores the disappearing-message timeout
// in seconds; nil disables expiry.
func (d *DB) SetSessionExpiringMessageTimeout(ctx context.Context, id int64, seconds *int64) error {
	res, err := d.db.ExecContext(ctx, `UPDATE sessions SET expiring_message_timeout = ? WHERE id = ?`, seconds, id)
	if err != nil {
		return fmt.Errorf("updating session expiry timeout: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
