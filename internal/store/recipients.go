// ABOUTME: Recipient rows and the identity reconciliation engine
// ABOUTME: MergeAndFetchRecipient turns partial phone/uuid evidence into one canonical row

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const recipientColumns = `id, e164, uuid, username, email, blocked,
	profile_given_name, profile_family_name, profile_key, profile_key_credential,
	avatar, last_profile_fetch, unidentified_access_mode, storage_service_id`

// queryRower is satisfied by both *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanRecipient(row rowScanner) (*Recipient, error) {
	var r Recipient
	var e164, aci, username, email, givenName, familyName, avatar sql.NullString
	var lastFetch sql.NullInt64

	err := row.Scan(
		&r.ID, &e164, &aci, &username, &email, &r.Blocked,
		&givenName, &familyName, &r.ProfileKey, &r.ProfileKeyCredential,
		&avatar, &lastFetch, &r.UnidentifiedAccessMode, &r.StorageServiceID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning recipient: %w", err)
	}

	if e164.Valid {
		r.E164 = &e164.String
	}
	if aci.Valid {
		parsed, err := uuid.Parse(aci.String)
		if err != nil {
			return nil, fmt.Errorf("parsing recipient uuid %q: %w", aci.String, err)
		}
		r.ACI = &parsed
	}
	if username.Valid {
		r.Username = &username.String
	}
	if email.Valid {
		r.Email = &email.String
	}
	if givenName.Valid {
		r.ProfileGivenName = &givenName.String
	}
	if familyName.Valid {
		r.ProfileFamilyName = &familyName.String
	}
	if avatar.Valid {
		r.Avatar = &avatar.String
	}
	r.LastProfileFetch = timePtr(lastFetch)

	return &r, nil
}

func fetchRecipientBy(ctx context.Context, q queryRower, where string, arg any) (*Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients WHERE ` + where
	return scanRecipient(q.QueryRowContext(ctx, query, arg))
}

// FetchRecipient retrieves a recipient by id.
func (d *DB) FetchRecipient(ctx context.Context, id int64) (*Recipient, error) {
	return fetchRecipientBy(ctx, d.db, "id = ?", id)
}

// FetchRecipientByE164 retrieves a recipient by phone number.
func (d *DB) FetchRecipientByE164(ctx context.Context, e164 string) (*Recipient, error) {
	return fetchRecipientBy(ctx, d.db, "e164 = ?", e164)
}

// FetchRecipientByACI retrieves a recipient by UUID.
func (d *DB) FetchRecipientByACI(ctx context.Context, aci uuid.UUID) (*Recipient, error) {
	return fetchRecipientBy(ctx, d.db, "uuid = ?", aci.String())
}

// FetchRecipients returns all recipients ordered by id.
func (d *DB) FetchRecipients(ctx context.Context) ([]*Recipient, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+recipientColumns+` FROM recipients ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying recipients: %w", err)
	}
	defer rows.Close()

	var recipients []*Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating recipients: %w", err)
	}
	return recipients, nil
}

// SetRecipientBlocked toggles the blocked flag.
func (d *DB) SetRecipientBlocked(ctx context.Context, id int64, blocked bool) error {
	res, err := d.db.ExecContext(ctx, `UPDATE recipients SET blocked = ? WHERE id = ?`, blocked, id)
	if err != nil {
		return fmt.Errorf("updating blocked flag: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertProfile records the result of a profile fetch for a recipient.
func (d *DB) UpsertProfile(ctx context.Context, id int64, givenName, familyName *string, profileKey []byte, fetchedAt time.Time) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE recipients
		SET profile_given_name = ?, profile_family_name = ?, profile_key = ?, last_profile_fetch = ?
		WHERE id = ?
	`, givenName, familyName, profileKey, millis(fetchedAt), id)
	if err != nil {
		return fmt.Errorf("updating profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	d.logger.Debug("updated recipient profile", "recipient_id", id)
	return nil
}

// SetUnidentifiedAccessMode records the sealed-sender access state.
func (d *DB) SetUnidentifiedAccessMode(ctx context.Context, id int64, mode UnidentifiedAccessMode) error {
	res, err := d.db.ExecContext(ctx, `UPDATE recipients SET unidentified_access_mode = ? WHERE id = ?`, mode, id)
	if err != nil {
		return fmt.Errorf("updating unidentified access mode: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MergeAndFetchRecipient is the single entry point that turns partial
// identity evidence into one canonical recipient row.
//
// UUIDs are permanent and act as the merge anchor; phone numbers are
// reassignable by carriers and must never silently overwrite a
// uuid-confirmed identity. Under TrustCertain (authenticated server
// evidence) identifiers may be added, moved between rows, and rows merged;
// under TrustUncertain (inferred evidence) no existing row is ever
// mutated.
func (d *DB) MergeAndFetchRecipient(ctx context.Context, e164 *string, aci *uuid.UUID, trust TrustLevel) (*Recipient, error) {
	if e164 == nil && aci == nil {
		return nil, errors.New("merge requires at least one identifier")
	}

	var result *Recipient
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = d.mergeAndFetchTx(ctx, tx, e164, aci, trust)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (d *DB) mergeAndFetchTx(ctx context.Context, tx *sql.Tx, e164 *string, aci *uuid.UUID, trust TrustLevel) (*Recipient, error) {
	var byPhone, byUUID *Recipient
	var err error

	if e164 != nil {
		byPhone, err = fetchRecipientBy(ctx, tx, "e164 = ?", *e164)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if aci != nil {
		byUUID, err = fetchRecipientBy(ctx, tx, "uuid = ?", aci.String())
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	switch {
	case byPhone != nil && byUUID != nil:
		if byPhone.ID == byUUID.ID {
			// Idempotent no-op: the pairing is already on file.
			return byUUID, nil
		}
		return d.resolveConflictTx(ctx, tx, byPhone, byUUID, *e164, trust)

	case byUUID != nil:
		if e164 == nil || trust != TrustCertain {
			// An uncertain pairing never contaminates a confirmed identity.
			return byUUID, nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE recipients SET e164 = ? WHERE id = ?`, *e164, byUUID.ID); err != nil {
			return nil, fmt.Errorf("adding e164 to recipient %d: %w", byUUID.ID, err)
		}
		d.logger.Debug("added phone number to recipient", "recipient_id", byUUID.ID)
		return fetchRecipientBy(ctx, tx, "id = ?", byUUID.ID)

	case byPhone != nil:
		if aci == nil {
			return byPhone, nil
		}
		if trust != TrustCertain {
			// Find-or-create keyed by the uuid alone; the phone row stays
			// untouched. The uuid lookup above already missed, so create.
			return d.insertRecipientTx(ctx, tx, nil, aci)
		}
		if byPhone.ACI == nil {
			if _, err := tx.ExecContext(ctx, `UPDATE recipients SET uuid = ? WHERE id = ?`, aci.String(), byPhone.ID); err != nil {
				return nil, fmt.Errorf("adding uuid to recipient %d: %w", byPhone.ID, err)
			}
			d.logger.Debug("added uuid to recipient", "recipient_id", byPhone.ID)
			return fetchRecipientBy(ctx, tx, "id = ?", byPhone.ID)
		}
		// The phone row is already confirmed with a different uuid. The
		// phone has been reassigned: it moves to a fresh row for the new
		// uuid and the old row keeps only its uuid.
		d.logger.Warn("phone number reassigned to new uuid",
			"old_recipient_id", byPhone.ID, "new_uuid", aci.String())
		if _, err := tx.ExecContext(ctx, `UPDATE recipients SET e164 = NULL WHERE id = ?`, byPhone.ID); err != nil {
			return nil, fmt.Errorf("clearing e164 on recipient %d: %w", byPhone.ID, err)
		}
		return d.insertRecipientTx(ctx, tx, e164, aci)

	default:
		if trust == TrustCertain {
			return d.insertRecipientTx(ctx, tx, e164, aci)
		}
		// Uncertain pairings are not recorded: key the new row by the more
		// authoritative identifier only.
		if aci != nil {
			return d.insertRecipientTx(ctx, tx, nil, aci)
		}
		return d.insertRecipientTx(ctx, tx, e164, nil)
	}
}

// resolveConflictTx handles phone and uuid resolving to two different rows.
func (d *DB) resolveConflictTx(ctx context.Context, tx *sql.Tx, byPhone, byUUID *Recipient, e164 string, trust TrustLevel) (*Recipient, error) {
	if trust != TrustCertain {
		// No change to either row; the uuid row wins because a phone
		// number can move between people over time, a uuid cannot.
		d.logger.Debug("uncertain identity conflict left unresolved",
			"phone_recipient_id", byPhone.ID, "uuid_recipient_id", byUUID.ID)
		return byUUID, nil
	}

	if byPhone.ACI == nil {
		// The phone row carries nothing else of identity value: fold it
		// into the uuid row so one row holds both identifiers.
		d.logger.Info("merging recipients",
			"winner_id", byUUID.ID, "loser_id", byPhone.ID)
		if err := d.mergeRecipientRowsTx(ctx, tx, byUUID.ID, byPhone.ID); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE recipients SET e164 = ? WHERE id = ?`, e164, byUUID.ID); err != nil {
			return nil, fmt.Errorf("moving e164 to recipient %d: %w", byUUID.ID, err)
		}
		return fetchRecipientBy(ctx, tx, "id = ?", byUUID.ID)
	}

	// Both rows are uuid-confirmed: this is a deliberate phone
	// re-assignment. The old row keeps its uuid only. Historical messages
	// authored under the old identity are not re-attributed; known
	// limitation, matching upstream behavior.
	d.logger.Warn("moving phone number between confirmed recipients",
		"from_recipient_id", byPhone.ID, "to_recipient_id", byUUID.ID)
	if _, err := tx.ExecContext(ctx, `UPDATE recipients SET e164 = NULL WHERE id = ?`, byPhone.ID); err != nil {
		return nil, fmt.Errorf("clearing e164 on recipient %d: %w", byPhone.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE recipients SET e164 = ? WHERE id = ?`, e164, byUUID.ID); err != nil {
		return nil, fmt.Errorf("moving e164 to recipient %d: %w", byUUID.ID, err)
	}
	return fetchRecipientBy(ctx, tx, "id = ?", byUUID.ID)
}

func (d *DB) insertRecipientTx(ctx context.Context, tx *sql.Tx, e164 *string, aci *uuid.UUID) (*Recipient, error) {
	var aciStr *string
	if aci != nil {
		s := aci.String()
		aciStr = &s
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO recipients (e164, uuid) VALUES (?, ?)`, e164, aciStr)
	if err != nil {
		return nil, fmt.Errorf("inserting recipient: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("getting recipient id: %w", err)
	}
	d.logger.Debug("created recipient", "recipient_id", id,
		"has_e164", e164 != nil, "has_uuid", aci != nil)
	return fetchRecipientBy(ctx, tx, "id = ?", id)
}

// mergeRecipientRowsTx remaps every reference from the losing row to the
// winning row, merges their direct sessions, and deletes the loser. History
// survives the merge.
func (d *DB) mergeRecipientRowsTx(ctx context.Context, tx *sql.Tx, winnerID, loserID int64) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET sender_recipient_id = ? WHERE sender_recipient_id = ?`, winnerID, loserID); err != nil {
		return fmt.Errorf("remapping message senders: %w", err)
	}

	// Reactions, receipts and group memberships have composite primary
	// keys including the recipient: move what moves cleanly, drop the
	// loser's duplicates.
	for _, stmt := range []struct{ update, cleanup, what string }{
		{
			`UPDATE OR IGNORE reactions SET author_recipient_id = ? WHERE author_recipient_id = ?`,
			`DELETE FROM reactions WHERE author_recipient_id = ?`,
			"reactions",
		},
		{
			`UPDATE OR IGNORE receipts SET recipient_id = ? WHERE recipient_id = ?`,
			`DELETE FROM receipts WHERE recipient_id = ?`,
			"receipts",
		},
		{
			`UPDATE OR IGNORE group_v1_members SET recipient_id = ? WHERE recipient_id = ?`,
			`DELETE FROM group_v1_members WHERE recipient_id = ?`,
			"group v1 memberships",
		},
		{
			`UPDATE OR IGNORE group_v2_members SET recipient_id = ? WHERE recipient_id = ?`,
			`DELETE FROM group_v2_members WHERE recipient_id = ?`,
			"group v2 memberships",
		},
	} {
		if _, err := tx.ExecContext(ctx, stmt.update, winnerID, loserID); err != nil {
			return fmt.Errorf("remapping %s: %w", stmt.what, err)
		}
		if _, err := tx.ExecContext(ctx, stmt.cleanup, loserID); err != nil {
			return fmt.Errorf("cleaning up %s: %w", stmt.what, err)
		}
	}

	if err := d.mergeDirectSessionsTx(ctx, tx, winnerID, loserID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM recipients WHERE id = ?`, loserID); err != nil {
		return fmt.Errorf("deleting merged recipient %d: %w", loserID, err)
	}
	return nil
}

// mergeDirectSessionsTx moves the loser's direct session (and its
// messages) onto the winner.
func (d *DB) mergeDirectSessionsTx(ctx context.Context, tx *sql.Tx, winnerID, loserID int64) error {
	var loserSession int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM sessions WHERE direct_message_recipient_id = ?`, loserID).Scan(&loserSession)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("looking up loser session: %w", err)
	}

	var winnerSession int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM sessions WHERE direct_message_recipient_id = ?`, winnerID).Scan(&winnerSession)
	if errors.Is(err, sql.ErrNoRows) {
		// The winner has no direct session yet: retarget the loser's.
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET direct_message_recipient_id = ? WHERE id = ?`, winnerID, loserSession); err != nil {
			return fmt.Errorf("retargeting session %d: %w", loserSession, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("looking up winner session: %w", err)
	}

	// Both have direct sessions: fold the loser's messages into the
	// winner's session. Messages colliding on the dedup key are duplicates
	// of messages the winner already has; drop them with their dependents.
	if _, err := tx.ExecContext(ctx,
		`UPDATE OR IGNORE messages SET session_id = ? WHERE session_id = ?`, winnerSession, loserSession); err != nil {
		return fmt.Errorf("moving messages to session %d: %w", winnerSession, err)
	}
	for _, cleanup := range []string{
		`DELETE FROM reactions WHERE message_id IN (SELECT id FROM messages WHERE session_id = ?)`,
		`DELETE FROM receipts WHERE message_id IN (SELECT id FROM messages WHERE session_id = ?)`,
		`DELETE FROM attachments WHERE message_id IN (SELECT id FROM messages WHERE session_id = ?)`,
		`DELETE FROM messages WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, cleanup, loserSession); err != nil {
			return fmt.Errorf("cleaning up merged session %d: %w", loserSession, err)
		}
	}
	return nil
}
