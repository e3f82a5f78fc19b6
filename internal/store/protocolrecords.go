// ABOUTME: Raw protocol record rows: sessions, identities, pre-keys
// ABOUTME: Thin typed access over session_records/identity_records/prekeys tables

package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Records are opaque versioned blobs to this layer; the protocol layer
// owns their encoding. The identity column ("aci"/"pni") keeps the two
// session spaces apart.

// GetSessionRecord reads one session record.
func (d *DB) GetSessionRecord(ctx context.Context, identity, address string, deviceID uint32) ([]byte, error) {
	var record []byte
	err := d.db.QueryRowContext(ctx, `
		SELECT record FROM session_records WHERE identity = ? AND address = ? AND device_id = ?
	`, identity, address, deviceID).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session record: %w", err)
	}
	return record, nil
}

// PutSessionRecord stores one session record, replacing any previous one
// for the same (identity, address, device). At most one session exists per
// address and device.
func (d *DB) PutSessionRecord(ctx context.Context, identity, address string, deviceID uint32, record []byte) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO session_records (identity, address, device_id, record) VALUES (?, ?, ?, ?)
		ON CONFLICT (identity, address, device_id) DO UPDATE SET record = excluded.record
	`, identity, address, deviceID, record)
	if err != nil {
		return fmt.Errorf("storing session record: %w", err)
	}
	return nil
}

// DeleteSessionRecord removes one session record.
func (d *DB) DeleteSessionRecord(ctx context.Context, identity, address string, deviceID uint32) error {
	res, err := d.db.ExecContext(ctx, `
		DELETE FROM session_records WHERE identity = ? AND address = ? AND device_id = ?
	`, identity, address, deviceID)
	if err != nil {
		return fmt.Errorf("deleting session record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAllSessionRecords removes every session record for an address
// across all devices, returning how many were removed.
func (d *DB) DeleteAllSessionRecords(ctx context.Context, identity, address string) (int64, error) {
	res, err := d.db.ExecContext(ctx, `
		DELETE FROM session_records WHERE identity = ? AND address = ?
	`, identity, address)
	if err != nil {
		return 0, fmt.Errorf("deleting session records: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SessionRecordDevices lists the device ids with a session for an address.
func (d *DB) SessionRecordDevices(ctx context.Context, identity, address string) ([]uint32, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT device_id FROM session_records WHERE identity = ? AND address = ? ORDER BY device_id
	`, identity, address)
	if err != nil {
		return nil, fmt.Errorf("querying session devices: %w", err)
	}
	defer rows.Close()

	var devices []uint32
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning device id: %w", err)
		}
		devices = append(devices, id)
	}
	return devices, rows.Err()
}

// SessionRecordAddresses lists all addresses with session records for an
// identity space. Used by the migration pipeline.
func (d *DB) SessionRecordAddresses(ctx context.Context, identity string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT DISTINCT address FROM session_records WHERE identity = ? ORDER BY address
	`, identity)
	if err != nil {
		return nil, fmt.Errorf("querying session addresses: %w", err)
	}
	defer rows.Close()

	var addresses []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("scanning address: %w", err)
		}
		addresses = append(addresses, a)
	}
	return addresses, rows.Err()
}

// RekeySessionRecords moves all session records for an address to a new
// address key, preserving the records themselves. Fails with a constraint
// error if the target already has a record for the same device.
func (d *DB) RekeySessionRecords(ctx context.Context, identity, oldAddress, newAddress string) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE session_records SET address = ? WHERE identity = ? AND address = ?
	`, newAddress, identity, oldAddress)
	if err != nil {
		return fmt.Errorf("rekeying session records: %w", err)
	}
	return nil
}

// HasSessionRecords reports whether any session record exists for the
// address under the identity space.
func (d *DB) HasSessionRecords(ctx context.Context, identity, address string) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `
		SELECT count(*) FROM session_records WHERE identity = ? AND address = ?
	`, identity, address).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("counting session records: %w", err)
	}
	return n > 0, nil
}

// GetIdentityRecord reads the stored identity key for an address.
func (d *DB) GetIdentityRecord(ctx context.Context, identity, address string) ([]byte, error) {
	var record []byte
	err := d.db.QueryRowContext(ctx, `
		SELECT record FROM identity_records WHERE identity = ? AND address = ?
	`, identity, address).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying identity record: %w", err)
	}
	return record, nil
}

// PutIdentityRecord stores the identity key for an address, replacing any
// previous one. Returns true if a different key was replaced. The read and
// the upsert share one transaction so the replaced flag cannot be confused
// by a concurrent writer.
func (d *DB) PutIdentityRecord(ctx context.Context, identity, address string, record []byte) (bool, error) {
	var replaced bool
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var existing []byte
		err := tx.QueryRowContext(ctx, `
			SELECT record FROM identity_records WHERE identity = ? AND address = ?
		`, identity, address).Scan(&existing)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("querying identity record: %w", err)
		}
		replaced = existing != nil && !bytes.Equal(existing, record)

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO identity_records (identity, address, record) VALUES (?, ?, ?)
			ON CONFLICT (identity, address) DO UPDATE SET record = excluded.record
		`, identity, address, record); err != nil {
			return fmt.Errorf("storing identity record: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if replaced {
		d.logger.Warn("replaced identity key", "address", address, "space", identity)
	}
	return replaced, nil
}

// DeleteIdentityRecord removes the stored identity key for an address.
func (d *DB) DeleteIdentityRecord(ctx context.Context, identity, address string) error {
	res, err := d.db.ExecContext(ctx, `
		DELETE FROM identity_records WHERE identity = ? AND address = ?
	`, identity, address)
	if err != nil {
		return fmt.Errorf("deleting identity record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IdentityRecordAddresses lists all addresses with identity records for an
// identity space. Used by the migration pipeline.
func (d *DB) IdentityRecordAddresses(ctx context.Context, identity string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT address FROM identity_records WHERE identity = ? ORDER BY address
	`, identity)
	if err != nil {
		return nil, fmt.Errorf("querying identity addresses: %w", err)
	}
	defer rows.Close()

	var addresses []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("scanning address: %w", err)
		}
		addresses = append(addresses, a)
	}
	return addresses, rows.Err()
}

// RekeyIdentityRecord moves the identity record for an address to a new
// address key.
func (d *DB) RekeyIdentityRecord(ctx context.Context, identity, oldAddress, newAddress string) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE identity_records SET address = ? WHERE identity = ? AND address = ?
	`, newAddress, identity, oldAddress)
	if err != nil {
		return fmt.Errorf("rekeying identity record: %w", err)
	}
	return nil
}

// GetPreKey reads a pre-key record by id.
func (d *DB) GetPreKey(ctx context.Context, id uint32) ([]byte, error) {
	return d.getKeyedRecord(ctx, "prekeys", id)
}

// PutPreKey stores a pre-key record.
func (d *DB) PutPreKey(ctx context.Context, id uint32, record []byte) error {
	return d.putKeyedRecord(ctx, "prekeys", id, record)
}

// DeletePreKey removes a pre-key record.
func (d *DB) DeletePreKey(ctx context.Context, id uint32) error {
	return d.deleteKeyedRecord(ctx, "prekeys", id)
}

// GetSignedPreKey reads a signed pre-key record by id.
func (d *DB) GetSignedPreKey(ctx context.Context, id uint32) ([]byte, error) {
	return d.getKeyedRecord(ctx, "signed_prekeys", id)
}

// PutSignedPreKey stores a signed pre-key record.
func (d *DB) PutSignedPreKey(ctx context.Context, id uint32, record []byte) error {
	return d.putKeyedRecord(ctx, "signed_prekeys", id, record)
}

// DeleteSignedPreKey removes a signed pre-key record.
func (d *DB) DeleteSignedPreKey(ctx context.Context, id uint32) error {
	return d.deleteKeyedRecord(ctx, "signed_prekeys", id)
}

func (d *DB) getKeyedRecord(ctx context.Context, table string, id uint32) ([]byte, error) {
	var record []byte
	err := d.db.QueryRowContext(ctx, `SELECT record FROM `+table+` WHERE id = ?`, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying %s %d: %w", table, id, err)
	}
	return record, nil
}

func (d *DB) putKeyedRecord(ctx context.Context, table string, id uint32, record []byte) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO `+table+` (id, record) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET record = excluded.record
	`, id, record)
	if err != nil {
		return fmt.Errorf("storing %s %d: %w", table, id, err)
	}
	return nil
}

func (d *DB) deleteKeyedRecord(ctx context.Context, table string, id uint32) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting %s %d: %w", table, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
