// ABOUTME: Small typed key-value rows: registration ids, identity key pairs, counters
// ABOUTME: Backs the protocol store's non-record state

package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
)

// GetKV reads a raw key-value entry. Returns ErrNotFound for missing keys.
func (d *DB) GetKV(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := d.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying kv %s: %w", key, err)
	}
	return value, nil
}

// SetKV writes a raw key-value entry, replacing any previous value.
func (d *DB) SetKV(ctx context.Context, key string, value []byte) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("writing kv %s: %w", key, err)
	}
	return nil
}

// DeleteKV removes a key-value entry. Missing keys are a no-op.
func (d *DB) DeleteKV(ctx context.Context, key string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting kv %s: %w", key, err)
	}
	return nil
}

// GetKVUint32 reads a key-value entry as a big-endian uint32.
func (d *DB) GetKVUint32(ctx context.Context, key string) (uint32, error) {
	value, err := d.GetKV(ctx, key)
	if err != nil {
		return 0, err
	}
	if len(value) != 4 {
		return 0, fmt.Errorf("kv %s holds %d bytes, expected 4", key, len(value))
	}
	return binary.BigEndian.Uint32(value), nil
}

// SetKVUint32 writes a key-value entry as a big-endian uint32.
func (d *DB) SetKVUint32(ctx context.Context, key string, value uint32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, value)
	return d.SetKV(ctx, key, buf)
}

// IncrementKVUint32 atomically returns the current counter value and
// stores value+1. A missing counter starts at start.
func (d *DB) IncrementKVUint32(ctx context.Context, key string, start uint32) (uint32, error) {
	var current uint32
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var raw []byte
		err := tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&raw)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			current = start
		case err != nil:
			return fmt.Errorf("reading counter %s: %w", key, err)
		case len(raw) != 4:
			return fmt.Errorf("counter %s holds %d bytes, expected 4", key, len(raw))
		default:
			current = binary.BigEndian.Uint32(raw)
		}

		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, current+1)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kv (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value
		`, key, buf); err != nil {
			return fmt.Errorf("advancing counter %s: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return current, nil
}
