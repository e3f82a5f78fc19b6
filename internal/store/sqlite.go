// ABOUTME: SQLite connection management with optional page-level encryption
// ABOUTME: Applies the key pragma, probes for wrong passwords, runs schema upgrades

package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB is the single relational database holding recipients, conversations,
// messages and raw protocol records.
//
// The connection pool is capped at one connection, so all database access
// is serialized per process. That trades throughput for simplicity and
// crash-consistency; nested query composition works because database/sql
// queues callers instead of deadlocking.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path. A non-nil key enables
// page-level encryption via the SQLCipher key pragma; a wrong key is
// detected by the unlock probe and surfaced as ErrWrongPassword before any
// row is readable. When the linked SQLite build has no cipher, a non-nil
// key is refused with ErrEncryptionUnavailable rather than silently
// stored in plaintext.
func Open(path string, key []byte) (*DB, error) {
	logger := slog.Default().With("component", "store")

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if len(key) > 0 {
		// A plain SQLite build ignores the key pragma and would happily
		// write plaintext. Refuse up front: cipher_version yields no rows
		// unless a cipher is actually linked in.
		var cipherVersion string
		err := db.QueryRow(`PRAGMA cipher_version`).Scan(&cipherVersion)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && cipherVersion == "") {
			db.Close()
			return nil, ErrEncryptionUnavailable
		}
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("probing cipher support: %w", err)
		}

		pragma := fmt.Sprintf(`PRAGMA key = "x'%s'"`, hex.EncodeToString(key))
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying database key: %w", err)
		}
	}

	// Unlock probe: with a wrong key the header does not decrypt and the
	// file reads as "not a database".
	var n int
	if err := db.QueryRow(`SELECT count(*) FROM sqlite_master`).Scan(&n); err != nil {
		db.Close()
		if strings.Contains(err.Error(), "not a database") {
			return nil, ErrWrongPassword
		}
		return nil, fmt.Errorf("probing database: %w", err)
	}

	s := &DB{db: db, logger: logger}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running schema migrations: %w", err)
	}

	logger.Info("database opened", "path", path, "encrypted", len(key) > 0)
	return s, nil
}

// runMigrations applies column upgrades for databases created by older
// releases. Idempotent; SQLite has no ADD COLUMN IF NOT EXISTS so each
// column is checked first.
func (d *DB) runMigrations() error {
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('messages') WHERE name = 'is_remote_deleted'`,
			apply:  `ALTER TABLE messages ADD COLUMN is_remote_deleted INTEGER NOT NULL DEFAULT 0`,
			column: "messages.is_remote_deleted",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('recipients') WHERE name = 'unidentified_access_mode'`,
			apply:  `ALTER TABLE recipients ADD COLUMN unidentified_access_mode INTEGER NOT NULL DEFAULT 0`,
			column: "recipients.unidentified_access_mode",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('recipients') WHERE name = 'storage_service_id'`,
			apply:  `ALTER TABLE recipients ADD COLUMN storage_service_id BLOB`,
			column: "recipients.storage_service_id",
		},
	}

	for _, m := range migrations {
		var exists int
		if err := d.db.QueryRow(m.check).Scan(&exists); err == nil {
			continue
		}
		if _, err := d.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding column %s: %w", m.column, err)
		}
		d.logger.Info("applied schema migration", "column", m.column)
	}

	return nil
}

// VerifyIntegrity checks foreign-key integrity across the whole database.
// Violations are reportable bugs, not something to silently repair: each
// one is logged and an error is returned naming the first offender.
func (d *DB) VerifyIntegrity(ctx context.Context) error {
	rows, err := d.db.QueryContext(ctx, `PRAGMA foreign_key_check`)
	if err != nil {
		return fmt.Errorf("running foreign key check: %w", err)
	}
	defer rows.Close()

	var first string
	count := 0
	for rows.Next() {
		var table string
		var rowid sql.NullInt64
		var parent string
		var fkid int
		if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return fmt.Errorf("scanning foreign key violation: %w", err)
		}
		count++
		if first == "" {
			first = fmt.Sprintf("%s row %d references missing %s", table, rowid.Int64, parent)
		}
		d.logger.Error("foreign key violation", "table", table, "rowid", rowid.Int64, "parent", parent)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating foreign key violations: %w", err)
	}

	if count > 0 {
		return fmt.Errorf("database integrity violated: %d foreign key violations, first: %s", count, first)
	}
	return nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	d.logger.Info("closing database")
	return d.db.Close()
}

// withTx runs fn in a transaction, committing on nil error.
func (d *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			d.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// millis converts a time to epoch milliseconds for storage.
func millis(t time.Time) int64 {
	return t.UnixMilli()
}

// millisPtr converts an optional time to optional epoch milliseconds.
func millisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UnixMilli()
	return &v
}

// timePtr converts optional epoch milliseconds back to an optional time.
func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
