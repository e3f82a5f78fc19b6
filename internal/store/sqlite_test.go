// ABOUTME: Tests for database open, encryption key handling and schema upgrades
// ABOUTME: Covers wrong-password detection, reopen round-trips, integrity checks

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// newTestDB opens a fresh unencrypted database in a temp dir.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// requireCipher skips the test when the linked SQLite build cannot
// encrypt; key-handling behavior is untestable there beyond the refusal.
func requireCipher(t *testing.T) {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "probe.db"), make([]byte, 32))
	if errors.Is(err, ErrEncryptionUnavailable) {
		t.Skip("sqlite build has no cipher support")
	}
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func strPtr(s string) *string { return &s }

func uuidPtr(u uuid.UUID) *uuid.UUID { return &u }

func TestOpen_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "test.db")

	db, err := Open(path, nil)
	require.NoError(t, err)
	defer db.Close()

	_, err = os.Stat(path)
	require.NoError(t, err, "database file should exist")
}

func TestOpen_ReopenPreservesData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	db, err := Open(path, nil)
	require.NoError(t, err)
	aci := uuid.New()
	r, err := db.MergeAndFetchRecipient(ctx, strPtr("+32474000000"), uuidPtr(aci), TrustCertain)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path, nil)
	require.NoError(t, err)
	defer db.Close()

	got, err := db.FetchRecipient(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, "+32474000000", got.E164String())
	require.Equal(t, aci.String(), got.ACIString())
}

func TestOpen_Idempotent(t *testing.T) {
	// Schema creation and column upgrades must be safe to run on every open.
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		db, err := Open(path, nil)
		require.NoError(t, err)
		require.NoError(t, db.Close())
	}
}

func TestOpen_KeyedOrRefused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	db, err := Open(path, key)
	if err != nil {
		// Without a linked cipher the key must be refused outright, never
		// downgraded to a plaintext database that accepts any password.
		require.ErrorIs(t, err, ErrEncryptionUnavailable)
		return
	}

	_, err = db.MergeAndFetchRecipient(ctx, strPtr("+32474222333"), nil, TrustCertain)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// With a real cipher nothing recognizable reaches the disk.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "+32474222333")
	require.NotContains(t, string(raw), "recipients")
}

func TestOpen_WrongKey(t *testing.T) {
	requireCipher(t)
	path := filepath.Join(t.TempDir(), "test.db")

	rightKey := make([]byte, 32)
	for i := range rightKey {
		rightKey[i] = byte(i)
	}
	db, err := Open(path, rightKey)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	wrongKey := make([]byte, 32)
	for i := range wrongKey {
		wrongKey[i] = byte(255 - i)
	}
	_, err = Open(path, wrongKey)
	require.ErrorIs(t, err, ErrWrongPassword)

	// The right key still works.
	db, err = Open(path, rightKey)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestVerifyIntegrity_Clean(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	aci := uuid.New()
	r, err := db.MergeAndFetchRecipient(ctx, strPtr("+32474111111"), uuidPtr(aci), TrustCertain)
	require.NoError(t, err)
	s, err := db.FetchOrInsertSessionByRecipient(ctx, r.ID)
	require.NoError(t, err)
	_, err = db.CreateMessage(ctx, &Message{
		SessionID:       s.ID,
		Text:            strPtr("hello"),
		ServerTimestamp: time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, db.VerifyIntegrity(ctx))
}

func TestTimeRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	ts := time.Date(2023, 6, 15, 12, 30, 45, 123_000_000, time.UTC)
	aci := uuid.New()
	r, err := db.MergeAndFetchRecipient(ctx, nil, uuidPtr(aci), TrustCertain)
	require.NoError(t, err)
	s, err := db.FetchOrInsertSessionByRecipient(ctx, r.ID)
	require.NoError(t, err)

	m, err := db.CreateMessage(ctx, &Message{
		SessionID:       s.ID,
		ServerTimestamp: ts,
		SentTimestamp:   &ts,
	})
	require.NoError(t, err)

	// Times survive storage at millisecond precision.
	require.Equal(t, ts, m.ServerTimestamp)
	require.Equal(t, ts, *m.SentTimestamp)
}
