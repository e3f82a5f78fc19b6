// ABOUTME: Tests for raw protocol record storage and the kv table
// ABOUTME: Covers identity-space separation, rekeying and counters

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionRecords(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	addr := "aaaabbbb-0000-0000-0000-000000000001"
	require.NoError(t, db.PutSessionRecord(ctx, "aci", addr, 1, []byte("record-1")))
	require.NoError(t, db.PutSessionRecord(ctx, "aci", addr, 2, []byte("record-2")))

	got, err := db.GetSessionRecord(ctx, "aci", addr, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("record-1"), got)

	// Replacement, not duplication.
	require.NoError(t, db.PutSessionRecord(ctx, "aci", addr, 1, []byte("record-1b")))
	got, err = db.GetSessionRecord(ctx, "aci", addr, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("record-1b"), got)

	devices, err := db.SessionRecordDevices(ctx, "aci", addr)
	require.NoError(t, err)
	require.Equal(t, []uint32{1, 2}, devices)

	ok, err := db.HasSessionRecords(ctx, "aci", addr)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, db.DeleteSessionRecord(ctx, "aci", addr, 1))
	require.ErrorIs(t, db.DeleteSessionRecord(ctx, "aci", addr, 1), ErrNotFound)

	n, err := db.DeleteAllSessionRecords(ctx, "aci", addr)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestSessionRecords_IdentitySpaces(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	addr := "aaaabbbb-0000-0000-0000-000000000002"
	require.NoError(t, db.PutSessionRecord(ctx, "aci", addr, 1, []byte("aci-session")))
	require.NoError(t, db.PutSessionRecord(ctx, "pni", addr, 1, []byte("pni-session")))

	aci, err := db.GetSessionRecord(ctx, "aci", addr, 1)
	require.NoError(t, err)
	pni, err := db.GetSessionRecord(ctx, "pni", addr, 1)
	require.NoError(t, err)
	require.NotEqual(t, aci, pni, "the two spaces never bleed into each other")

	n, err := db.DeleteAllSessionRecords(ctx, "aci", addr)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	_, err = db.GetSessionRecord(ctx, "pni", addr, 1)
	require.NoError(t, err)
}

func TestRekeySessionRecords(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutSessionRecord(ctx, "aci", "+32474300001", 1, []byte("legacy")))

	newAddr := "aaaabbbb-0000-0000-0000-000000000003"
	require.NoError(t, db.RekeySessionRecords(ctx, "aci", "+32474300001", newAddr))

	got, err := db.GetSessionRecord(ctx, "aci", newAddr, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("legacy"), got)
	_, err = db.GetSessionRecord(ctx, "aci", "+32474300001", 1)
	require.ErrorIs(t, err, ErrNotFound)

	addrs, err := db.SessionRecordAddresses(ctx, "aci")
	require.NoError(t, err)
	require.Equal(t, []string{newAddr}, addrs)
}

func TestIdentityRecords(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	addr := "aaaabbbb-0000-0000-0000-000000000004"
	replaced, err := db.PutIdentityRecord(ctx, "aci", addr, []byte("key-a"))
	require.NoError(t, err)
	require.False(t, replaced, "first sighting is not a replacement")

	replaced, err = db.PutIdentityRecord(ctx, "aci", addr, []byte("key-a"))
	require.NoError(t, err)
	require.False(t, replaced, "storing the same key again is not a replacement")

	replaced, err = db.PutIdentityRecord(ctx, "aci", addr, []byte("key-b"))
	require.NoError(t, err)
	require.True(t, replaced, "a changed key is a replacement")

	got, err := db.GetIdentityRecord(ctx, "aci", addr)
	require.NoError(t, err)
	require.Equal(t, []byte("key-b"), got)

	require.NoError(t, db.DeleteIdentityRecord(ctx, "aci", addr))
	_, err = db.GetIdentityRecord(ctx, "aci", addr)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPreKeys(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutPreKey(ctx, 7, []byte("prekey-7")))
	require.NoError(t, db.PutSignedPreKey(ctx, 7, []byte("signed-7")))

	// Same id, different tables.
	pk, err := db.GetPreKey(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, []byte("prekey-7"), pk)
	spk, err := db.GetSignedPreKey(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, []byte("signed-7"), spk)

	require.NoError(t, db.DeletePreKey(ctx, 7))
	_, err = db.GetPreKey(ctx, 7)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = db.GetSignedPreKey(ctx, 7)
	require.NoError(t, err)

	require.ErrorIs(t, db.DeleteSignedPreKey(ctx, 99), ErrNotFound)
}

func TestKV(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.GetKV(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.SetKV(ctx, "k", []byte("v1")))
	require.NoError(t, db.SetKV(ctx, "k", []byte("v2")))
	got, err := db.GetKV(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)

	require.NoError(t, db.DeleteKV(ctx, "k"))
	_, err = db.GetKV(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, db.DeleteKV(ctx, "k"))
}

func TestKVUint32(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SetKVUint32(ctx, "registration_id", 12345))
	got, err := db.GetKVUint32(ctx, "registration_id")
	require.NoError(t, err)
	require.Equal(t, uint32(12345), got)

	require.NoError(t, db.SetKV(ctx, "oddball", []byte("xyz")))
	_, err = db.GetKVUint32(ctx, "oddball")
	require.Error(t, err)
}

func TestIncrementKVUint32(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// A fresh counter starts at the given start value.
	got, err := db.IncrementKVUint32(ctx, "next_prekey_id", 100)
	require.NoError(t, err)
	require.Equal(t, uint32(100), got)

	got, err = db.IncrementKVUint32(ctx, "next_prekey_id", 100)
	require.NoError(t, err)
	require.Equal(t, uint32(101), got)

	got, err = db.IncrementKVUint32(ctx, "next_prekey_id", 100)
	require.NoError(t, err)
	require.Equal(t, uint32(102), got)
}
