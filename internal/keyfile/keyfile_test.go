// ABOUTME: Tests for the encrypted key-value file store
// ABOUTME: Covers round-trips, not-found vs corrupt distinction, and overwrites

package keyfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fjall/signalstore/internal/crypto"
)

func setupTestStore(t *testing.T, password string) *Store {
	t.Helper()

	var keys *crypto.StorageKeys
	if password != "" {
		var err error
		keys, err = crypto.DeriveKeys(password, []byte{9, 8, 7, 6, 5, 4, 3, 2})
		require.NoError(t, err)
	}

	store, err := New(filepath.Join(t.TempDir(), "identity"), keys)
	require.NoError(t, err)
	return store
}

func TestStore_PutGet(t *testing.T) {
	store := setupTestStore(t, "hunter2")

	require.NoError(t, store.Put("http_password", []byte("s3cret")))

	got, err := store.Get("http_password")
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), got)
}

func TestStore_GetMissing(t *testing.T) {
	store := setupTestStore(t, "hunter2")

	_, err := store.Get("signaling_key")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_CorruptIsNotNotFound(t *testing.T) {
	store := setupTestStore(t, "hunter2")

	require.NoError(t, store.Put("identity_key", []byte("keypair")))

	// Flip a byte on disk to corrupt the MAC.
	path := filepath.Join(store.Dir(), "identity_key")
	blob, err := os.ReadFile(path)
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, blob, 0600))

	_, err = store.Get("identity_key")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, crypto.ErrMacMismatch)
}

func TestStore_EncryptedOnDisk(t *testing.T) {
	store := setupTestStore(t, "hunter2")

	require.NoError(t, store.Put("signaling_key", []byte("very secret material")))

	raw, err := os.ReadFile(filepath.Join(store.Dir(), "signaling_key"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "very secret material")
}

func TestStore_PlaintextMode(t *testing.T) {
	store := setupTestStore(t, "")

	require.NoError(t, store.Put("http_password", []byte("plain")))

	raw, err := os.ReadFile(filepath.Join(store.Dir(), "http_password"))
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), raw)

	got, err := store.Get("http_password")
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), got)
}

func TestStore_Overwrite(t *testing.T) {
	store := setupTestStore(t, "hunter2")

	require.NoError(t, store.Put("http_password", []byte("first")))
	require.NoError(t, store.Put("http_password", []byte("second")))

	got, err := store.Get("http_password")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
}

func TestStore_DeleteAndList(t *testing.T) {
	store := setupTestStore(t, "hunter2")

	require.NoError(t, store.Put("a", []byte("1")))
	require.NoError(t, store.Put("b", []byte("2")))

	names, err := store.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names)

	require.NoError(t, store.Delete("a"))
	require.NoError(t, store.Delete("a"), "deleting a missing secret is a no-op")

	_, err = store.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)
}
