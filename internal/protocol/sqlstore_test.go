// ABOUTME: Tests for the database-backed protocol store
// ABOUTME: Covers identity-space separation, TOFU trust and pre-key counters

package protocol

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fjall/signalstore/internal/store"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db)
}

func TestSQLStore_Sessions(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()
	addr := Address{Name: "aaaabbbb-0000-0000-0000-000000000001", DeviceID: 1}

	_, err := s.LoadSession(ctx, IdentityACI, addr)
	require.ErrorIs(t, err, ErrNoSession)

	require.NoError(t, s.StoreSession(ctx, IdentityACI, addr, []byte("session-record")))
	got, err := s.LoadSession(ctx, IdentityACI, addr)
	require.NoError(t, err)
	require.Equal(t, []byte("session-record"), got)

	ok, err := s.ContainsSession(ctx, IdentityACI, addr)
	require.NoError(t, err)
	require.True(t, ok)

	// The PNI space knows nothing about it.
	ok, err = s.ContainsSession(ctx, IdentityPNI, addr)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.DeleteSession(ctx, IdentityACI, addr))
	require.ErrorIs(t, s.DeleteSession(ctx, IdentityACI, addr), ErrNoSession)
}

func TestSQLStore_DeleteAllSessions(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()
	name := "aaaabbbb-0000-0000-0000-000000000002"

	for _, device := range []uint32{1, 2, 3} {
		require.NoError(t, s.StoreSession(ctx, IdentityACI, Address{Name: name, DeviceID: device}, []byte("r")))
	}

	devices, err := s.SubDeviceSessions(ctx, IdentityACI, name)
	require.NoError(t, err)
	require.Equal(t, []uint32{1, 2, 3}, devices)

	n, err := s.DeleteAllSessions(ctx, IdentityACI, name)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	devices, err = s.SubDeviceSessions(ctx, IdentityACI, name)
	require.NoError(t, err)
	require.Empty(t, devices)
}

func TestSQLStore_IdentityTrust(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()
	name := "aaaabbbb-0000-0000-0000-000000000003"

	// Trust on first use: an unknown account is trusted with any key.
	trusted, err := s.IsTrustedIdentity(ctx, IdentityACI, name, []byte("key-a"))
	require.NoError(t, err)
	require.True(t, trusted)

	replaced, err := s.SaveIdentity(ctx, IdentityACI, name, []byte("key-a"))
	require.NoError(t, err)
	require.False(t, replaced)

	trusted, err = s.IsTrustedIdentity(ctx, IdentityACI, name, []byte("key-a"))
	require.NoError(t, err)
	require.True(t, trusted)

	trusted, err = s.IsTrustedIdentity(ctx, IdentityACI, name, []byte("key-b"))
	require.NoError(t, err)
	require.False(t, trusted, "a changed key is untrusted until saved")

	replaced, err = s.SaveIdentity(ctx, IdentityACI, name, []byte("key-b"))
	require.NoError(t, err)
	require.True(t, replaced)

	got, err := s.GetIdentity(ctx, IdentityACI, name)
	require.NoError(t, err)
	require.Equal(t, []byte("key-b"), got)

	_, err = s.GetIdentity(ctx, IdentityPNI, name)
	require.ErrorIs(t, err, ErrNoIdentity)
}

func TestSQLStore_ConcurrentSaveIdentity(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()
	name := "aaaabbbb-0000-0000-0000-000000000007"

	_, err := s.SaveIdentity(ctx, IdentityACI, name, []byte("key-old"))
	require.NoError(t, err)

	// Many writers race to store the same new key. Exactly one of them
	// must observe the old key and report the change; the rest see the
	// new key already in place.
	const writers = 16
	var replaced atomic.Int32
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := s.SaveIdentity(ctx, IdentityACI, name, []byte("key-new"))
			if err != nil {
				errs <- err
				return
			}
			if r {
				replaced.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, replaced.Load())

	got, err := s.GetIdentity(ctx, IdentityACI, name)
	require.NoError(t, err)
	require.Equal(t, []byte("key-new"), got)
}

func TestSQLStore_LocalState(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	_, err := s.GetLocalRegistrationID(ctx, IdentityACI)
	require.Error(t, err)

	require.NoError(t, s.SetLocalRegistrationID(ctx, IdentityACI, 5143))
	require.NoError(t, s.SetLocalRegistrationID(ctx, IdentityPNI, 9241))

	aci, err := s.GetLocalRegistrationID(ctx, IdentityACI)
	require.NoError(t, err)
	require.Equal(t, uint32(5143), aci)
	pni, err := s.GetLocalRegistrationID(ctx, IdentityPNI)
	require.NoError(t, err)
	require.Equal(t, uint32(9241), pni)

	require.NoError(t, s.SetIdentityKeyPair(ctx, IdentityACI, []byte("aci-pair")))
	pair, err := s.GetIdentityKeyPair(ctx, IdentityACI)
	require.NoError(t, err)
	require.Equal(t, []byte("aci-pair"), pair)

	_, err = s.GetIdentityKeyPair(ctx, IdentityPNI)
	require.Error(t, err)
}

func TestSQLStore_PreKeys(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	id, err := s.NextPreKeyID(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(firstPreKeyID), id)
	next, err := s.NextPreKeyID(ctx)
	require.NoError(t, err)
	require.Equal(t, id+1, next)

	require.NoError(t, s.StorePreKey(ctx, id, []byte("prekey")))
	ok, err := s.ContainsPreKey(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.LoadPreKey(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("prekey"), got)

	require.NoError(t, s.RemovePreKey(ctx, id))
	ok, err = s.ContainsPreKey(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)
	_, err = s.LoadPreKey(ctx, id)
	require.Error(t, err)
}

func TestSQLStore_SignedPreKeys(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	id, err := s.NextSignedPreKeyID(ctx)
	require.NoError(t, err)
	require.NoError(t, s.StoreSignedPreKey(ctx, id, []byte("signed")))

	got, err := s.LoadSignedPreKey(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("signed"), got)

	// Counter spaces are independent.
	preID, err := s.NextPreKeyID(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(firstPreKeyID), preID)

	require.NoError(t, s.RemoveSignedPreKey(ctx, id))
	ok, err := s.ContainsSignedPreKey(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)
}
