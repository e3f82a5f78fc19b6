// ABOUTME: Tests for the migration pipeline and its individual steps
// ABOUTME: Every step must be a no-op the second time it runs

package migrate

import (
	"context"
	"log/slog"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fjall/signalstore/internal/config"
	"github.com/fjall/signalstore/internal/keyfile"
	"github.com/fjall/signalstore/internal/protocol"
	"github.com/fjall/signalstore/internal/store"
)

func newTestEnv(t *testing.T) *Env {
	t.Helper()
	root := t.TempDir()

	db, err := store.Open(filepath.Join(root, "db", "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	legacy, err := protocol.NewFileStore(
		filepath.Join(root, "storage", "sessions"),
		filepath.Join(root, "storage", "identity"),
		nil,
	)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Storage.Root = root

	return &Env{
		Config:   cfg,
		DB:       db,
		Protocol: protocol.NewSQLStore(db),
		Legacy:   legacy,
		Logger:   slog.Default(),
	}
}

func seedLegacyFiles(t *testing.T, env *Env) *keyfile.Store {
	t.Helper()
	seed, err := keyfile.New(filepath.Join(env.Config.Storage.Root, "storage", "sessions"), nil)
	require.NoError(t, err)
	return seed
}

func TestWhoami_RoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	aci, pni := uuid.New(), uuid.New()
	env.Config.SetTel("+32474000000")
	env.Config.SetACI(aci)
	env.Config.SetPNI(pni)
	env.Config.SetDeviceID(2)

	require.NoError(t, whoamiStep{}.Run(ctx, env))

	// A fresh config against the same database learns the identity back.
	fresh := &config.Config{}
	fresh.Storage.Root = env.Config.Storage.Root
	env2 := *env
	env2.Config = fresh
	require.NoError(t, whoamiStep{}.Run(ctx, &env2))

	require.Equal(t, "+32474000000", fresh.Tel())
	require.Equal(t, aci, fresh.ACI())
	require.Equal(t, pni, fresh.PNI())
	require.Equal(t, uint32(2), fresh.DeviceID())
}

func TestWhoami_UnknownIdentityIsFine(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, whoamiStep{}.Run(context.Background(), env))
	require.Empty(t, env.Config.Tel())
	require.Equal(t, uuid.Nil, env.Config.ACI())
}

func TestSessionsToDB(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	seed := seedLegacyFiles(t, env)
	require.NoError(t, seed.Put("+32474000001_1", []byte("session-record")))
	idSeed, err := keyfile.New(filepath.Join(env.Config.Storage.Root, "storage", "identity"), nil)
	require.NoError(t, err)
	require.NoError(t, idSeed.Put("remote_+32474000001", []byte("identity-key")))

	require.NoError(t, sessionsToDBStep{}.Run(ctx, env))

	addr := protocol.Address{Name: "+32474000001", DeviceID: 1}
	record, err := env.Protocol.LoadSession(ctx, protocol.IdentityACI, addr)
	require.NoError(t, err)
	require.Equal(t, []byte("session-record"), record)

	key, err := env.Protocol.GetIdentity(ctx, protocol.IdentityACI, "+32474000001")
	require.NoError(t, err)
	require.Equal(t, []byte("identity-key"), key)

	// The files are gone, and a second run has nothing to do.
	remaining, err := env.Legacy.SessionAddresses()
	require.NoError(t, err)
	require.Empty(t, remaining)
	require.NoError(t, sessionsToDBStep{}.Run(ctx, env))
}

func TestSessionsToDB_DatabaseRowWins(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	addr := protocol.Address{Name: "+32474000002", DeviceID: 1}
	require.NoError(t, env.Protocol.StoreSession(ctx, protocol.IdentityACI, addr, []byte("db-record")))

	// A stale file left over from an interrupted earlier run must not
	// overwrite the migrated row; it just gets cleaned up.
	seed := seedLegacyFiles(t, env)
	require.NoError(t, seed.Put("+32474000002_1", []byte("stale-file-record")))

	require.NoError(t, sessionsToDBStep{}.Run(ctx, env))

	record, err := env.Protocol.LoadSession(ctx, protocol.IdentityACI, addr)
	require.NoError(t, err)
	require.Equal(t, []byte("db-record"), record)

	remaining, err := env.Legacy.SessionAddresses()
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestE164ToUUID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	aci := uuid.New()
	phone := "+32474000003"
	_, err := env.DB.MergeAndFetchRecipient(ctx, &phone, &aci, store.TrustCertain)
	require.NoError(t, err)

	require.NoError(t, env.DB.PutSessionRecord(ctx, "aci", phone, 1, []byte("record")))
	_, err = env.DB.PutIdentityRecord(ctx, "aci", phone, []byte("key"))
	require.NoError(t, err)

	require.NoError(t, e164ToUUIDStep{}.Run(ctx, env))

	got, err := env.DB.GetSessionRecord(ctx, "aci", aci.String(), 1)
	require.NoError(t, err)
	require.Equal(t, []byte("record"), got)
	_, err = env.DB.GetSessionRecord(ctx, "aci", phone, 1)
	require.ErrorIs(t, err, store.ErrNotFound)

	key, err := env.DB.GetIdentityRecord(ctx, "aci", aci.String())
	require.NoError(t, err)
	require.Equal(t, []byte("key"), key)

	require.NoError(t, e164ToUUIDStep{}.Run(ctx, env))
}

func TestE164ToUUID_ConflictKeepsData(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	aci := uuid.New()
	phone := "+32474000004"
	_, err := env.DB.MergeAndFetchRecipient(ctx, &phone, &aci, store.TrustCertain)
	require.NoError(t, err)

	// Records exist under both keys: rekeying would collide, so both stay.
	require.NoError(t, env.DB.PutSessionRecord(ctx, "aci", phone, 1, []byte("phone-keyed")))
	require.NoError(t, env.DB.PutSessionRecord(ctx, "aci", aci.String(), 1, []byte("uuid-keyed")))

	require.NoError(t, e164ToUUIDStep{}.Run(ctx, env))

	got, err := env.DB.GetSessionRecord(ctx, "aci", phone, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("phone-keyed"), got)
	got, err = env.DB.GetSessionRecord(ctx, "aci", aci.String(), 1)
	require.NoError(t, err)
	require.Equal(t, []byte("uuid-keyed"), got)
}

func TestE164ToUUID_NoMappingYet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// No recipient row pairs this phone with a uuid: records stay put.
	require.NoError(t, env.DB.PutSessionRecord(ctx, "aci", "+32474000005", 1, []byte("record")))
	require.NoError(t, e164ToUUIDStep{}.Run(ctx, env))

	_, err := env.DB.GetSessionRecord(ctx, "aci", "+32474000005", 1)
	require.NoError(t, err)
}

func TestGroupV2ExpectedIDs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	group := &store.GroupV1{ID: "00112233445566778899aabbccddeeff", Name: "migrating"}
	_, err := env.DB.FetchOrInsertSessionByGroupV1(ctx, group)
	require.NoError(t, err)

	require.NoError(t, groupV2ExpectedIDsStep{}.Run(ctx, env))

	stored, err := env.DB.FetchGroupV1(ctx, group.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ExpectedV2ID)
	require.Len(t, *stored.ExpectedV2ID, 64, "a v2 id is 32 bytes hex-encoded")

	// The derivation is deterministic and the step idempotent.
	first := *stored.ExpectedV2ID
	require.NoError(t, groupV2ExpectedIDsStep{}.Run(ctx, env))
	stored, err = env.DB.FetchGroupV1(ctx, group.ID)
	require.NoError(t, err)
	require.Equal(t, first, *stored.ExpectedV2ID)

	again, err := expectedGroupV2ID(group.ID)
	require.NoError(t, err)
	require.Equal(t, first, again)
}

func TestNormalizeReactions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	aci := uuid.New()
	msg, _, err := env.DB.ProcessMessage(ctx, store.NewMessage{
		SourceACI:       &aci,
		Text:            "legacy reactions attached",
		ServerTimestamp: time.UnixMilli(1_700_000_400_000).UTC(),
	}, nil)
	require.NoError(t, err)
	author := *msg.SenderRecipientID

	require.NoError(t, env.DB.SetLegacyReactions(ctx, msg.ID,
		`[{"author_id": `+strconv.FormatInt(author, 10)+`, "emoji": "👍", "sent_at": 1700000000000}]`))

	require.NoError(t, normalizeReactionsStep{}.Run(ctx, env))

	reactions, err := env.DB.FetchReactionsForMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, reactions, 1)
	require.Equal(t, "👍", reactions[0].Emoji)
	require.Equal(t, author, reactions[0].AuthorRecipientID)

	// The column is cleared and reruns find nothing.
	payloads, err := env.DB.FetchLegacyReactions(ctx)
	require.NoError(t, err)
	require.Empty(t, payloads)
	require.NoError(t, normalizeReactionsStep{}.Run(ctx, env))
}

func TestNormalizeReactions_BadPayloadStays(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	aci := uuid.New()
	msg, _, err := env.DB.ProcessMessage(ctx, store.NewMessage{
		SourceACI:       &aci,
		Text:            "corrupt payload",
		ServerTimestamp: time.UnixMilli(1_700_000_401_000).UTC(),
	}, nil)
	require.NoError(t, err)
	require.NoError(t, env.DB.SetLegacyReactions(ctx, msg.ID, `{not json`))

	require.NoError(t, normalizeReactionsStep{}.Run(ctx, env))

	payloads, err := env.DB.FetchLegacyReactions(ctx)
	require.NoError(t, err)
	require.Contains(t, payloads, msg.ID, "unparseable payloads are kept for inspection")
}

func TestPipeline_RunTwice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	seed := seedLegacyFiles(t, env)
	require.NoError(t, seed.Put("+32474000006_1", []byte("session-record")))
	env.Config.SetTel("+32474000000")

	p := NewPipeline()
	require.NoError(t, p.Run(ctx, env))
	require.NoError(t, p.Run(ctx, env))

	record, err := env.Protocol.LoadSession(ctx, protocol.IdentityACI,
		protocol.Address{Name: "+32474000006", DeviceID: 1})
	require.NoError(t, err)
	require.Equal(t, []byte("session-record"), record)
}
