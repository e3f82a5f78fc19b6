// ABOUTME: The standard migration steps, in pipeline order
// ABOUTME: File-to-db session moves, address rekeying, group and reaction backfills

package migrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/fjall/signalstore/internal/protocol"
	"github.com/fjall/signalstore/internal/store"
)

// kv keys for the account's own identifiers.
const (
	kvSelfE164     = "self_e164"
	kvSelfACI      = "self_aci"
	kvSelfPNI      = "self_pni"
	kvSelfDeviceID = "self_device_id"
)

// whoamiStep syncs the account's own identifiers between the config cell
// and the database. Values known to the config are persisted; values only
// on disk are loaded back, so identity survives restarts.
type whoamiStep struct{}

func (whoamiStep) Name() string { return "whoami" }

func (whoamiStep) Run(ctx context.Context, env *Env) error {
	if tel := env.Config.Tel(); tel != "" {
		if err := env.DB.SetKV(ctx, kvSelfE164, []byte(tel)); err != nil {
			return err
		}
	} else if v, err := env.DB.GetKV(ctx, kvSelfE164); err == nil {
		env.Config.SetTel(string(v))
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	for _, id := range []struct {
		key string
		get func() uuid.UUID
		set func(uuid.UUID)
	}{
		{kvSelfACI, env.Config.ACI, env.Config.SetACI},
		{kvSelfPNI, env.Config.PNI, env.Config.SetPNI},
	} {
		if u := id.get(); u != uuid.Nil {
			if err := env.DB.SetKV(ctx, id.key, []byte(u.String())); err != nil {
				return err
			}
			continue
		}
		v, err := env.DB.GetKV(ctx, id.key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		u, err := uuid.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parsing stored %s: %w", id.key, err)
		}
		id.set(u)
	}

	if deviceID := env.Config.DeviceID(); deviceID != 0 {
		return env.DB.SetKVUint32(ctx, kvSelfDeviceID, deviceID)
	}
	v, err := env.DB.GetKVUint32(ctx, kvSelfDeviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	env.Config.SetDeviceID(v)
	return nil
}

// sessionsToDBStep drains the legacy file-per-record protocol store into
// the database, one address at a time. Each file is deleted only after its
// row is in the database, so an interrupted run resumes where it stopped.
type sessionsToDBStep struct{}

func (sessionsToDBStep) Name() string { return "sessions-to-db" }

func (sessionsToDBStep) Run(ctx context.Context, env *Env) error {
	if env.Legacy == nil {
		return nil
	}

	addrs, err := env.Legacy.SessionAddresses()
	if err != nil {
		return fmt.Errorf("listing legacy sessions: %w", err)
	}
	for _, addr := range addrs {
		exists, err := env.Protocol.ContainsSession(ctx, protocol.IdentityACI, addr)
		if err != nil {
			return err
		}
		if !exists {
			record, err := env.Legacy.LoadSession(addr)
			if err != nil {
				return fmt.Errorf("loading legacy session %s: %w", addr, err)
			}
			if err := env.Protocol.StoreSession(ctx, protocol.IdentityACI, addr, record); err != nil {
				return fmt.Errorf("storing session %s: %w", addr, err)
			}
		}
		if err := env.Legacy.DeleteSession(addr); err != nil {
			return err
		}
		env.Logger.Info("migrated legacy session to database", "address", addr.String())
	}

	names, err := env.Legacy.IdentityNames()
	if err != nil {
		return fmt.Errorf("listing legacy identities: %w", err)
	}
	for _, name := range names {
		_, err := env.Protocol.GetIdentity(ctx, protocol.IdentityACI, name)
		if errors.Is(err, protocol.ErrNoIdentity) {
			key, err := env.Legacy.LoadIdentity(name)
			if err != nil {
				return fmt.Errorf("loading legacy identity %s: %w", name, err)
			}
			if _, err := env.Protocol.SaveIdentity(ctx, protocol.IdentityACI, name, key); err != nil {
				return fmt.Errorf("storing identity %s: %w", name, err)
			}
		} else if err != nil {
			return err
		}
		if err := env.Legacy.DeleteIdentity(name); err != nil {
			return err
		}
		env.Logger.Info("migrated legacy identity to database", "name", name)
	}
	return nil
}

// e164ToUUIDStep rekeys phone-number-keyed protocol records onto the UUID
// of the recipient once that mapping is known. A record whose target
// address already has rows is left in place with a warning; nothing is
// ever dropped here.
type e164ToUUIDStep struct{}

func (e164ToUUIDStep) Name() string { return "e164-to-uuid" }

func (e164ToUUIDStep) Run(ctx context.Context, env *Env) error {
	space := protocol.IdentityACI.String()

	addrs, err := env.DB.SessionRecordAddresses(ctx, space)
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		target, ok, err := uuidForPhone(ctx, env, addr)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		occupied, err := env.DB.HasSessionRecords(ctx, space, target)
		if err != nil {
			return err
		}
		if occupied {
			env.Logger.Warn("uuid already has session records, keeping phone-keyed rows",
				"phone", addr, "uuid", target)
			continue
		}
		if err := env.DB.RekeySessionRecords(ctx, space, addr, target); err != nil {
			return err
		}
		env.Logger.Info("rekeyed session records to uuid", "phone", addr, "uuid", target)
	}

	idAddrs, err := env.DB.IdentityRecordAddresses(ctx, space)
	if err != nil {
		return err
	}
	for _, addr := range idAddrs {
		target, ok, err := uuidForPhone(ctx, env, addr)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if _, err := env.DB.GetIdentityRecord(ctx, space, target); err == nil {
			env.Logger.Warn("uuid already has an identity record, keeping phone-keyed row",
				"phone", addr, "uuid", target)
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := env.DB.RekeyIdentityRecord(ctx, space, addr, target); err != nil {
			return err
		}
		env.Logger.Info("rekeyed identity record to uuid", "phone", addr, "uuid", target)
	}
	return nil
}

// uuidForPhone resolves a phone-keyed record address to the recipient's
// uuid, when both exist.
func uuidForPhone(ctx context.Context, env *Env, addr string) (string, bool, error) {
	if !strings.HasPrefix(addr, "+") {
		return "", false, nil
	}
	r, err := env.DB.FetchRecipientByE164(ctx, addr)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if r.ACI == nil {
		return "", false, nil
	}
	return r.ACI.String(), true, nil
}

// groupV2ExpectedIDsStep backfills the v2 group id each v1 group would
// migrate to, so the arrival of that v2 group can be matched up later.
type groupV2ExpectedIDsStep struct{}

func (groupV2ExpectedIDsStep) Name() string { return "groupv2-expected-ids" }

func (g groupV2ExpectedIDsStep) Run(ctx context.Context, env *Env) error {
	ids, err := env.DB.FetchGroupV1sWithoutExpectedV2ID(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		expected, err := expectedGroupV2ID(id)
		if err != nil {
			env.Logger.Warn("cannot derive expected v2 id", "group_v1_id", id, "error", err)
			continue
		}
		if err := env.DB.SetGroupV1ExpectedV2ID(ctx, id, expected); err != nil {
			return err
		}
		env.Logger.Info("computed expected v2 group id", "group_v1_id", id)
	}
	return nil
}

// expectedGroupV2ID derives the v2 group id a v1 group migrates to: a
// 32-byte HKDF expansion of the v1 group id.
func expectedGroupV2ID(groupV1ID string) (string, error) {
	seed, err := hex.DecodeString(groupV1ID)
	if err != nil {
		return "", fmt.Errorf("decoding v1 group id: %w", err)
	}
	derived := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, seed, nil, []byte("GV2 Migration")), derived); err != nil {
		return "", fmt.Errorf("deriving v2 group id: %w", err)
	}
	return hex.EncodeToString(derived), nil
}

// legacyReaction is the JSON shape older releases stored on message rows.
type legacyReaction struct {
	AuthorID int64  `json:"author_id"`
	Emoji    string `json:"emoji"`
	SentAt   int64  `json:"sent_at"`
}

// normalizeReactionsStep lifts legacy per-message reaction payloads into
// the reactions table. Payloads that fail to parse stay on the row for
// inspection instead of being dropped.
type normalizeReactionsStep struct{}

func (normalizeReactionsStep) Name() string { return "normalize-reactions" }

func (normalizeReactionsStep) Run(ctx context.Context, env *Env) error {
	payloads, err := env.DB.FetchLegacyReactions(ctx)
	if err != nil {
		return err
	}
	for messageID, raw := range payloads {
		var reactions []legacyReaction
		if err := json.Unmarshal([]byte(raw), &reactions); err != nil {
			env.Logger.Warn("unparseable legacy reactions, leaving in place",
				"message_id", messageID, "error", err)
			continue
		}
		for _, r := range reactions {
			if err := env.DB.ApplyReaction(ctx, messageID, r.AuthorID, r.Emoji, time.UnixMilli(r.SentAt).UTC()); err != nil {
				return fmt.Errorf("applying legacy reaction on message %d: %w", messageID, err)
			}
		}
		if err := env.DB.ClearLegacyReactions(ctx, messageID); err != nil {
			return err
		}
		env.Logger.Info("normalized legacy reactions", "message_id", messageID, "count", len(reactions))
	}
	return nil
}
