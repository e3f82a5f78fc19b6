// ABOUTME: Protocol store backed by the relational database
// ABOUTME: Records live in dedicated tables, scalar state in the kv table

package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fjall/signalstore/internal/store"
)

// kv keys for scalar protocol state. Registration ids and key pairs are
// per identity space; the pre-key counters are shared.
const (
	kvRegistrationID     = "_registration_id"
	kvIdentityKeyPair    = "_identity_key_pair"
	kvNextPreKeyID       = "next_prekey_id"
	kvNextSignedPreKeyID = "next_signed_prekey_id"
)

// Pre-key ids are 24-bit on the wire; counters start low and wrap long
// before that matters.
const firstPreKeyID = 1

// SQLStore implements Store on top of the database. It is safe for
// concurrent use: all access goes through an RWMutex with writes
// exclusive, so read-then-write operations like SaveIdentity observe a
// stable store.
type SQLStore struct {
	mu     sync.RWMutex
	db     *store.DB
	logger *slog.Logger
}

// NewSQLStore wraps the database in a protocol store.
func NewSQLStore(db *store.DB) *SQLStore {
	return &SQLStore{
		db:     db,
		logger: slog.Default().With("component", "protocol"),
	}
}

var _ Store = (*SQLStore)(nil)

func (s *SQLStore) LoadSession(ctx context.Context, kind IdentityKind, addr Address) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, err := s.db.GetSessionRecord(ctx, kind.String(), addr.Name, addr.DeviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoSession
	}
	return record, err
}

func (s *SQLStore) StoreSession(ctx context.Context, kind IdentityKind, addr Address, record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.PutSessionRecord(ctx, kind.String(), addr.Name, addr.DeviceID, record)
}

func (s *SQLStore) ContainsSession(ctx context.Context, kind IdentityKind, addr Address) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := s.db.GetSessionRecord(ctx, kind.String(), addr.Name, addr.DeviceID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLStore) DeleteSession(ctx context.Context, kind IdentityKind, addr Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.DeleteSessionRecord(ctx, kind.String(), addr.Name, addr.DeviceID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNoSession
	}
	return err
}

func (s *SQLStore) DeleteAllSessions(ctx context.Context, kind IdentityKind, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.db.DeleteAllSessionRecords(ctx, kind.String(), name)
	if err == nil && n > 0 {
		s.logger.Info("deleted all sessions", "name", name, "space", kind.String(), "count", n)
	}
	return n, err
}

func (s *SQLStore) SubDeviceSessions(ctx context.Context, kind IdentityKind, name string) ([]uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.db.SessionRecordDevices(ctx, kind.String(), name)
}

func (s *SQLStore) GetIdentityKeyPair(ctx context.Context, kind IdentityKind) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pair, err := s.db.GetKV(ctx, kind.String()+kvIdentityKeyPair)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("no %s identity key pair registered", kind)
	}
	return pair, err
}

func (s *SQLStore) SetIdentityKeyPair(ctx context.Context, kind IdentityKind, pair []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.SetKV(ctx, kind.String()+kvIdentityKeyPair, pair)
}

func (s *SQLStore) GetLocalRegistrationID(ctx context.Context, kind IdentityKind) (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, err := s.db.GetKVUint32(ctx, kind.String()+kvRegistrationID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("no %s registration id recorded", kind)
	}
	return id, err
}

func (s *SQLStore) SetLocalRegistrationID(ctx context.Context, kind IdentityKind, id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.SetKVUint32(ctx, kind.String()+kvRegistrationID, id)
}

func (s *SQLStore) SaveIdentity(ctx context.Context, kind IdentityKind, name string, key []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.PutIdentityRecord(ctx, kind.String(), name, key)
}

func (s *SQLStore) GetIdentity(ctx context.Context, kind IdentityKind, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, err := s.db.GetIdentityRecord(ctx, kind.String(), name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoIdentity
	}
	return key, err
}

func (s *SQLStore) IsTrustedIdentity(ctx context.Context, kind IdentityKind, name string, key []byte) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	known, err := s.db.GetIdentityRecord(ctx, kind.String(), name)
	if errors.Is(err, store.ErrNotFound) {
		// Trust on first use.
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return bytes.Equal(known, key), nil
}

func (s *SQLStore) LoadPreKey(ctx context.Context, id uint32) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, err := s.db.GetPreKey(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("pre-key %d: %w", id, err)
	}
	return record, err
}

func (s *SQLStore) StorePreKey(ctx context.Context, id uint32, record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.PutPreKey(ctx, id, record)
}

func (s *SQLStore) ContainsPreKey(ctx context.Context, id uint32) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := s.db.GetPreKey(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLStore) RemovePreKey(ctx context.Context, id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.DeletePreKey(ctx, id)
}

func (s *SQLStore) NextPreKeyID(ctx context.Context) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.IncrementKVUint32(ctx, kvNextPreKeyID, firstPreKeyID)
}

func (s *SQLStore) LoadSignedPreKey(ctx context.Context, id uint32) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, err := s.db.GetSignedPreKey(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("signed pre-key %d: %w", id, err)
	}
	return record, err
}

func (s *SQLStore) StoreSignedPreKey(ctx context.Context, id uint32, record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.PutSignedPreKey(ctx, id, record)
}

func (s *SQLStore) ContainsSignedPreKey(ctx context.Context, id uint32) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := s.db.GetSignedPreKey(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLStore) RemoveSignedPreKey(ctx context.Context, id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.DeleteSignedPreKey(ctx, id)
}

func (s *SQLStore) NextSignedPreKeyID(ctx context.Context) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.IncrementKVUint32(ctx, kvNextSignedPreKeyID, firstPreKeyID)
}
