// ABOUTME: Addresses, identity kinds and the protocol store interfaces
// ABOUTME: Records are opaque blobs; this layer only keys and persists them

package protocol

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoSession is returned when no session record exists for an address.
var ErrNoSession = errors.New("no session record")

// ErrNoIdentity is returned when no identity key is on file for an account.
var ErrNoIdentity = errors.New("no identity record")

// IdentityKind selects which of the account's two identity spaces a record
// belongs to. Sessions, identities and registration ids are all tracked
// separately per space; the two never bleed into each other.
type IdentityKind int

const (
	IdentityACI IdentityKind = iota
	IdentityPNI
)

func (k IdentityKind) String() string {
	if k == IdentityPNI {
		return "pni"
	}
	return "aci"
}

// Address names a remote protocol endpoint: one device of one account.
// Name is the account UUID, or a phone number for pre-UUID legacy records.
type Address struct {
	Name     string
	DeviceID uint32
}

func (a Address) String() string {
	return fmt.Sprintf("%s.%d", a.Name, a.DeviceID)
}

// SessionStore persists established session records.
type SessionStore interface {
	LoadSession(ctx context.Context, kind IdentityKind, addr Address) ([]byte, error)
	StoreSession(ctx context.Context, kind IdentityKind, addr Address, record []byte) error
	ContainsSession(ctx context.Context, kind IdentityKind, addr Address) (bool, error)
	DeleteSession(ctx context.Context, kind IdentityKind, addr Address) error
	// DeleteAllSessions removes the sessions for every device of the named
	// account, returning how many were removed.
	DeleteAllSessions(ctx context.Context, kind IdentityKind, name string) (int64, error)
	// SubDeviceSessions lists the device ids with a session for the named
	// account.
	SubDeviceSessions(ctx context.Context, kind IdentityKind, name string) ([]uint32, error)
}

// IdentityKeyStore persists our own key pair and the identity keys seen
// from remote accounts.
type IdentityKeyStore interface {
	GetIdentityKeyPair(ctx context.Context, kind IdentityKind) ([]byte, error)
	SetIdentityKeyPair(ctx context.Context, kind IdentityKind, pair []byte) error
	GetLocalRegistrationID(ctx context.Context, kind IdentityKind) (uint32, error)
	SetLocalRegistrationID(ctx context.Context, kind IdentityKind, id uint32) error

	// SaveIdentity records the identity key for a remote account, returning
	// true when a different key was replaced (a key change the caller may
	// want to surface to the user).
	SaveIdentity(ctx context.Context, kind IdentityKind, name string, key []byte) (bool, error)
	GetIdentity(ctx context.Context, kind IdentityKind, name string) ([]byte, error)
	// IsTrustedIdentity implements trust-on-first-use: an unknown account is
	// trusted, a known account is trusted only with its recorded key.
	IsTrustedIdentity(ctx context.Context, kind IdentityKind, name string, key []byte) (bool, error)
}

// PreKeyStore persists one-time pre-key records.
type PreKeyStore interface {
	LoadPreKey(ctx context.Context, id uint32) ([]byte, error)
	StorePreKey(ctx context.Context, id uint32, record []byte) error
	ContainsPreKey(ctx context.Context, id uint32) (bool, error)
	RemovePreKey(ctx context.Context, id uint32) error
	// NextPreKeyID hands out monotonically increasing pre-key ids.
	NextPreKeyID(ctx context.Context) (uint32, error)
}

// SignedPreKeyStore persists signed pre-key records.
type SignedPreKeyStore interface {
	LoadSignedPreKey(ctx context.Context, id uint32) ([]byte, error)
	StoreSignedPreKey(ctx context.Context, id uint32, record []byte) error
	ContainsSignedPreKey(ctx context.Context, id uint32) (bool, error)
	RemoveSignedPreKey(ctx context.Context, id uint32) error
	NextSignedPreKeyID(ctx context.Context) (uint32, error)
}

// Store is the full protocol store a session cipher needs.
type Store interface {
	SessionStore
	IdentityKeyStore
	PreKeyStore
	SignedPreKeyStore
}
