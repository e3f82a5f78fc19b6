// ABOUTME: Reader for the legacy one-file-per-record protocol store layout
// ABOUTME: Only the migration pipeline uses this; new records go to the database

package protocol

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/fjall/signalstore/internal/crypto"
	"github.com/fjall/signalstore/internal/keyfile"
)

// Older releases kept protocol records as individual encrypted files:
// sessions named "<name>_<device>" and remote identities named
// "remote_<name>". FileStore reads (and after migration, removes) that
// layout. It never writes new records.
type FileStore struct {
	sessions   *keyfile.Store
	identities *keyfile.Store
	logger     *slog.Logger
}

const identityFilePrefix = "remote_"

// NewFileStore opens the legacy session and identity directories.
func NewFileStore(sessionDir, identityDir string, keys *crypto.StorageKeys) (*FileStore, error) {
	sessions, err := keyfile.New(sessionDir, keys)
	if err != nil {
		return nil, fmt.Errorf("opening legacy session store: %w", err)
	}
	identities, err := keyfile.New(identityDir, keys)
	if err != nil {
		return nil, fmt.Errorf("opening legacy identity store: %w", err)
	}
	return &FileStore{
		sessions:   sessions,
		identities: identities,
		logger:     slog.Default().With("component", "filestore"),
	}, nil
}

// SessionAddresses lists every address with a legacy session file.
// Files whose names do not parse are skipped with a warning, not fatal:
// one stray file must not block migration of the rest.
func (f *FileStore) SessionAddresses() ([]Address, error) {
	names, err := f.sessions.List()
	if err != nil {
		return nil, err
	}

	var addrs []Address
	for _, name := range names {
		addr, err := parseSessionFileName(name)
		if err != nil {
			f.logger.Warn("skipping unparseable session file", "file", name, "error", err)
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// LoadSession reads one legacy session record.
func (f *FileStore) LoadSession(addr Address) ([]byte, error) {
	record, err := f.sessions.Get(sessionFileName(addr))
	if errors.Is(err, keyfile.ErrNotFound) {
		return nil, ErrNoSession
	}
	return record, err
}

// DeleteSession removes one legacy session file.
func (f *FileStore) DeleteSession(addr Address) error {
	return f.sessions.Delete(sessionFileName(addr))
}

// IdentityNames lists every account with a legacy identity file.
func (f *FileStore) IdentityNames() ([]string, error) {
	files, err := f.identities.List()
	if err != nil {
		return nil, err
	}

	var names []string
	for _, file := range files {
		if !strings.HasPrefix(file, identityFilePrefix) {
			continue
		}
		names = append(names, strings.TrimPrefix(file, identityFilePrefix))
	}
	return names, nil
}

// LoadIdentity reads one legacy identity key.
func (f *FileStore) LoadIdentity(name string) ([]byte, error) {
	key, err := f.identities.Get(identityFilePrefix + name)
	if errors.Is(err, keyfile.ErrNotFound) {
		return nil, ErrNoIdentity
	}
	return key, err
}

// DeleteIdentity removes one legacy identity file.
func (f *FileStore) DeleteIdentity(name string) error {
	return f.identities.Delete(identityFilePrefix + name)
}

func sessionFileName(addr Address) string {
	return fmt.Sprintf("%s_%d", addr.Name, addr.DeviceID)
}

func parseSessionFileName(file string) (Address, error) {
	// The name itself may contain underscores; the device id follows the
	// last one.
	i := strings.LastIndex(file, "_")
	if i <= 0 || i == len(file)-1 {
		return Address{}, fmt.Errorf("no device id in %q", file)
	}
	device, err := strconv.ParseUint(file[i+1:], 10, 32)
	if err != nil {
		return Address{}, fmt.Errorf("parsing device id in %q: %w", file, err)
	}
	return Address{Name: file[:i], DeviceID: uint32(device)}, nil
}
