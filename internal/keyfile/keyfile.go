// ABOUTME: Encrypted key-value file store for individual secrets
// ABOUTME: One small authenticated file per secret under a fixed directory

package keyfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fjall/signalstore/internal/crypto"
)

// ErrNotFound is returned when a secret file does not exist. It is
// deliberately distinct from decryption failures: a missing secret is a
// normal outcome, a file that exists but fails authentication is not.
var ErrNotFound = errors.New("secret not found")

// Store reads and writes named secrets as individual files, routed through
// the encryption codec when keys are configured.
type Store struct {
	dir    string
	keys   *crypto.StorageKeys
	logger *slog.Logger
}

// New creates a Store rooted at dir, creating the directory if needed.
// Pass nil keys for plaintext storage (incognito mode).
func New(dir string, keys *crypto.StorageKeys) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating secret directory: %w", err)
	}
	return &Store{
		dir:    dir,
		keys:   keys,
		logger: slog.Default().With("component", "keyfile"),
	}, nil
}

// Dir returns the directory this store reads and writes.
func (s *Store) Dir() string {
	return s.dir
}

// Get reads and decrypts the named secret.
// Returns ErrNotFound if the file does not exist; a file that exists but
// fails authentication yields a hard error instead.
func (s *Store) Get(name string) ([]byte, error) {
	blob, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading secret %s: %w", name, err)
	}

	plaintext, err := s.keys.Decrypt(blob)
	if err != nil {
		return nil, fmt.Errorf("decrypting secret %s: %w", name, err)
	}
	return plaintext, nil
}

// Put encrypts and writes the named secret. The write is all-or-nothing:
// the blob lands in a temp file in the same directory, is synced, and is
// renamed over the target.
func (s *Store) Put(name string, data []byte) error {
	blob, err := s.keys.Encrypt(data)
	if err != nil {
		return fmt.Errorf("encrypting secret %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.dir, name+".tmp*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return fmt.Errorf("writing secret %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing secret %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing secret %s: %w", name, err)
	}

	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("renaming secret %s into place: %w", name, err)
	}

	s.logger.Debug("wrote secret", "name", name, "size", len(data))
	return nil
}

// Delete removes the named secret. Deleting a missing secret is a no-op.
func (s *Store) Delete(name string) error {
	err := os.Remove(filepath.Join(s.dir, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting secret %s: %w", name, err)
	}
	return nil
}

// List returns the names of all secrets in the store, in directory order.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing secrets: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}
