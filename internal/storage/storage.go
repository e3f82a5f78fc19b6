// ABOUTME: Top-level storage facade: keys, database, protocol stores, events
// ABOUTME: New creates a storage tree, Open unlocks an existing one

package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/fjall/signalstore/internal/config"
	"github.com/fjall/signalstore/internal/crypto"
	"github.com/fjall/signalstore/internal/keyfile"
	"github.com/fjall/signalstore/internal/migrate"
	"github.com/fjall/signalstore/internal/observer"
	"github.com/fjall/signalstore/internal/protocol"
	"github.com/fjall/signalstore/internal/store"
)

// ErrNotInitialized is returned by Open when no storage tree exists at the
// configured root.
var ErrNotInitialized = errors.New("storage not initialized")

// ErrAlreadyInitialized is returned by New when a storage tree already
// exists at the configured root.
var ErrAlreadyInitialized = errors.New("storage already initialized")

// On-disk layout under the storage root.
const (
	saltFile      = "db/salt"
	databaseFile  = "db/signal.db"
	identityDir   = "storage/identity"
	sessionsDir   = "storage/sessions"
	attachmentDir = "storage/attachments"
	avatarDir     = "storage/avatars"
	cameraDir     = "storage/camera"
)

// Storage owns one on-disk storage tree: the encrypted database, the
// secret files beside it, and the event stream over both. An empty
// password opens the tree unencrypted.
type Storage struct {
	cfg    *config.Config
	root   string
	keys   *crypto.StorageKeys
	db     *store.DB
	proto  *protocol.SQLStore
	files  *keyfile.Store
	events *observer.Observatory
	logger *slog.Logger
}

// New creates a fresh storage tree at the configured root and opens it.
func New(ctx context.Context, cfg *config.Config, password string) (*Storage, error) {
	root := cfg.Storage.Root
	if _, err := os.Stat(filepath.Join(root, databaseFile)); err == nil {
		return nil, ErrAlreadyInitialized
	}

	var keys *crypto.StorageKeys
	if password != "" {
		salt, err := crypto.GenerateSalt()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Join(root, "db"), 0700); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
		if err := os.WriteFile(filepath.Join(root, saltFile), salt, 0600); err != nil {
			return nil, fmt.Errorf("writing salt: %w", err)
		}
		keys, err = crypto.DeriveKeys(password, salt)
		if err != nil {
			return nil, err
		}
	}

	return open(ctx, cfg, keys)
}

// Open unlocks an existing storage tree. A wrong password surfaces as
// store.ErrWrongPassword before any row is readable.
func Open(ctx context.Context, cfg *config.Config, password string) (*Storage, error) {
	root := cfg.Storage.Root
	if _, err := os.Stat(filepath.Join(root, databaseFile)); err != nil {
		return nil, ErrNotInitialized
	}

	var keys *crypto.StorageKeys
	if password != "" {
		salt, err := os.ReadFile(filepath.Join(root, saltFile))
		if err != nil {
			return nil, fmt.Errorf("reading salt: %w", err)
		}
		keys, err = crypto.DeriveKeys(password, salt)
		if err != nil {
			return nil, err
		}
	}

	return open(ctx, cfg, keys)
}

func open(ctx context.Context, cfg *config.Config, keys *crypto.StorageKeys) (*Storage, error) {
	root := cfg.Storage.Root
	logger := slog.Default().With("component", "storage")

	for _, dir := range []string{identityDir, sessionsDir, attachmentDir, avatarDir, cameraDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0700); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	db, err := store.Open(filepath.Join(root, databaseFile), keys.DatabaseKey())
	if err != nil {
		return nil, err
	}

	files, err := keyfile.New(filepath.Join(root, identityDir), keys)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Storage{
		cfg:    cfg,
		root:   root,
		keys:   keys,
		db:     db,
		proto:  protocol.NewSQLStore(db),
		files:  files,
		events: observer.New(logger),
		logger: logger,
	}

	if err := s.runMigrations(ctx); err != nil {
		// Migration failures are non-fatal; the steps retry next open.
		logger.Error("migration pipeline reported failures", "error", err)
	}

	logger.Info("storage opened", "root", root, "encrypted", keys != nil)
	return s, nil
}

func (s *Storage) runMigrations(ctx context.Context) error {
	legacy, err := protocol.NewFileStore(
		filepath.Join(s.root, sessionsDir),
		filepath.Join(s.root, identityDir),
		s.keys,
	)
	if err != nil {
		return err
	}
	return migrate.NewPipeline().Run(ctx, &migrate.Env{
		Config:   s.cfg,
		DB:       s.db,
		Protocol: s.proto,
		Legacy:   legacy,
		Logger:   s.logger,
	})
}

// DB exposes the relational store for reads and operations that have no
// facade wrapper.
func (s *Storage) DB() *store.DB { return s.db }

// Protocol exposes the protocol store.
func (s *Storage) Protocol() *protocol.SQLStore { return s.proto }

// Files exposes the encrypted secret-file store.
func (s *Storage) Files() *keyfile.Store { return s.files }

// Events exposes the observatory; subscribe to be told about row changes.
func (s *Storage) Events() *observer.Observatory { return s.events }

// AttachmentsDir returns the directory attachment blobs are stored in.
func (s *Storage) AttachmentsDir() string { return filepath.Join(s.root, attachmentDir) }

// AvatarsDir returns the directory avatar blobs are stored in.
func (s *Storage) AvatarsDir() string { return filepath.Join(s.root, avatarDir) }

// VerifyIntegrity checks referential integrity across the database.
func (s *Storage) VerifyIntegrity(ctx context.Context) error {
	return s.db.VerifyIntegrity(ctx)
}

// Close tears down the event stream, then the database.
func (s *Storage) Close() error {
	s.events.Close()
	return s.db.Close()
}

// ReceiveMessage ingests a message and announces the affected rows.
func (s *Storage) ReceiveMessage(ctx context.Context, nm store.NewMessage, group *store.GroupContext) (*store.Message, *store.Session, error) {
	msg, session, err := s.db.ProcessMessage(ctx, nm, group)
	if err != nil {
		return nil, nil, err
	}
	s.events.Publish(observer.Event{Kind: observer.KindInsert, Table: observer.TableMessages, RowID: msg.ID})
	s.events.Publish(observer.Event{Kind: observer.KindUpdate, Table: observer.TableSessions, RowID: session.ID})
	if msg.SenderRecipientID != nil {
		s.events.Publish(observer.Event{Kind: observer.KindUpdate, Table: observer.TableRecipients, RowID: *msg.SenderRecipientID})
	}
	return msg, session, nil
}

// DeleteMessage soft-deletes a message and announces it.
func (s *Storage) DeleteMessage(ctx context.Context, id int64) error {
	if err := s.db.DeleteMessage(ctx, id); err != nil {
		return err
	}
	s.events.Publish(observer.Event{Kind: observer.KindDelete, Table: observer.TableMessages, RowID: id})
	return nil
}

// MarkMessageRead sets the read flag and announces the change.
func (s *Storage) MarkMessageRead(ctx context.Context, id int64) error {
	if err := s.db.MarkMessageRead(ctx, id); err != nil {
		return err
	}
	s.events.Publish(observer.Event{Kind: observer.KindUpdate, Table: observer.TableMessages, RowID: id})
	return nil
}

// MergeAndFetchRecipient reconciles recipient identity and announces the
// surviving row.
func (s *Storage) MergeAndFetchRecipient(ctx context.Context, e164 *string, aci *uuid.UUID, trust store.TrustLevel) (*store.Recipient, error) {
	r, err := s.db.MergeAndFetchRecipient(ctx, e164, aci, trust)
	if err != nil {
		return nil, err
	}
	s.events.Publish(observer.Event{Kind: observer.KindUpdate, Table: observer.TableRecipients, RowID: r.ID})
	return r, nil
}

// ApplyReaction records a reaction and announces it.
func (s *Storage) ApplyReaction(ctx context.Context, messageID, authorID int64, emoji string, sentAt time.Time) error {
	if err := s.db.ApplyReaction(ctx, messageID, authorID, emoji, sentAt); err != nil {
		return err
	}
	s.events.Publish(observer.Event{Kind: observer.KindUpdate, Table: observer.TableReactions, RowID: messageID})
	return nil
}

// RemoveReaction deletes a reaction and announces it.
func (s *Storage) RemoveReaction(ctx context.Context, messageID, authorID int64) error {
	if err := s.db.RemoveReaction(ctx, messageID, authorID); err != nil {
		return err
	}
	s.events.Publish(observer.Event{Kind: observer.KindDelete, Table: observer.TableReactions, RowID: messageID})
	return nil
}

// ApplyReceipt records a receipt and announces it.
func (s *Storage) ApplyReceipt(ctx context.Context, messageID, recipientID int64, kind store.ReceiptKind, at time.Time) error {
	if err := s.db.ApplyReceipt(ctx, messageID, recipientID, kind, at); err != nil {
		return err
	}
	s.events.Publish(observer.Event{Kind: observer.KindUpdate, Table: observer.TableReceipts, RowID: messageID})
	return nil
}

// RegisterAttachment creates an attachment row and announces it.
func (s *Storage) RegisterAttachment(ctx context.Context, att *store.Attachment) (*store.Attachment, error) {
	stored, err := s.db.RegisterAttachment(ctx, att)
	if err != nil {
		return nil, err
	}
	s.events.Publish(observer.Event{Kind: observer.KindInsert, Table: observer.TableAttachments, RowID: stored.ID})
	return stored, nil
}

// MarkAttachmentDownloaded records a finished download and announces it.
func (s *Storage) MarkAttachmentDownloaded(ctx context.Context, id int64, path string, hash []byte) error {
	if err := s.db.MarkAttachmentDownloaded(ctx, id, path, hash); err != nil {
		return err
	}
	s.events.Publish(observer.Event{Kind: observer.KindUpdate, Table: observer.TableAttachments, RowID: id})
	return nil
}
