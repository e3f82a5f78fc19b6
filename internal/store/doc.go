// Package store provides the encrypted SQLite database behind the client:
// recipients, sessions, messages, groups, and raw protocol records.
//
// # Architecture
//
// A single DB struct wraps database/sql with the sqlite3 driver, one
// connection, foreign keys on, and WAL journaling. The database file is
// encrypted at the page level; Open derives nothing itself and takes the
// raw 32-byte key, issuing PRAGMA key before any other statement. A wrong
// key surfaces as ErrWrongPassword on the first read.
//
// # Data Models
//
// Core models:
//
//   - Recipient: A correspondent, identified by phone number and/or UUID.
//     Reconciling the two identifiers lives in MergeAndFetchRecipient.
//   - Session: A conversation, pointing at exactly one of a direct
//     recipient, a v1 group, or a v2 group.
//   - Message: One message in a session, deduplicated on
//     (session, server timestamp, direction).
//   - GroupV1/GroupV2: Group metadata and rosters.
//   - Attachment, Reaction, Receipt: Per-message satellite rows.
//
// Protocol models are opaque blobs in session_records, identity_records,
// prekeys and signed_prekeys; the protocol package owns their encoding.
// Small scalar state (registration ids, key pair material, counters)
// lives in the kv table.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: the requested row does not exist
//   - ErrWrongPassword: the database key failed to unlock the file
//   - ErrNoSender: an incoming message carried no resolvable sender
//
// All methods accept context.Context.
//
// # Migrations
//
// Schema creation is idempotent (CREATE TABLE IF NOT EXISTS) and column
// additions are guarded by pragma_table_info checks, so Open can be run
// against any previous version of the file.
package store
