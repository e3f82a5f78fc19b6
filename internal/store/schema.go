// ABOUTME: Relational schema for recipients, conversations, messages and protocol records
// ABOUTME: Single SQL blob applied idempotently at open

package store

// schema contains all table definitions. Applied with CREATE TABLE IF NOT
// EXISTS so opening an existing database is a no-op; column-level upgrades
// for older databases live in runMigrations.
const schema = `
CREATE TABLE IF NOT EXISTS recipients (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	e164 TEXT UNIQUE,
	uuid TEXT UNIQUE,
	username TEXT,
	email TEXT,
	blocked INTEGER NOT NULL DEFAULT 0,

	profile_given_name TEXT,
	profile_family_name TEXT,
	profile_key BLOB,
	profile_key_credential BLOB,
	avatar TEXT,
	last_profile_fetch INTEGER,

	unidentified_access_mode INTEGER NOT NULL DEFAULT 0,
	storage_service_id BLOB
);

CREATE TABLE IF NOT EXISTS group_v1 (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	expected_v2_id TEXT
);

CREATE TABLE IF NOT EXISTS group_v1_members (
	group_v1_id TEXT NOT NULL REFERENCES group_v1(id),
	recipient_id INTEGER NOT NULL REFERENCES recipients(id),
	member_since INTEGER,

	PRIMARY KEY (group_v1_id, recipient_id)
);

CREATE TABLE IF NOT EXISTS group_v2 (
	id TEXT PRIMARY KEY,
	master_key TEXT NOT NULL,
	name TEXT NOT NULL,
	revision INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS group_v2_members (
	group_v2_id TEXT NOT NULL REFERENCES group_v2(id),
	recipient_id INTEGER NOT NULL REFERENCES recipients(id),
	member_since INTEGER,
	joined_at_revision INTEGER NOT NULL DEFAULT 0,
	role INTEGER NOT NULL DEFAULT 0,

	PRIMARY KEY (group_v2_id, recipient_id)
);

CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	direct_message_recipient_id INTEGER REFERENCES recipients(id),
	group_v1_id TEXT REFERENCES group_v1(id),
	group_v2_id TEXT REFERENCES group_v2(id),

	is_archived INTEGER NOT NULL DEFAULT 0,
	is_pinned INTEGER NOT NULL DEFAULT 0,
	is_silent INTEGER NOT NULL DEFAULT 0,
	is_muted INTEGER NOT NULL DEFAULT 0,
	draft_text TEXT,
	expiring_message_timeout INTEGER,

	CHECK (
		(direct_message_recipient_id IS NOT NULL) + (group_v1_id IS NOT NULL) + (group_v2_id IS NOT NULL) = 1
	)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_direct
	ON sessions(direct_message_recipient_id) WHERE direct_message_recipient_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_group_v1
	ON sessions(group_v1_id) WHERE group_v1_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_group_v2
	ON sessions(group_v2_id) WHERE group_v2_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES sessions(id),
	text TEXT,
	sender_recipient_id INTEGER REFERENCES recipients(id),

	received_timestamp INTEGER,
	sent_timestamp INTEGER,
	server_timestamp INTEGER NOT NULL,

	is_read INTEGER NOT NULL DEFAULT 0,
	is_outbound INTEGER NOT NULL DEFAULT 0,
	flags INTEGER NOT NULL DEFAULT 0,

	expires_in INTEGER,
	expiry_started INTEGER,

	sending_has_failed INTEGER NOT NULL DEFAULT 0,
	is_remote_deleted INTEGER NOT NULL DEFAULT 0,

	legacy_reactions TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_dedup
	ON messages(session_id, server_timestamp, is_outbound);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_recipient_id);

CREATE TABLE IF NOT EXISTS attachments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id INTEGER NOT NULL REFERENCES messages(id),
	content_type TEXT NOT NULL,
	path TEXT,
	pending_upload INTEGER NOT NULL DEFAULT 0,
	transfer_state INTEGER NOT NULL DEFAULT 0,
	width INTEGER,
	height INTEGER,
	sticker_pack_id TEXT,
	sticker_id INTEGER,
	content_hash BLOB
);

CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id);

CREATE TABLE IF NOT EXISTS reactions (
	message_id INTEGER NOT NULL REFERENCES messages(id),
	author_recipient_id INTEGER NOT NULL REFERENCES recipients(id),
	emoji TEXT NOT NULL,
	sent_at INTEGER NOT NULL,

	PRIMARY KEY (message_id, author_recipient_id)
);

CREATE TABLE IF NOT EXISTS receipts (
	message_id INTEGER NOT NULL REFERENCES messages(id),
	recipient_id INTEGER NOT NULL REFERENCES recipients(id),
	delivered INTEGER,
	read INTEGER,
	viewed INTEGER,

	PRIMARY KEY (message_id, recipient_id)
);

-- Raw protocol records. "identity" distinguishes the ACI and PNI session
-- spaces, which never share rows.
CREATE TABLE IF NOT EXISTS session_records (
	identity TEXT NOT NULL,
	address TEXT NOT NULL,
	device_id INTEGER NOT NULL,
	record BLOB NOT NULL,

	PRIMARY KEY (identity, address, device_id),
	CHECK (identity IN ('aci', 'pni'))
);

CREATE TABLE IF NOT EXISTS identity_records (
	identity TEXT NOT NULL,
	address TEXT NOT NULL,
	record BLOB NOT NULL,

	PRIMARY KEY (identity, address),
	CHECK (identity IN ('aci', 'pni'))
);

CREATE TABLE IF NOT EXISTS prekeys (
	id INTEGER PRIMARY KEY,
	record BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS signed_prekeys (
	id INTEGER PRIMARY KEY,
	record BLOB NOT NULL
);

-- Small typed values: registration ids, identity key pairs, next prekey
-- counters, own identifiers.
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
`
