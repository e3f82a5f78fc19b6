// Package protocol persists the cryptographic state a session cipher
// needs: session records, identity keys, pre-keys and registration ids.
//
// Records are opaque blobs. This package does not parse or produce them;
// it keys them by identity space (ACI or PNI), account and device, and
// guarantees the two spaces stay separate.
//
// SQLStore is the live implementation, backed by the relational database.
// FileStore reads the legacy one-file-per-record layout and exists only
// so the migration pipeline can drain it into SQLStore.
//
// Identity keys follow trust-on-first-use: an account never seen before
// is trusted, and a changed key is reported by SaveIdentity so the caller
// can surface it.
package protocol
