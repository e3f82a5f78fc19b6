// Package migrate upgrades older on-disk storage layouts at startup.
//
// The pipeline runs on every open. Each step is idempotent and checks its
// own precondition; a failing step is logged and skipped so one stuck
// migration never blocks the rest, and it retries on the next startup.
//
// The steps, in order: persist the account's own identifiers, move legacy
// file-per-record sessions and identities into the database, rekey
// phone-keyed protocol records onto uuids, backfill expected v2 group ids
// for v1 groups, and lift legacy message-row reactions into the reactions
// table.
package migrate
