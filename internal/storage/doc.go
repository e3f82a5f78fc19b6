// Package storage ties the persistent pieces together into one facade:
// derived keys, the encrypted database, the secret-file store, the
// protocol stores and the event observatory.
//
// New creates a storage tree under the configured root, Open unlocks an
// existing one. Both run the migration pipeline, so a tree written by any
// older release comes up in the current layout. A wrong password fails
// fast with store.ErrWrongPassword; nothing is readable first.
//
// Mutating facade methods publish an observer event after the change
// commits, so UI layers can refresh without polling. Reads and the less
// common mutations go straight through DB().
package storage
