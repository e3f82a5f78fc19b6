// Package crypto implements the at-rest encryption primitives for the
// storage layer.
//
// Two independent keys are derived from the user's password and a random
// 8-byte salt persisted once at storage creation:
//
//   - Database key: 32 bytes via scrypt (N=2^14, r=8, p=1), handed to the
//     SQLCipher page cipher so the database is encrypted transparently.
//   - File key: 36 bytes via PBKDF2, split into a 16-byte AES-128 key and a
//     20-byte HMAC key, used for individual encrypted files (signaling key,
//     HTTP password, legacy identity material).
//
// The dual path exists because the database wants transparent page-level
// encryption while individual secrets are read during bootstrap, before the
// database is open.
//
// # Blob format
//
//	IV (16 bytes) || AES-128-CBC-PKCS7 ciphertext || HMAC-SHA256(IV || ciphertext) (32 bytes)
//
// Decryption verifies the MAC before touching the ciphertext and fails
// closed with ErrMacMismatch. A nil *StorageKeys disables encryption
// entirely (incognito mode): Encrypt and Decrypt become passthrough.
package crypto
