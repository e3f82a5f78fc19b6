// ABOUTME: Key derivation and authenticated blob encryption for at-rest storage
// ABOUTME: Two KDF paths: scrypt for the database page key, PBKDF2 for file blobs

package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

// ErrMacMismatch is returned when a blob fails authentication. It almost
// always means the wrong password was used to derive the keys.
var ErrMacMismatch = errors.New("blob authentication failed")

const (
	// SaltLength is the size of the random salt persisted next to the database.
	SaltLength = 8

	ivLength  = 16
	macLength = 32

	databaseKeyLength = 32
	fileKeyLength     = 36 // 16-byte AES-128 key + 20-byte MAC key

	// scrypt parameters for the database page key.
	scryptN = 1 << 14
	scryptR = 8
	scryptP = 1

	// PBKDF2 iterations for the file key. Deliberately cheaper than the
	// database path: file blobs are small and read during bootstrap,
	// before the database is even open. SHA1 because existing secret
	// files were written with that digest; changing it would orphan them.
	pbkdf2Iterations = 1024
)

// deriveSem bounds concurrent key derivations. scrypt allocates ~16MB per
// call; unbounded concurrent opens would stack those allocations.
var deriveSem = make(chan struct{}, 2)

// StorageKeys holds the two derived symmetric keys for a storage instance.
// A nil *StorageKeys means no password was configured and all blob
// operations are plaintext passthrough.
type StorageKeys struct {
	database [databaseKeyLength]byte
	file     [fileKeyLength]byte
}

// DeriveKeys derives both storage keys from a password and salt.
// The salt must be exactly SaltLength bytes.
func DeriveKeys(password string, salt []byte) (*StorageKeys, error) {
	if len(salt) != SaltLength {
		return nil, fmt.Errorf("salt must be %d bytes, got %d", SaltLength, len(salt))
	}

	deriveSem <- struct{}{}
	defer func() { <-deriveSem }()

	dbKey, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, databaseKeyLength)
	if err != nil {
		return nil, fmt.Errorf("deriving database key: %w", err)
	}

	fileKey := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, fileKeyLength, sha1.New)

	keys := &StorageKeys{}
	copy(keys.database[:], dbKey)
	copy(keys.file[:], fileKey)
	return keys, nil
}

// GenerateSalt returns a new random salt of SaltLength bytes.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// DatabaseKey returns the 32-byte page cipher key, or nil for an
// unencrypted storage.
func (k *StorageKeys) DatabaseKey() []byte {
	if k == nil {
		return nil
	}
	return k.database[:]
}

func (k *StorageKeys) aesKey() []byte { return k.file[:16] }
func (k *StorageKeys) macKey() []byte { return k.file[16:] }

// Encrypt seals a blob as IV || AES-128-CBC-PKCS7(plaintext) || HMAC-SHA256(IV||ciphertext).
// With nil keys the plaintext is returned unchanged.
func (k *StorageKeys) Encrypt(plaintext []byte) ([]byte, error) {
	if k == nil {
		return plaintext, nil
	}

	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generating IV: %w", err)
	}

	block, err := aes.NewCipher(k.aesKey())
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha256.New, k.macKey())
	mac.Write(iv)
	mac.Write(ciphertext)

	out := make([]byte, 0, ivLength+len(ciphertext)+macLength)
	out = append(out, iv...)
	out = append(out, ciphertext...)
	out = append(out, mac.Sum(nil)...)
	return out, nil
}

// Decrypt verifies and opens a blob produced by Encrypt. The MAC is checked
// before any decryption happens; a mismatch is a hard error, never a
// garbage read. With nil keys the blob is returned unchanged.
func (k *StorageKeys) Decrypt(blob []byte) ([]byte, error) {
	if k == nil {
		return blob, nil
	}

	if len(blob) < ivLength+macLength {
		return nil, fmt.Errorf("blob too short: %d bytes", len(blob))
	}

	body := blob[:len(blob)-macLength]
	theirMAC := blob[len(blob)-macLength:]

	mac := hmac.New(sha256.New, k.macKey())
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), theirMAC) != 1 {
		return nil, ErrMacMismatch
	}

	iv := body[:ivLength]
	ciphertext := body[ivLength:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(ciphertext))
	}

	block, err := aes.NewCipher(k.aesKey())
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("removing padding: %w", err)
	}
	return plaintext, nil
}

// pkcs7Pad appends PKCS7 padding up to the next block boundary.
func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}

// pkcs7Unpad strips and validates PKCS7 padding.
func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, errors.New("invalid padding length")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("invalid padding byte")
		}
	}
	return data[:len(data)-padLen], nil
}
