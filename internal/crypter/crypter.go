// Package crypter provides row-level encryption for secret columns (task
// VDAF verify keys, helper auth tokens) at rest (spec.md §4.1, SPEC_FULL.md
// §3). No third-party AEAD-envelope library appears anywhere in the
// retrieved pack, so this is built directly on crypto/aes + crypto/cipher
// rather than grounded on one.
package crypter

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Crypter encrypts and decrypts row values with AES-128-GCM under an
// ordered list of keys. Encryption always uses the newest (last) key and
// records its index in the ciphertext header; decryption uses only the key
// at that recorded index, with no fallback to other keys, so appending a new
// key at the end of the list doesn't invalidate rows written under an older
// key.
type Crypter struct {
	keys [][]byte // each a 16-byte AES-128 key, in rotation order (oldest first)
	gcms []cipher.AEAD
}

// New builds a Crypter from an ordered list of 16-byte AES-128 keys. The
// last key in the list is used for all new encryptions; every key is kept
// available for decrypting rows written under it before rotation.
func New(keys [][]byte) (*Crypter, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("crypter: at least one key is required")
	}
	gcms := make([]cipher.AEAD, len(keys))
	for i, k := range keys {
		if len(k) != 16 {
			return nil, fmt.Errorf("crypter: key %d: want 16 bytes, got %d", i, len(k))
		}
		block, err := aes.NewCipher(k)
		if err != nil {
			return nil, fmt.Errorf("crypter: key %d: %w", i, err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("crypter: key %d: %w", i, err)
		}
		gcms[i] = gcm
	}
	return &Crypter{keys: keys, gcms: gcms}, nil
}

// Encrypt seals plaintext under the newest key, associating additionalData
// (typically the owning row's primary key) so ciphertexts can't be copied
// between rows.
func (c *Crypter) Encrypt(plaintext, additionalData []byte) ([]byte, error) {
	idx := len(c.gcms) - 1
	gcm := c.gcms[idx]
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypter: generate nonce: %w", err)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(idx))

	ciphertext := gcm.Seal(nil, nonce, plaintext, additionalData)
	out := make([]byte, 0, 4+len(nonce)+len(ciphertext))
	out = append(out, header[:]...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decrypt opens a value sealed by Encrypt, using the key index recorded in
// its header.
func (c *Crypter) Decrypt(ciphertext, additionalData []byte) ([]byte, error) {
	if len(ciphertext) < 4 {
		return nil, fmt.Errorf("crypter: truncated ciphertext header")
	}
	idx := int(binary.BigEndian.Uint32(ciphertext[:4]))
	if idx < 0 || idx >= len(c.gcms) {
		return nil, fmt.Errorf("crypter: ciphertext references unknown key index %d", idx)
	}
	gcm := c.gcms[idx]
	rest := ciphertext[4:]
	if len(rest) < gcm.NonceSize() {
		return nil, fmt.Errorf("crypter: truncated ciphertext nonce")
	}
	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, additionalData)
	if err != nil {
		return nil, fmt.Errorf("crypter: open: %w", err)
	}
	return plaintext, nil
}
