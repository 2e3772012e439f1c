// Package tokencrypt encrypts backend bearer tokens for storage at rest.
//
// Format: AES-256-GCM with a per-record random 16-byte salt and 16-byte IV,
// serialized as salt_hex:iv_hex:tag_hex:ciphertext_hex. The key is derived
// with scrypt(secret, salt, 32). Decryption is best-effort: any parse or MAC
// failure yields an empty result, and the caller falls back to a token
// refresh rather than failing the session.
package tokencrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	saltLen = 16
	ivLen   = 16
	tagLen  = 16
	keyLen  = 32

	// scrypt cost parameters, matching Node's crypto.scryptSync defaults.
	scryptN = 16384
	scryptR = 8
	scryptP = 1
)

// Encrypt seals plaintext under a key derived from secret and returns the
// colon-separated hex blob.
func Encrypt(plaintext, secret string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	gcm, err := newGCM(secret, salt)
	if err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)

	// Seal appends the 16-byte tag to the ciphertext; the wire format keeps
	// them in separate fields.
	ct := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	return strings.Join([]string{
		hex.EncodeToString(salt),
		hex.EncodeToString(iv),
		hex.EncodeToString(tag),
		hex.EncodeToString(ct),
	}, ":"), nil
}

// Decrypt opens a blob produced by Encrypt. It returns ("", false) on any
// malformed input, wrong key, or failed authentication.
func Decrypt(blob, secret string) (string, bool) {
	parts := strings.Split(blob, ":")
	if len(parts) != 4 {
		return "", false
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil || len(salt) != saltLen {
		return "", false
	}
	iv, err := hex.DecodeString(parts[1])
	if err != nil || len(iv) != ivLen {
		return "", false
	}
	tag, err := hex.DecodeString(parts[2])
	if err != nil || len(tag) != tagLen {
		return "", false
	}
	ct, err := hex.DecodeString(parts[3])
	if err != nil {
		return "", false
	}

	gcm, err := newGCM(secret, salt)
	if err != nil {
		return "", false
	}

	plaintext, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", false
	}
	return string(plaintext), true
}

func newGCM(secret string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(secret), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCMWithNonceSize(block, ivLen)
}
