// Package crypto encrypts the sub-provider credentials (upstream API keys,
// extra auth headers) that vgate stores per tenant so a database dump alone
// never discloses a live key.
//
// Encrypted values carry the form "enc:<fingerprint>:<base64(nonce+ciphertext)>".
// The fingerprint is a short hash of the key used to seal the value, not part
// of the key itself; it lets RotateKeyAdmin and the cluster broadcast report
// which key version a stored credential was sealed under, and lets Decrypt
// fail fast with a clear error when called with the wrong key instead of
// surfacing GCM's generic authentication failure.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const encPrefix = "enc:"

// ErrKeyMismatch is returned by Decrypt when the supplied key's fingerprint
// does not match the one embedded in the ciphertext at Encrypt time.
var ErrKeyMismatch = errors.New("crypto: ciphertext was sealed under a different key")

// Fingerprint returns a short, non-reversible identifier for an AES key,
// suitable for logging alongside key rotation events without leaking the
// key itself.
func Fingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:4])
}

// Encrypt seals plaintext with AES-256-GCM and returns
// "enc:<fingerprint(key)>:<base64(nonce+ciphertext)>". The key must be
// exactly 32 bytes (256 bits). An empty plaintext (credential field left
// unset) passes through unchanged.
func Encrypt(plaintext string, key []byte) (string, error) {
	if plaintext == "" {
		return plaintext, nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	// Seal appends the ciphertext to nonce, giving us nonce+ciphertext in one slice.
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return encPrefix + Fingerprint(key) + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. A value without the "enc:" prefix is returned
// as-is, which lets a credential stored before encryption was enabled keep
// working. If the value's embedded fingerprint doesn't match key's,
// Decrypt returns ErrKeyMismatch rather than attempting to open the seal.
func Decrypt(ciphertext string, key []byte) (string, error) {
	if !IsEncrypted(ciphertext) {
		return ciphertext, nil
	}

	rest := strings.TrimPrefix(ciphertext, encPrefix)
	fp, encoded, ok := strings.Cut(rest, ":")
	if !ok {
		return "", errors.New("malformed ciphertext: missing fingerprint")
	}
	if fp != Fingerprint(key) {
		return "", ErrKeyMismatch
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// IsEncrypted reports whether value carries the "enc:" prefix produced by
// Encrypt.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encPrefix)
}

// DeriveKey derives a 32-byte AES-256 key from the operator-supplied
// encryption passphrase (the RotateKeyAdmin request body, or the gateway's
// startup config) by hashing it with SHA-256.
func DeriveKey(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("encryption key must not be empty")
	}

	hash := sha256.Sum256([]byte(passphrase))

	return hash[:], nil
}
