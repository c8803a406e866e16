package crypto

import (
	"fmt"

	"github.com/rakunlabs/vgate/internal/domain"
)

// EncryptSubProviderKey encrypts a plaintext API key for storage on a
// SubProvider record. If key is nil the plaintext is returned unchanged —
// used in dev/test setups that run without an encryption key configured.
func EncryptSubProviderKey(plaintext string, key []byte) (string, error) {
	if key == nil {
		return plaintext, nil
	}
	enc, err := Encrypt(plaintext, key)
	if err != nil {
		return "", fmt.Errorf("crypto: encrypting sub-provider key: %w", err)
	}
	return enc, nil
}

// DecryptSubProviderKey reverses EncryptSubProviderKey. Values without the
// "enc:" prefix are returned as-is, so plaintext keys survive a deployment
// that hasn't configured an encryption key yet.
func DecryptSubProviderKey(sp *domain.SubProvider, key []byte) (string, error) {
	if key == nil || !IsEncrypted(sp.EncryptedAPIKey) {
		return sp.EncryptedAPIKey, nil
	}
	dec, err := Decrypt(sp.EncryptedAPIKey, key)
	if err != nil {
		return "", fmt.Errorf("crypto: decrypting sub-provider %s key: %w", sp.ID, err)
	}
	return dec, nil
}
