package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/vgate/internal/domain"
)

func testKey() []byte {
	key, _ := DeriveKey("test-encryption-key-for-unit-tests")
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey()
	original := "sk-ant-REDACTED"

	encrypted, err := Encrypt(original, key)
	require.NoError(t, err)
	require.True(t, IsEncrypted(encrypted), "expected encrypted value to start with %q prefix, got %q", "enc:", encrypted)
	require.NotEqual(t, original, encrypted, "encrypted value should differ from plaintext")

	decrypted, err := Decrypt(encrypted, key)
	require.NoError(t, err)
	assert.Equal(t, original, decrypted)
}

func TestEncryptEmptyString(t *testing.T) {
	key := testKey()

	encrypted, err := Encrypt("", key)
	require.NoError(t, err)
	assert.Equal(t, "", encrypted, "encrypting empty string should return empty")
}

func TestDecryptPlaintextPassthrough(t *testing.T) {
	key := testKey()

	// A value without the "enc:" prefix should be returned as-is.
	plain := "sk-plain-api-key"
	result, err := Decrypt(plain, key)
	require.NoError(t, err)
	assert.Equal(t, plain, result)
}

func TestDecryptWrongKey(t *testing.T) {
	key1 := testKey()
	key2, _ := DeriveKey("different-key-entirely")

	encrypted, err := Encrypt("secret", key1)
	require.NoError(t, err)

	_, err = Decrypt(encrypted, key2)
	assert.ErrorIs(t, err, ErrKeyMismatch)
}

func TestFingerprintEmbeddedInCiphertext(t *testing.T) {
	key := testKey()
	encrypted, err := Encrypt("secret", key)
	require.NoError(t, err)

	fp := Fingerprint(key)
	assert.Contains(t, encrypted, "enc:"+fp+":")
}

func TestFingerprintStableAndDistinct(t *testing.T) {
	key1 := testKey()
	key2, _ := DeriveKey("different-key-entirely")

	assert.Equal(t, Fingerprint(key1), Fingerprint(key1))
	assert.NotEqual(t, Fingerprint(key1), Fingerprint(key2))
}

func TestIsEncrypted(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"enc:abc123", true},
		{"enc:", true},
		{"ENC:abc", false},
		{"plaintext", false},
		{"", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IsEncrypted(tt.value), "IsEncrypted(%q)", tt.value)
	}
}

func TestDeriveKey(t *testing.T) {
	key, err := DeriveKey("short")
	require.NoError(t, err)
	assert.Len(t, key, 32)

	// Long passphrase should still produce a 32-byte key.
	longKey, err := DeriveKey(strings.Repeat("a", 100))
	require.NoError(t, err)
	assert.Len(t, longKey, 32)

	// Different passphrases should produce different keys.
	key2, _ := DeriveKey("different")
	assert.NotEqual(t, string(key), string(key2), "different passphrases should produce different keys")

	// Empty passphrase should error.
	_, err = DeriveKey("")
	assert.Error(t, err, "expected error for empty passphrase")
}

func TestEncryptUniqueNonces(t *testing.T) {
	key := testKey()
	plain := "same-plaintext"

	enc1, _ := Encrypt(plain, key)
	enc2, _ := Encrypt(plain, key)

	assert.NotEqual(t, enc1, enc2, "two encryptions of the same plaintext should produce different ciphertext (unique nonces)")

	// Both should decrypt to the same value.
	dec1, _ := Decrypt(enc1, key)
	dec2, _ := Decrypt(enc2, key)

	assert.Equal(t, plain, dec1)
	assert.Equal(t, plain, dec2)
}

// ─── SubProvider key helpers ───

func TestEncryptDecryptSubProviderKey(t *testing.T) {
	key := testKey()

	encrypted, err := EncryptSubProviderKey("sk-secret-key", key)
	require.NoError(t, err)
	require.True(t, IsEncrypted(encrypted), "expected encrypted key, got %q", encrypted)

	sp := &domain.SubProvider{ID: "sub-1", EncryptedAPIKey: encrypted}
	decrypted, err := DecryptSubProviderKey(sp, key)
	require.NoError(t, err)
	assert.Equal(t, "sk-secret-key", decrypted)
}

func TestEncryptDecryptSubProviderKeyNilKey(t *testing.T) {
	result, err := EncryptSubProviderKey("sk-plaintext", nil)
	require.NoError(t, err)
	assert.Equal(t, "sk-plaintext", result, "nil key should not change plaintext")

	sp := &domain.SubProvider{ID: "sub-1", EncryptedAPIKey: "sk-plaintext"}
	decrypted, err := DecryptSubProviderKey(sp, nil)
	require.NoError(t, err)
	assert.Equal(t, "sk-plaintext", decrypted, "nil key should not change plaintext")
}
