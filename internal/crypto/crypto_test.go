package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	c, err := NewCipher(key)
	require.NoError(t, err)
	return c
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := testCipher(t)

	for _, plaintext := range []string{
		"",
		"s",
		"a client secret with spaces and symbols !@#$%",
		"ya29.a0AfH6SMBx-very-long-provider-access-token-value",
	} {
		encrypted, err := c.Encrypt(plaintext)
		require.NoError(t, err)
		decrypted, err := c.Decrypt(encrypted)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	}
}

func TestEncryptProducesFreshIV(t *testing.T) {
	c := testCipher(t)

	first, err := c.Encrypt("same plaintext")
	require.NoError(t, err)
	second, err := c.Encrypt("same plaintext")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	c := testCipher(t)

	encrypted, err := c.Encrypt("sensitive value")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(encrypted)
	require.NoError(t, err)

	// Flip one byte at every position: IV, ciphertext and tag must all be
	// covered by authentication.
	for i := range raw {
		tampered := make([]byte, len(raw))
		copy(tampered, raw)
		tampered[i] ^= 0x01

		_, err := c.Decrypt(base64.StdEncoding.EncodeToString(tampered))
		assert.ErrorIs(t, err, ErrDecryptFailed, "byte %d", i)
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	c := testCipher(t)
	encrypted, err := c.Encrypt("sensitive value")
	require.NoError(t, err)

	otherKey := make([]byte, KeySize)
	otherKey[0] = 0xFF
	other, err := NewCipher(otherKey)
	require.NoError(t, err)

	_, err = other.Decrypt(encrypted)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDecryptRejectsTruncatedInput(t *testing.T) {
	c := testCipher(t)

	_, err := c.Decrypt(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrDecryptFailed)

	_, err = c.Decrypt("not base64 at all %%%")
	assert.Error(t, err)
}

func TestNewCipherRejectsBadKeySize(t *testing.T) {
	_, err := NewCipher(make([]byte, 16))
	assert.Error(t, err)
}

func TestGeneratePKCE(t *testing.T) {
	pair, err := GeneratePKCE()
	require.NoError(t, err)

	// 32 random bytes before encoding.
	raw, err := base64.RawURLEncoding.DecodeString(pair.Verifier)
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	sum := sha256.Sum256([]byte(pair.Verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), pair.Challenge)

	// Pairs must be regenerated per attempt.
	second, err := GeneratePKCE()
	require.NoError(t, err)
	assert.NotEqual(t, pair.Verifier, second.Verifier)
}

func TestGenerateState(t *testing.T) {
	state, err := GenerateState()
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(state)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestDeriveKey(t *testing.T) {
	key := DeriveKey([]byte("passphrase"), []byte("salt-value"))
	assert.Len(t, key, KeySize)

	same := DeriveKey([]byte("passphrase"), []byte("salt-value"))
	assert.Equal(t, key, same)

	different := DeriveKey([]byte("passphrase"), []byte("other-salt"))
	assert.NotEqual(t, key, different)
}

func TestHashToken(t *testing.T) {
	assert.Len(t, HashToken("token"), 64)
	assert.Equal(t, HashToken("token"), HashToken("token"))
	assert.NotEqual(t, HashToken("token"), HashToken("token2"))
}
