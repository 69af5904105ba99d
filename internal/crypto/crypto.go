// Package crypto provides the symmetric encryption and random-token
// primitives for the authentication core: AES-256-GCM for secrets at rest,
// PKCE pair and CSRF state generation, and token hashing.
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

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// IVSize is the GCM nonce length in bytes. The stored format carries the
	// IV alongside ciphertext and tag, so all three survive together.
	IVSize = 16
	// pbkdf2Iterations follows the OWASP recommendation for PBKDF2-SHA-256.
	pbkdf2Iterations = 600000
)

// ErrDecryptFailed indicates a bad authentication tag or wrong key. Callers
// must treat this as fatal; the plaintext is never partially returned.
var ErrDecryptFailed = errors.New("decryption failed: authentication tag mismatch")

// Cipher performs AES-256-GCM authenticated encryption.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher from a raw 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize AES: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// DeriveKey derives a 32-byte AES key from a passphrase and salt with
// PBKDF2-SHA-256.
func DeriveKey(passphrase, salt []byte) []byte {
	return pbkdf2.Key(passphrase, salt, pbkdf2Iterations, KeySize, sha256.New)
}

// Encrypt seals plaintext with a fresh random IV. The result is
// base64(iv || ciphertext || tag).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}
	sealed := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(append(iv, sealed...)), nil
}

// Decrypt opens a value produced by Encrypt. Any tamper or wrong key returns
// ErrDecryptFailed rather than garbage plaintext.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("invalid ciphertext encoding: %w", err)
	}
	if len(raw) < IVSize+c.aead.Overhead() {
		return "", ErrDecryptFailed
	}
	iv, sealed := raw[:IVSize], raw[IVSize:]
	plaintext, err := c.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}

// RandomString returns a base64url-encoded string of length random bytes.
func RandomString(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// PKCEPair is a per-login-attempt verifier/challenge pair. Only the challenge
// is sent to the identity provider during the authorization step.
type PKCEPair struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE produces a fresh verifier (32 random bytes, base64url) and its
// S256 challenge.
func GeneratePKCE() (PKCEPair, error) {
	verifier, err := RandomString(32)
	if err != nil {
		return PKCEPair{}, err
	}
	sum := sha256.Sum256([]byte(verifier))
	return PKCEPair{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
	}, nil
}

// GenerateState produces a CSRF state token (32 random bytes, base64url).
func GenerateState() (string, error) {
	return RandomString(32)
}

// HashToken returns a hex-encoded SHA-256 hash, used to key revocation and
// session rows without storing raw credentials.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
