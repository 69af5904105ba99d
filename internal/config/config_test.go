package config

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("AUTHCORE_EXTERNAL_URL", "https://auth.example.com")
	t.Setenv("AUTHCORE_DATABASE_URL", "postgres://localhost/authcore")
	t.Setenv("AUTHCORE_ENCRYPTION_KEY", base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x01}, 32)))
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "relaycrm-authcore", cfg.TokenIssuer)
	assert.Len(t, cfg.EncryptionKey, 32)
}

func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("AUTHCORE_EXTERNAL_URL", "")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsShortKey(t *testing.T) {
	setRequired(t)
	t.Setenv("AUTHCORE_ENCRYPTION_KEY", base64.StdEncoding.EncodeToString([]byte("short")))

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadDerivesKeyFromPassphrase(t *testing.T) {
	setRequired(t)
	t.Setenv("AUTHCORE_ENCRYPTION_KEY", "")
	t.Setenv("AUTHCORE_ENCRYPTION_PASSPHRASE", "correct horse battery staple")
	t.Setenv("AUTHCORE_ENCRYPTION_SALT", "relaycrm")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Len(t, cfg.EncryptionKey, 32)

	again, err := Load()
	require.NoError(t, err)
	assert.Equal(t, cfg.EncryptionKey, again.EncryptionKey)
}

func TestLoadParsesDurations(t *testing.T) {
	setRequired(t)
	t.Setenv("AUTHCORE_TOKEN_TTL", "30m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "30m0s", cfg.TokenTTL.String())

	t.Setenv("AUTHCORE_TOKEN_TTL", "not-a-duration")
	_, err = Load()
	assert.Error(t, err)
}
