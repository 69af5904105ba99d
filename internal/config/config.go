package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/relaycrm/authcore/internal/crypto"
)

// Config is the validated runtime configuration of the auth core.
type Config struct {
	ListenAddr  string
	ExternalURL string
	LogLevel    string

	DatabaseURL string
	RedisURL    string
	AMQPURL     string

	// EncryptionKey is the single deployment-wide AES-256 key for secrets
	// at rest.
	EncryptionKey []byte

	TokenIssuer   string
	TokenAudience string
	TokenTTL      time.Duration

	// OpsTokenHash is the bcrypt hash guarding the operator revocation
	// endpoint. Empty disables the endpoint.
	OpsTokenHash string

	SweepInterval     time.Duration
	SessionGCInterval time.Duration

	SAMLCertFile     string
	SAMLKeyFile      string
	SAMLAttributeMap string
}

// Load reads the configuration from the environment. Call LoadEnv first so
// Secrets Manager and .env values are present.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:        getEnv("AUTHCORE_LISTEN_ADDR", ":8080"),
		ExternalURL:       os.Getenv("AUTHCORE_EXTERNAL_URL"),
		LogLevel:          getEnv("AUTHCORE_LOG_LEVEL", "info"),
		DatabaseURL:       os.Getenv("AUTHCORE_DATABASE_URL"),
		RedisURL:          os.Getenv("AUTHCORE_REDIS_URL"),
		AMQPURL:           os.Getenv("AUTHCORE_AMQP_URL"),
		TokenIssuer:       getEnv("AUTHCORE_TOKEN_ISSUER", "relaycrm-authcore"),
		TokenAudience:     getEnv("AUTHCORE_TOKEN_AUDIENCE", "relaycrm"),
		OpsTokenHash:      os.Getenv("AUTHCORE_OPS_TOKEN_HASH"),
		SAMLCertFile:      os.Getenv("AUTHCORE_SAML_CERT_FILE"),
		SAMLKeyFile:       os.Getenv("AUTHCORE_SAML_KEY_FILE"),
		SAMLAttributeMap:  os.Getenv("AUTHCORE_SAML_ATTRIBUTE_MAP"),
		TokenTTL:          time.Hour,
		SweepInterval:     10 * time.Minute,
		SessionGCInterval: time.Hour,
	}

	if cfg.ExternalURL == "" {
		return nil, fmt.Errorf("AUTHCORE_EXTERNAL_URL is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("AUTHCORE_DATABASE_URL is required")
	}

	var err error
	if cfg.EncryptionKey, err = loadEncryptionKey(); err != nil {
		return nil, err
	}
	if cfg.TokenTTL, err = getDuration("AUTHCORE_TOKEN_TTL", cfg.TokenTTL); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getDuration("AUTHCORE_SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return nil, err
	}
	if cfg.SessionGCInterval, err = getDuration("AUTHCORE_SESSION_GC_INTERVAL", cfg.SessionGCInterval); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadEncryptionKey accepts either a base64-encoded 32-byte key or a
// passphrase+salt pair to derive one from.
func loadEncryptionKey() ([]byte, error) {
	if encoded := os.Getenv("AUTHCORE_ENCRYPTION_KEY"); encoded != "" {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("AUTHCORE_ENCRYPTION_KEY is not valid base64: %w", err)
		}
		if len(key) != crypto.KeySize {
			return nil, fmt.Errorf("AUTHCORE_ENCRYPTION_KEY must decode to %d bytes, got %d", crypto.KeySize, len(key))
		}
		return key, nil
	}

	passphrase := os.Getenv("AUTHCORE_ENCRYPTION_PASSPHRASE")
	salt := os.Getenv("AUTHCORE_ENCRYPTION_SALT")
	if passphrase == "" || salt == "" {
		return nil, fmt.Errorf("AUTHCORE_ENCRYPTION_KEY or AUTHCORE_ENCRYPTION_PASSPHRASE + AUTHCORE_ENCRYPTION_SALT is required")
	}
	return crypto.DeriveKey([]byte(passphrase), []byte(salt)), nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s is not a valid duration: %w", key, err)
	}
	return d, nil
}
