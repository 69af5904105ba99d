package sso

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/relaycrm/authcore/internal/autherr"
)

// ErrStateNotFound is returned when a login state token is unknown or
// already consumed.
var ErrStateNotFound = errors.New("login state not found")

// Store persists provider configurations, SSO sessions and login states.
// Postgres holds the durable rows; Redis, when configured, holds the
// short-lived login states so they expire server-side.
type Store struct {
	db    *sql.DB
	redis *redis.Client
}

// NewStore initializes the store against an existing Postgres connection
// string and optional Redis client, bootstrapping the owned tables.
func NewStore(connString string, redisClient *redis.Client) (*Store, error) {
	if connString == "" {
		return nil, fmt.Errorf("database connection string is required")
	}

	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := &Store{db: db, redis: redisClient}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

// Close closes the database connection. The Redis client is shared and not
// closed here.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveProviderConfig inserts or updates a provider registration.
func (s *Store) SaveProviderConfig(ctx context.Context, cfg *ProviderConfig) error {
	query := `
		INSERT INTO sso_provider_configs
			(id, tenant_id, provider_type, client_id, client_secret_enc, metadata_url, enabled, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (tenant_id, provider_type)
		DO UPDATE SET
			client_id = EXCLUDED.client_id,
			client_secret_enc = EXCLUDED.client_secret_enc,
			metadata_url = EXCLUDED.metadata_url,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at
	`

	now := time.Now()
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		cfg.ID,
		cfg.TenantID,
		string(cfg.Type),
		cfg.ClientID,
		cfg.EncryptedClientSecret,
		nullableString(cfg.MetadataURL),
		cfg.Enabled,
		cfg.CreatedAt,
		cfg.UpdatedAt,
	)
	return err
}

// GetProviderConfig fetches the enabled registration for a tenant/provider
// pair. A missing or disabled row is reported as KindProviderNotConfigured.
func (s *Store) GetProviderConfig(ctx context.Context, tenantID string, provider ProviderType) (*ProviderConfig, error) {
	query := `
		SELECT id, tenant_id, provider_type, client_id, client_secret_enc, metadata_url, enabled, created_at, updated_at
		FROM sso_provider_configs
		WHERE tenant_id = $1 AND provider_type = $2
	`

	var cfg ProviderConfig
	var providerType string
	var metadataURL sql.NullString

	err := s.db.QueryRowContext(ctx, query, tenantID, string(provider)).Scan(
		&cfg.ID,
		&cfg.TenantID,
		&providerType,
		&cfg.ClientID,
		&cfg.EncryptedClientSecret,
		&metadataURL,
		&cfg.Enabled,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, autherr.New(autherr.KindProviderNotConfigured, fmt.Sprintf("no %s provider for tenant", provider))
	}
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, autherr.New(autherr.KindProviderNotConfigured, fmt.Sprintf("%s provider disabled for tenant", provider))
	}

	cfg.Type = ProviderType(providerType)
	cfg.MetadataURL = metadataURL.String
	return &cfg, nil
}

// PatchProviderConfig applies a partial update. encryptSecret converts a
// plaintext secret into its stored form; it is only invoked when the patch
// carries one.
func (s *Store) PatchProviderConfig(ctx context.Context, tenantID string, provider ProviderType, patch ProviderConfigPatch, encryptSecret func(string) (string, error)) error {
	sets := []string{"updated_at = NOW()"}
	args := []interface{}{tenantID, string(provider)}

	addSet := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.ClientID != nil {
		addSet("client_id", *patch.ClientID)
	}
	if patch.ClientSecret != nil {
		encrypted, err := encryptSecret(*patch.ClientSecret)
		if err != nil {
			return err
		}
		addSet("client_secret_enc", encrypted)
	}
	if patch.MetadataURL != nil {
		addSet("metadata_url", *patch.MetadataURL)
	}
	if patch.Enabled != nil {
		addSet("enabled", *patch.Enabled)
	}

	query := "UPDATE sso_provider_configs SET " + strings.Join(sets, ", ") +
		" WHERE tenant_id = $1 AND provider_type = $2"
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return autherr.New(autherr.KindProviderNotConfigured, fmt.Sprintf("no %s provider for tenant", provider))
	}
	return nil
}

// SaveLoginState persists a state token for its validity window.
func (s *Store) SaveLoginState(ctx context.Context, state *LoginState) error {
	if s.redis != nil {
		payload, err := json.Marshal(state)
		if err != nil {
			return err
		}
		key := stateKey(state.State)
		return s.redis.Set(ctx, key, payload, time.Until(state.ExpiresAt)).Err()
	}

	query := `
		INSERT INTO sso_login_states
			(state, tenant_id, user_id, provider_type, code_verifier, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`
	_, err := s.db.ExecContext(ctx, query,
		state.State,
		state.TenantID,
		state.UserID,
		string(state.Provider),
		state.CodeVerifier,
		state.CreatedAt,
		state.ExpiresAt,
	)
	return err
}

// ConsumeLoginState retrieves and deletes a state token in one step, so a
// token can only ever complete one callback.
func (s *Store) ConsumeLoginState(ctx context.Context, stateToken string) (*LoginState, error) {
	if s.redis != nil {
		val, err := s.redis.GetDel(ctx, stateKey(stateToken)).Result()
		if err == redis.Nil {
			return nil, ErrStateNotFound
		}
		if err != nil {
			return nil, err
		}
		var state LoginState
		if err := json.Unmarshal([]byte(val), &state); err != nil {
			return nil, err
		}
		return &state, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var state LoginState
	var providerType string
	query := `
		SELECT state, tenant_id, user_id, provider_type, code_verifier, created_at, expires_at
		FROM sso_login_states
		WHERE state = $1
		FOR UPDATE
	`
	err = tx.QueryRowContext(ctx, query, stateToken).Scan(
		&state.State,
		&state.TenantID,
		&state.UserID,
		&providerType,
		&state.CodeVerifier,
		&state.CreatedAt,
		&state.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		err = nil
		_ = tx.Rollback()
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, err
	}
	state.Provider = ProviderType(providerType)

	if _, err = tx.ExecContext(ctx, `DELETE FROM sso_login_states WHERE state = $1`, stateToken); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return &state, nil
}

// SaveSession persists an SSO session row.
func (s *Store) SaveSession(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO sso_sessions
			(id, user_id, tenant_id, provider_id, provider_user_id, provider_email,
			 access_token_enc, refresh_token_enc, id_token, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.UserID,
		session.TenantID,
		session.ProviderID,
		session.ProviderUserID,
		session.ProviderEmail,
		session.EncryptedAccessToken,
		nullableString(session.EncryptedRefreshToken),
		nullableString(session.IDToken),
		session.ExpiresAt,
		session.CreatedAt,
	)
	return err
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT id, user_id, tenant_id, provider_id, provider_user_id, provider_email,
		       access_token_enc, refresh_token_enc, id_token, expires_at, created_at
		FROM sso_sessions
		WHERE id = $1
	`
	var session Session
	var refreshEnc, idToken sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&session.ID,
		&session.UserID,
		&session.TenantID,
		&session.ProviderID,
		&session.ProviderUserID,
		&session.ProviderEmail,
		&session.EncryptedAccessToken,
		&refreshEnc,
		&idToken,
		&session.ExpiresAt,
		&session.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	session.EncryptedRefreshToken = refreshEnc.String
	session.IDToken = idToken.String
	return &session, nil
}

// DeleteExpiredSessions garbage-collects sessions past the retention window
// and returns how many rows were removed.
func (s *Store) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sso_sessions WHERE created_at < $1`,
		time.Now().Add(-SessionRetention),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LinkUserIdentity sets the federation link on a user row. Idempotent: a
// repeated link with the same values is a no-op update.
func (s *Store) LinkUserIdentity(ctx context.Context, userID, providerID, providerUserID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET sso_provider_id = $2, sso_provider_user_id = $3 WHERE id = $1`,
		userID, providerID, providerUserID,
	)
	return err
}

// UnlinkUserIdentity clears the federation link. Idempotent.
func (s *Store) UnlinkUserIdentity(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET sso_provider_id = NULL, sso_provider_user_id = NULL WHERE id = $1`,
		userID,
	)
	return err
}

// initSchema bootstraps the tables owned by the auth core. The users table
// belongs to the relational store and is only referenced here.
func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sso_provider_configs (
		id VARCHAR(255) PRIMARY KEY,
		tenant_id VARCHAR(255) NOT NULL,
		provider_type VARCHAR(32) NOT NULL,
		client_id TEXT NOT NULL,
		client_secret_enc TEXT NOT NULL,
		metadata_url TEXT,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
		UNIQUE (tenant_id, provider_type)
	);

	CREATE TABLE IF NOT EXISTS sso_login_states (
		state TEXT PRIMARY KEY,
		tenant_id VARCHAR(255) NOT NULL,
		user_id VARCHAR(255) NOT NULL,
		provider_type VARCHAR(32) NOT NULL,
		code_verifier TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sso_sessions (
		id VARCHAR(255) PRIMARY KEY,
		user_id VARCHAR(255) NOT NULL,
		tenant_id VARCHAR(255) NOT NULL,
		provider_id VARCHAR(255) NOT NULL,
		provider_user_id VARCHAR(255) NOT NULL,
		provider_email TEXT NOT NULL,
		access_token_enc TEXT NOT NULL,
		refresh_token_enc TEXT,
		id_token TEXT,
		expires_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_sso_provider_configs_tenant ON sso_provider_configs(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_sso_login_states_expires ON sso_login_states(expires_at);
	CREATE INDEX IF NOT EXISTS idx_sso_sessions_user ON sso_sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_sso_sessions_created ON sso_sessions(created_at);
	`

	_, err := s.db.Exec(query)
	return err
}

func stateKey(state string) string {
	return "authcore:sso:state:" + state
}

func nullableString(val string) sql.NullString {
	if val == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: val, Valid: true}
}
