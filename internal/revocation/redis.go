package revocation

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaycrm/authcore/internal/logging"
)

const redisPrefix = "authcore:revoked:"

// RedisStore is the shared revocation backing for multi-instance
// deployments. Reads fail open: a Redis outage must not lock every tenant
// out, and the natural token expiry still bounds the damage.
type RedisStore struct {
	client     *redis.Client
	defaultTTL time.Duration
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, defaultTTL time.Duration) *RedisStore {
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	return &RedisStore{client: client, defaultTTL: defaultTTL}
}

func (rs *RedisStore) Add(ctx context.Context, token, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = rs.defaultTTL
	}
	keys := rs.keys(token, jti)
	for _, key := range keys {
		if err := rs.client.Set(ctx, key, "1", ttl).Err(); err != nil {
			logging.Warn("revocation redis SET failed",
				zap.String("key", key),
				zap.Error(err),
			)
			return err
		}
	}
	return nil
}

func (rs *RedisStore) IsRevoked(ctx context.Context, token, jti string) (bool, error) {
	keys := rs.keys(token, jti)
	if len(keys) == 0 {
		return false, nil
	}
	n, err := rs.client.Exists(ctx, keys...).Result()
	if err != nil {
		logging.Warn("revocation redis EXISTS failed (failing open)", zap.Error(err))
		return false, nil
	}
	return n > 0, nil
}

func (rs *RedisStore) Remove(ctx context.Context, token, jti string) error {
	keys := rs.keys(token, jti)
	if len(keys) == 0 {
		return nil
	}
	if err := rs.client.Del(ctx, keys...).Err(); err != nil {
		logging.Warn("revocation redis DEL failed", zap.Error(err))
		return err
	}
	return nil
}

// Size returns -1; counting keys in Redis is too expensive.
func (rs *RedisStore) Size() int {
	return -1
}

// Close is a no-op; the client is shared.
func (rs *RedisStore) Close() {}

func (rs *RedisStore) keys(token, jti string) []string {
	keys := make([]string, 0, 2)
	if token != "" {
		keys = append(keys, redisPrefix+tokenKey(token))
	}
	if jti != "" {
		keys = append(keys, redisPrefix+jtiKey(jti))
	}
	return keys
}
