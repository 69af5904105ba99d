// Package revocation tracks credentials marked unusable before their natural
// expiry. Entries are keyed both by (hashed) token string and by jti, so a
// re-signed token sharing a revoked jti cannot bypass the check.
package revocation

import (
	"context"
	"sync"
	"time"

	"github.com/relaycrm/authcore/internal/crypto"
)

// Store is the revocation state interface. The in-memory implementation is
// the single-instance/test fast path; the Redis implementation is the shared
// backing for horizontally scaled deployments.
type Store interface {
	// Add marks a token (and its jti, when known) unusable for ttl. A zero
	// ttl uses the store's default.
	Add(ctx context.Context, token, jti string, ttl time.Duration) error
	// IsRevoked reports whether the token or its jti has been revoked.
	IsRevoked(ctx context.Context, token, jti string) (bool, error)
	// Remove reverses a revocation. Used only by tests and ops tooling.
	Remove(ctx context.Context, token, jti string) error
	Size() int
	Close()
}

// tokenKey derives the storage key for a raw token string. Tokens are hashed
// so revocation state never holds usable credentials.
func tokenKey(token string) string {
	return "t:" + crypto.HashToken(token)
}

func jtiKey(jti string) string {
	return "j:" + jti
}

// MemoryStore is a mutex-guarded in-memory revocation set with TTL eviction.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]time.Time // key -> expiry
	defaultTTL time.Duration

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// NewMemoryStore creates an in-memory store. The background sweeper is not
// started until Start is called, so tests drive Sweep deterministically.
func NewMemoryStore(defaultTTL time.Duration) *MemoryStore {
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	return &MemoryStore{
		entries:    make(map[string]time.Time),
		defaultTTL: defaultTTL,
	}
}

// Start launches the periodic sweeper. Stop it with Close.
func (ms *MemoryStore) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	ms.sweepCancel = cancel
	ms.sweepDone = make(chan struct{})
	go func() {
		defer close(ms.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ms.Sweep()
			}
		}
	}()
}

// Add marks the token and jti revoked until now+ttl.
func (ms *MemoryStore) Add(_ context.Context, token, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = ms.defaultTTL
	}
	expiry := time.Now().Add(ttl)

	ms.mu.Lock()
	if token != "" {
		ms.entries[tokenKey(token)] = expiry
	}
	if jti != "" {
		ms.entries[jtiKey(jti)] = expiry
	}
	ms.mu.Unlock()
	return nil
}

// IsRevoked reports whether either key is present and unexpired.
func (ms *MemoryStore) IsRevoked(_ context.Context, token, jti string) (bool, error) {
	now := time.Now()
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if token != "" {
		if expiry, ok := ms.entries[tokenKey(token)]; ok {
			if now.Before(expiry) {
				return true, nil
			}
			delete(ms.entries, tokenKey(token))
		}
	}
	if jti != "" {
		if expiry, ok := ms.entries[jtiKey(jti)]; ok {
			if now.Before(expiry) {
				return true, nil
			}
			delete(ms.entries, jtiKey(jti))
		}
	}
	return false, nil
}

// Remove deletes both keys.
func (ms *MemoryStore) Remove(_ context.Context, token, jti string) error {
	ms.mu.Lock()
	if token != "" {
		delete(ms.entries, tokenKey(token))
	}
	if jti != "" {
		delete(ms.entries, jtiKey(jti))
	}
	ms.mu.Unlock()
	return nil
}

// Size returns the number of entries, including any not yet swept.
func (ms *MemoryStore) Size() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return len(ms.entries)
}

// Sweep evicts expired entries in batches. The lock is released between
// batches so a large map never stalls request handlers for a full pass.
func (ms *MemoryStore) Sweep() {
	const batchSize = 1024
	now := time.Now()

	var expired []string
	ms.mu.Lock()
	for key, expiry := range ms.entries {
		if now.After(expiry) {
			expired = append(expired, key)
		}
	}
	ms.mu.Unlock()

	for start := 0; start < len(expired); start += batchSize {
		end := start + batchSize
		if end > len(expired) {
			end = len(expired)
		}
		ms.mu.Lock()
		for _, key := range expired[start:end] {
			// Re-check: the entry may have been refreshed since scanning.
			if expiry, ok := ms.entries[key]; ok && now.After(expiry) {
				delete(ms.entries, key)
			}
		}
		ms.mu.Unlock()
	}
}

// Close stops the sweeper if it is running.
func (ms *MemoryStore) Close() {
	if ms.sweepCancel != nil {
		ms.sweepCancel()
		<-ms.sweepDone
	}
}
