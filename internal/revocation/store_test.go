package revocation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndIsRevoked(t *testing.T) {
	ms := NewMemoryStore(time.Hour)
	defer ms.Close()
	ctx := context.Background()

	require.NoError(t, ms.Add(ctx, "T1", "J1", 0))

	revoked, err := ms.IsRevoked(ctx, "T1", "")
	require.NoError(t, err)
	assert.True(t, revoked)

	// Any token sharing the revoked jti is also revoked, even with a
	// different token string.
	revoked, err = ms.IsRevoked(ctx, "T2-different-string", "J1")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = ms.IsRevoked(ctx, "T3", "J-other")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRevocationExpiresAfterTTL(t *testing.T) {
	ms := NewMemoryStore(time.Hour)
	defer ms.Close()
	ctx := context.Background()

	require.NoError(t, ms.Add(ctx, "T1", "J1", 10*time.Millisecond))

	revoked, err := ms.IsRevoked(ctx, "T1", "J1")
	require.NoError(t, err)
	assert.True(t, revoked)

	time.Sleep(20 * time.Millisecond)

	revoked, err = ms.IsRevoked(ctx, "T1", "J1")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRemoveReversesRevocation(t *testing.T) {
	ms := NewMemoryStore(time.Hour)
	defer ms.Close()
	ctx := context.Background()

	require.NoError(t, ms.Add(ctx, "T1", "J1", 0))
	require.NoError(t, ms.Remove(ctx, "T1", "J1"))

	revoked, err := ms.IsRevoked(ctx, "T1", "J1")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestJTIOnlyRevocation(t *testing.T) {
	ms := NewMemoryStore(time.Hour)
	defer ms.Close()
	ctx := context.Background()

	require.NoError(t, ms.Add(ctx, "", "J1", 0))

	revoked, err := ms.IsRevoked(ctx, "any-token", "J1")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = ms.IsRevoked(ctx, "any-token", "")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestSweepEvictsExpiredEntries(t *testing.T) {
	ms := NewMemoryStore(time.Hour)
	defer ms.Close()
	ctx := context.Background()

	require.NoError(t, ms.Add(ctx, "expired", "J-expired", time.Millisecond))
	require.NoError(t, ms.Add(ctx, "live", "J-live", time.Hour))
	assert.Equal(t, 4, ms.Size())

	time.Sleep(10 * time.Millisecond)
	ms.Sweep()

	assert.Equal(t, 2, ms.Size())
	revoked, err := ms.IsRevoked(ctx, "live", "J-live")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestConcurrentAccess(t *testing.T) {
	ms := NewMemoryStore(time.Hour)
	defer ms.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			token := string(rune('a' + n))
			for j := 0; j < 100; j++ {
				_ = ms.Add(ctx, token, "", time.Minute)
				_, _ = ms.IsRevoked(ctx, token, "")
				ms.Sweep()
			}
		}(i)
	}
	wg.Wait()
}
