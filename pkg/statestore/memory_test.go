package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryGetPutDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	_, err := store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, store.Put(ctx, "portfolio/state", []byte("v1")))
	value, err := store.Get(ctx, "portfolio/state")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), value)

	// Mutating the returned slice must not leak into the store.
	value[0] = 'x'
	again, err := store.Get(ctx, "portfolio/state")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), again)

	require.NoError(t, store.Delete(ctx, "portfolio/state"))
	_, err = store.Get(ctx, "portfolio/state")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMemoryWriteBatch(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	require.NoError(t, store.Put(ctx, "pairs/old", []byte("stale")))

	require.NoError(t, store.WriteBatch(ctx, map[string][]byte{
		KeyPortfolioState:      []byte("state"),
		KeyPersistenceCounters: []byte("counters"),
		PairKey("p1"):          []byte("pair"),
		"pairs/old":            nil, // batch delete
	}))

	value, err := store.Get(ctx, KeyPortfolioState)
	require.NoError(t, err)
	require.Equal(t, []byte("state"), value)

	_, err = store.Get(ctx, "pairs/old")
	require.ErrorIs(t, err, ErrKeyNotFound)

	pairs, err := store.List(ctx, "pairs/")
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	require.Contains(t, pairs, "pairs/p1")
}

func TestMemoryLease(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	now := time.Now()
	store.SetClock(func() time.Time { return now })

	ok, err := store.Acquire(ctx, "cycle", "holder-a", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// A second holder is refused while the lease is live.
	ok, err = store.Acquire(ctx, "cycle", "holder-b", 30*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	// Re-acquire and renew by the owner succeed.
	ok, err = store.Acquire(ctx, "cycle", "holder-a", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.Renew(ctx, "cycle", "holder-a", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// Expired lease can be stolen.
	now = now.Add(time.Minute)
	ok, err = store.Acquire(ctx, "cycle", "holder-b", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// The previous owner can no longer renew.
	ok, err = store.Renew(ctx, "cycle", "holder-a", 30*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Release(ctx, "cycle", "holder-b"))
	ok, err = store.Acquire(ctx, "cycle", "holder-a", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestKeyHelpers(t *testing.T) {
	require.Equal(t, "pairs/p-1", PairKey("p-1"))
	require.Equal(t, "cycles/42/summary", CycleSummaryKey(42))
}
