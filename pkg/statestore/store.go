package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrKeyNotFound is returned by Get for absent keys.
var ErrKeyNotFound = errors.New("statestore: key not found")

// Well-known keys.
const (
	KeyPortfolioState      = "portfolio/state"
	KeyPersistenceCounters = "persistence/counters"
)

// PairKey addresses one position pair record.
func PairKey(pairID string) string {
	return "pairs/" + pairID
}

// CycleSummaryKey addresses one cycle summary record.
func CycleSummaryKey(cycleID int64) string {
	return fmt.Sprintf("cycles/%d/summary", cycleID)
}

// Store is a key-value store with an atomic multi-key write. WriteBatch
// either applies every entry or none; a nil value deletes the key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	WriteBatch(ctx context.Context, entries map[string][]byte) error
	List(ctx context.Context, prefix string) (map[string][]byte, error)
}

// Locker hands out lease-based cross-process locks. Acquire returns false
// when another live holder owns the lease.
type Locker interface {
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, holder string) error
}
