package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/kh1985/funding-arb-system/pkg/venue"
)

// LegIntent is one side of a trade intent.
type LegIntent struct {
	Venue       string
	Symbol      string
	Side        venue.Side
	NotionalUSD float64
	Rate        float64 // 8h-normalized funding rate backing the leg
}

// ID identifies the venue-symbol slot this leg targets.
func (l LegIntent) ID() string {
	return l.Venue + ":" + l.Symbol
}

// TradeIntent directs the execution service to open one delta-neutral pair.
type TradeIntent struct {
	PairKey string
	CycleID int64
	Short   LegIntent
	Long    LegIntent

	EdgeBps     float64
	Beta        float64
	Score       float64
	Persistence int

	// IdempotencyKey is derived deterministically from the cycle and the
	// two leg slots, so a crashed-and-restarted cycle resubmits the exact
	// same client order ids.
	IdempotencyKey string
}

// IdempotencyKey derives the stable order-id prefix for a pair within a cycle.
func IdempotencyKey(cycleID int64, shortID, longID string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s", cycleID, shortID, longID)))
	return hex.EncodeToString(sum[:])[:16]
}
