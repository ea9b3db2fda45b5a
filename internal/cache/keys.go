package cache

import (
	"fmt"
	"strings"
	"time"

	"github.com/kh1985/funding-arb-system/internal/config"
)

// Namespace is the Redis key prefix for the arbitrage system.
const Namespace = "arb"

// TTLClass represents a config-driven TTL bucket.
type TTLClass string

const (
	TTLShort  TTLClass = "short"
	TTLMedium TTLClass = "medium"
	TTLLong   TTLClass = "long"
)

// TTLSet normalises cache TTLs from config into time.Duration values.
type TTLSet struct {
	Short  time.Duration
	Medium time.Duration
	Long   time.Duration
}

// NewTTLSet converts config TTLs (in seconds) into durations.
func NewTTLSet(cfg config.CacheTTL) TTLSet {
	return TTLSet{
		Short:  durationOrDefault(cfg.Short, 10*time.Second),
		Medium: durationOrDefault(cfg.Medium, time.Minute),
		Long:   durationOrDefault(cfg.Long, 30*time.Minute),
	}
}

func durationOrDefault(seconds int, fallback time.Duration) time.Duration {
	if seconds < 0 {
		return 0
	}
	if seconds == 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// Duration returns the configured duration for the given TTL class.
func (t TTLSet) Duration(class TTLClass) time.Duration {
	switch class {
	case TTLShort:
		return t.Short
	case TTLMedium:
		return t.Medium
	case TTLLong:
		return t.Long
	default:
		return 0
	}
}

// Scaled applies a multiplier to a TTL class, useful for half/double TTL variants.
func (t TTLSet) Scaled(class TTLClass, factor float64) time.Duration {
	base := t.Duration(class)
	if base <= 0 || factor <= 0 {
		return base
	}
	return time.Duration(float64(base) * factor)
}

func formatKey(parts ...string) string {
	values := make([]string, 0, len(parts)+1)
	values = append(values, Namespace)
	for _, part := range parts {
		clean := strings.TrimSpace(part)
		if clean == "" {
			continue
		}
		values = append(values, clean)
	}
	return strings.Join(values, ":")
}

// --- Cycle Keys -------------------------------------------------------------

// CycleLastKey holds the most recent cycle summary payload.
func CycleLastKey() string {
	return formatKey("cycle", "last")
}

// CycleSummaryKey holds the summary of a specific cycle.
func CycleSummaryKey(cycleID int64) string {
	return formatKey("cycle", fmt.Sprintf("%d", cycleID))
}

// --- Portfolio Keys ---------------------------------------------------------

// PortfolioKey holds the portfolio snapshot mirrored each cycle.
func PortfolioKey() string {
	return formatKey("portfolio")
}

// RiskStateKey holds the current risk state as a bare string for dashboards.
func RiskStateKey() string {
	return formatKey("risk", "state")
}

// PairKey holds one position pair's mirrored record.
func PairKey(pairID string) string {
	return formatKey("pair", pairID)
}

// --- TTL Helpers ------------------------------------------------------------

// CycleTTL returns the TTL for mirrored cycle summaries. Summaries outlive a
// few cycles so operators can inspect recent history from Redis alone.
func CycleTTL(ttl TTLSet) time.Duration {
	return ttl.Duration(TTLLong)
}

// PortfolioTTL returns the TTL for the portfolio snapshot. The mirror is
// refreshed every cycle; a stale snapshot should expire rather than mislead.
func PortfolioTTL(ttl TTLSet) time.Duration {
	return ttl.Scaled(TTLMedium, 3)
}

// RiskStateTTL returns the TTL for the risk-state string.
func RiskStateTTL(ttl TTLSet) time.Duration {
	return ttl.Scaled(TTLMedium, 3)
}

// FormatCacheKey is exported for dynamic key construction when patterns
// are not covered by helpers.
func FormatCacheKey(parts ...string) string {
	return formatKey(parts...)
}
