package funding

import (
	"errors"
	"strings"
	"time"
)

// Funding rates are always compared on an 8 hour settlement basis.
const SettlementHours = 8

// rateDivisor converts the aggregator's integer representation into a decimal
// rate. Example: 25 -> 25 / 10000 = 0.0025 (0.25% per settlement).
const rateDivisor = 10000.0

// ErrNotFound is returned when no rate exists for a (venue, symbol) pair.
var ErrNotFound = errors.New("funding: rate not found")

// Record mirrors one entry of the aggregator's GET /funding response.
type Record struct {
	Exchange        string  `json:"exchange"`
	Symbol          string  `json:"symbol"`
	FundingRate     int64   `json:"funding_rate"`
	IntervalHours   int     `json:"interval_hours"`
	OpenInterestUSD float64 `json:"open_interest_usd,omitempty"`
}

// Snapshot is one normalized funding observation for a (venue, symbol) pair.
// Rate is always expressed per 8h settlement regardless of venue cadence.
type Snapshot struct {
	Venue           string
	Symbol          string // canonical form, e.g. "BTC/USDT:USDT"
	Rate            float64
	IntervalHours   int
	OpenInterestUSD float64 // 0 when the aggregator has no OI data
	Bid             float64 // 0 when absent
	Ask             float64 // 0 when absent
	Timestamp       time.Time
}

// Normalize converts a raw aggregator funding value into a decimal rate per
// 8h settlement. Sub-8h cadences are scaled down so all venues compare on the
// same basis: Normalize(25, 8) = 0.0025, Normalize(25, 1) = 0.0025/8.
func Normalize(raw int64, intervalHours int) float64 {
	rate := float64(raw) / rateDivisor
	if intervalHours > 0 && intervalHours < SettlementHours {
		rate = rate * float64(intervalHours) / SettlementHours
	}
	return rate
}

// Canonical converts a venue symbol into the canonical "BASE/QUOTE:QUOTE"
// form. Bare base symbols ("BTC"), venue-suffixed forms ("BTC-PERP",
// "BTCUSDT") and already-canonical symbols all map to the same output.
func Canonical(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return ""
	}
	// Already canonical.
	if strings.Contains(s, "/") && strings.Contains(s, ":") {
		return s
	}
	base := s
	base = strings.TrimSuffix(base, "-PERP")
	base = strings.TrimSuffix(base, "PERP")
	base = strings.TrimSuffix(base, "-USD")
	base = strings.TrimSuffix(base, "USDT")
	base = strings.TrimSuffix(base, "USDC")
	if i := strings.IndexAny(base, "/:-"); i > 0 {
		base = base[:i]
	}
	if base == "" {
		base = s
	}
	return base + "/USDT:USDT"
}

// Base extracts the base asset from a canonical symbol: "BTC/USDT:USDT" -> "BTC".
func Base(canonical string) string {
	if i := strings.IndexAny(canonical, "/:-"); i > 0 {
		return canonical[:i]
	}
	return canonical
}
