package marketdata

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/kh1985/funding-arb-system/pkg/funding"
)

// SymbolQuote is the per-cycle cross-venue view of one symbol.
type SymbolQuote struct {
	Symbol    string
	Venues    map[string]funding.Snapshot
	MaxSpread float64 // max(rate) - min(rate) across venues
	Coverage  int     // number of venues quoting the symbol
}

// Service supplies per-cycle market data for a set of symbols.
type Service interface {
	Snapshot(ctx context.Context, symbols []string) (map[string]SymbolQuote, error)
	SupportedSymbols(ctx context.Context) ([]string, error)
}

// DataSource provides venue-native data for the hybrid and venue modes.
type DataSource interface {
	Name() string
	Funding(ctx context.Context, symbols []string) ([]funding.Snapshot, error)
	OpenInterestUSD(ctx context.Context, symbol string) (float64, error)
}

// Mode selection for NewService.
const (
	ModeAggregator = "aggregator"
	ModeHybrid     = "hybrid"
	ModeVenue      = "venue"
)

// DefaultOpenInterestUSD substitutes for missing open interest so OI filters
// stay permissive instead of dropping symbols on a data gap.
const DefaultOpenInterestUSD = 5_000_000

// NewService builds the service variant named by mode.
func NewService(mode string, client *funding.Client, sources []DataSource, defaultOI float64) (Service, error) {
	if defaultOI <= 0 {
		defaultOI = DefaultOpenInterestUSD
	}
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeAggregator:
		if client == nil {
			return nil, fmt.Errorf("marketdata: aggregator mode requires a funding client")
		}
		return &AggregatorService{client: client, defaultOI: defaultOI}, nil
	case ModeHybrid:
		if client == nil {
			return nil, fmt.Errorf("marketdata: hybrid mode requires a funding client")
		}
		return &HybridService{
			agg:     &AggregatorService{client: client, defaultOI: defaultOI},
			sources: sources,
		}, nil
	case ModeVenue:
		if len(sources) == 0 {
			return nil, fmt.Errorf("marketdata: venue mode requires at least one data source")
		}
		return &VenueService{sources: sources, defaultOI: defaultOI}, nil
	default:
		return nil, fmt.Errorf("marketdata: unknown mode %q", mode)
	}
}

// buildQuote derives spread and coverage from the per-venue snapshots.
func buildQuote(symbol string, venues map[string]funding.Snapshot) SymbolQuote {
	quote := SymbolQuote{Symbol: symbol, Venues: venues, Coverage: len(venues)}
	first := true
	var min, max float64
	for _, snap := range venues {
		if first {
			min, max = snap.Rate, snap.Rate
			first = false
			continue
		}
		if snap.Rate < min {
			min = snap.Rate
		}
		if snap.Rate > max {
			max = snap.Rate
		}
	}
	if !first {
		quote.MaxSpread = max - min
	}
	return quote
}

func sortedSymbols(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
