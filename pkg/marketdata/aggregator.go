package marketdata

import (
	"context"
	"fmt"

	"github.com/kh1985/funding-arb-system/pkg/funding"
)

// AggregatorService serves funding data straight from the aggregator feed.
// Open interest missing from the feed is substituted with the default, so
// downstream OI filters never starve on a feed gap.
type AggregatorService struct {
	client    *funding.Client
	defaultOI float64
}

func (s *AggregatorService) Snapshot(ctx context.Context, symbols []string) (map[string]SymbolQuote, error) {
	rates, err := s.client.GetRatesBySymbols(ctx, symbols)
	if err != nil {
		return nil, fmt.Errorf("marketdata: aggregator snapshot: %w", err)
	}
	out := make(map[string]SymbolQuote, len(rates))
	for symbol, venues := range rates {
		for name, snap := range venues {
			if snap.OpenInterestUSD <= 0 {
				snap.OpenInterestUSD = s.defaultOI
				venues[name] = snap
			}
		}
		out[symbol] = buildQuote(symbol, venues)
	}
	return out, nil
}

func (s *AggregatorService) SupportedSymbols(ctx context.Context) ([]string, error) {
	snaps, err := s.client.FetchAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("marketdata: supported symbols: %w", err)
	}
	set := make(map[string]struct{}, len(snaps))
	for _, snap := range snaps {
		set[snap.Symbol] = struct{}{}
	}
	return sortedSymbols(set), nil
}
