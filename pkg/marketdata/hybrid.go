package marketdata

import (
	"context"
	"sync"

	"github.com/zeromicro/go-zero/core/logx"
	"golang.org/x/sync/errgroup"
)

// HybridService takes funding rates from the aggregator and enriches them
// with venue-native open interest. Ancillary fetch failures degrade to the
// aggregator values; they never fail the snapshot.
type HybridService struct {
	agg     *AggregatorService
	sources []DataSource
}

func (s *HybridService) Snapshot(ctx context.Context, symbols []string) (map[string]SymbolQuote, error) {
	quotes, err := s.agg.Snapshot(ctx, symbols)
	if err != nil {
		return nil, err
	}

	type oiResult struct {
		venue, symbol string
		oi            float64
	}

	var mu sync.Mutex
	var results []oiResult

	group, groupCtx := errgroup.WithContext(ctx)
	for _, source := range s.sources {
		source := source
		group.Go(func() error {
			for symbol, quote := range quotes {
				if _, ok := quote.Venues[source.Name()]; !ok {
					continue
				}
				oi, err := source.OpenInterestUSD(groupCtx, symbol)
				if err != nil {
					logx.Infof("marketdata: %s open interest for %s unavailable, keeping aggregator value: %v",
						source.Name(), symbol, err)
					continue
				}
				if oi <= 0 {
					continue
				}
				mu.Lock()
				results = append(results, oiResult{venue: source.Name(), symbol: symbol, oi: oi})
				mu.Unlock()
			}
			return nil
		})
	}
	// Sources never return errors to the group; Wait only propagates context
	// cancellation.
	if err := group.Wait(); err != nil {
		return nil, err
	}

	for _, r := range results {
		quote := quotes[r.symbol]
		snap := quote.Venues[r.venue]
		snap.OpenInterestUSD = r.oi
		quote.Venues[r.venue] = snap
		quotes[r.symbol] = quote
	}
	return quotes, nil
}

func (s *HybridService) SupportedSymbols(ctx context.Context) ([]string, error) {
	return s.agg.SupportedSymbols(ctx)
}
