package marketdata

import (
	"context"
	"fmt"
	"sync"

	"github.com/zeromicro/go-zero/core/logx"
	"golang.org/x/sync/errgroup"

	"github.com/kh1985/funding-arb-system/pkg/funding"
)

// VenueService builds quotes exclusively from venue-native data sources. A
// single failing venue is skipped; the snapshot fails only when every venue
// is down.
type VenueService struct {
	sources   []DataSource
	defaultOI float64
}

func (s *VenueService) Snapshot(ctx context.Context, symbols []string) (map[string]SymbolQuote, error) {
	wanted := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		wanted[funding.Canonical(sym)] = struct{}{}
	}

	var mu sync.Mutex
	merged := make(map[string]map[string]funding.Snapshot)
	okVenues := 0

	group, groupCtx := errgroup.WithContext(ctx)
	for _, source := range s.sources {
		source := source
		group.Go(func() error {
			snaps, err := source.Funding(groupCtx, symbols)
			if err != nil {
				logx.Errorf("marketdata: venue source %s failed, skipping: %v", source.Name(), err)
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			okVenues++
			for _, snap := range snaps {
				symbol := funding.Canonical(snap.Symbol)
				if len(wanted) > 0 {
					if _, ok := wanted[symbol]; !ok {
						continue
					}
				}
				snap.Symbol = symbol
				if snap.Venue == "" {
					snap.Venue = source.Name()
				}
				if snap.OpenInterestUSD <= 0 {
					snap.OpenInterestUSD = s.defaultOI
				}
				if merged[symbol] == nil {
					merged[symbol] = make(map[string]funding.Snapshot)
				}
				merged[symbol][snap.Venue] = snap
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	if okVenues == 0 {
		return nil, fmt.Errorf("marketdata: all %d venue sources failed", len(s.sources))
	}

	out := make(map[string]SymbolQuote, len(merged))
	for symbol, venues := range merged {
		out[symbol] = buildQuote(symbol, venues)
	}
	return out, nil
}

func (s *VenueService) SupportedSymbols(ctx context.Context) ([]string, error) {
	quotes, err := s.Snapshot(ctx, nil)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(quotes))
	for symbol := range quotes {
		set[symbol] = struct{}{}
	}
	return sortedSymbols(set), nil
}
