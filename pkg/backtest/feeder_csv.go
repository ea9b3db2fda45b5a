package backtest

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/kh1985/funding-arb-system/pkg/funding"
	"github.com/kh1985/funding-arb-system/pkg/marketdata"
)

// CSVFeeder reads recorded funding observations and replays them one
// settlement window at a time. Expected columns:
//
//	window,venue,symbol,rate[,open_interest_usd]
//
// Rows sharing a window value form one cross-venue quote set; windows replay
// in first-appearance order. A header row is skipped when the first column
// is not numeric.
type CSVFeeder struct {
	windows []map[string]marketdata.SymbolQuote
	idx     int
}

// NewCSVFeederFromFile constructs a CSV feeder from a file path.
func NewCSVFeederFromFile(path string) (*CSVFeeder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewCSVFeeder(f)
}

// NewCSVFeeder constructs a CSV feeder from an io.Reader.
func NewCSVFeeder(r io.Reader) (*CSVFeeder, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}

	var order []string
	grouped := make(map[string][]funding.Snapshot)
	for i, rec := range records {
		if len(rec) < 4 {
			if len(rec) == 0 {
				continue
			}
			return nil, fmt.Errorf("backtest: row %d has %d columns, want at least 4", i+1, len(rec))
		}
		if i == 0 {
			if _, headerErr := strconv.ParseFloat(rec[0], 64); headerErr != nil {
				continue
			}
		}
		rate, err := strconv.ParseFloat(rec[3], 64)
		if err != nil {
			return nil, fmt.Errorf("backtest: row %d: bad rate %q: %w", i+1, rec[3], err)
		}
		snap := funding.Snapshot{
			Venue:  rec[1],
			Symbol: funding.Canonical(rec[2]),
			Rate:   rate,
		}
		if len(rec) > 4 && rec[4] != "" {
			oi, err := strconv.ParseFloat(rec[4], 64)
			if err != nil {
				return nil, fmt.Errorf("backtest: row %d: bad open interest %q: %w", i+1, rec[4], err)
			}
			snap.OpenInterestUSD = oi
		}

		window := rec[0]
		if _, seen := grouped[window]; !seen {
			order = append(order, window)
		}
		grouped[window] = append(grouped[window], snap)
	}

	feeder := &CSVFeeder{}
	for _, window := range order {
		feeder.windows = append(feeder.windows, buildWindow(grouped[window]))
	}
	return feeder, nil
}

func (f *CSVFeeder) Next(ctx context.Context) (map[string]marketdata.SymbolQuote, bool, error) {
	if f.idx >= len(f.windows) {
		return nil, false, nil
	}
	window := f.windows[f.idx]
	f.idx++
	return window, true, nil
}

// buildWindow assembles per-symbol quotes with spread and coverage from a
// window's snapshots.
func buildWindow(snaps []funding.Snapshot) map[string]marketdata.SymbolQuote {
	bySymbol := make(map[string]map[string]funding.Snapshot)
	for _, snap := range snaps {
		if bySymbol[snap.Symbol] == nil {
			bySymbol[snap.Symbol] = make(map[string]funding.Snapshot)
		}
		bySymbol[snap.Symbol][snap.Venue] = snap
	}

	out := make(map[string]marketdata.SymbolQuote, len(bySymbol))
	for symbol, venues := range bySymbol {
		quote := marketdata.SymbolQuote{Symbol: symbol, Venues: venues, Coverage: len(venues)}
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
		quote.MaxSpread = max - min
		out[symbol] = quote
	}
	return out
}
