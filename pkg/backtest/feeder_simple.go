package backtest

import (
	"context"

	"github.com/kh1985/funding-arb-system/pkg/marketdata"
)

// WindowFeeder replays an in-memory sequence of funding windows.
type WindowFeeder struct {
	windows []map[string]marketdata.SymbolQuote
	idx     int
}

func NewWindowFeeder(windows ...map[string]marketdata.SymbolQuote) *WindowFeeder {
	return &WindowFeeder{windows: windows}
}

func (f *WindowFeeder) Next(ctx context.Context) (map[string]marketdata.SymbolQuote, bool, error) {
	if f.idx >= len(f.windows) {
		return nil, false, nil
	}
	window := f.windows[f.idx]
	f.idx++
	return window, true, nil
}
