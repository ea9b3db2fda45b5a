package backtest

import (
	"sort"
	"time"

	"github.com/kh1985/funding-arb-system/pkg/marketdata"
	"github.com/kh1985/funding-arb-system/pkg/portfolio"
	"github.com/kh1985/funding-arb-system/pkg/risk"
	"github.com/kh1985/funding-arb-system/pkg/signal"
	"github.com/kh1985/funding-arb-system/pkg/strategy"
)

// book applies idealized executions to a portfolio state and accumulates
// per-pair lifecycle details.
type book struct {
	cfg  *strategy.Config
	meta map[string]*PairDetail // pair id -> detail
}

func newBook(cfg *strategy.Config) *book {
	return &book{cfg: cfg, meta: make(map[string]*PairDetail)}
}

// open fills both legs at target size and charges the round-trip taker fee
// up front. Returns the fee charged.
func (b *book) open(state *portfolio.State, intent signal.TradeIntent, windowID int64) float64 {
	notional := intent.Short.NotionalUSD + intent.Long.NotionalUSD
	fees := notional * b.cfg.FeeBpsPerLeg / 10000
	state.CapitalUSD -= fees

	pair := &portfolio.PositionPair{
		ID: intent.IdempotencyKey,
		Short: portfolio.Leg{
			Venue: intent.Short.Venue, Symbol: intent.Short.Symbol, Side: intent.Short.Side,
			EntryRate: intent.Short.Rate, TargetUSD: intent.Short.NotionalUSD, FilledUSD: intent.Short.NotionalUSD,
		},
		Long: portfolio.Leg{
			Venue: intent.Long.Venue, Symbol: intent.Long.Symbol, Side: intent.Long.Side,
			EntryRate: intent.Long.Rate, TargetUSD: intent.Long.NotionalUSD, FilledUSD: intent.Long.NotionalUSD,
		},
		Beta:           intent.Beta,
		EdgeBps:        intent.EdgeBps,
		Status:         portfolio.PairOpen,
		IdempotencyKey: intent.IdempotencyKey,
		OpenedCycle:    intent.CycleID,
		OpenedAt:       time.Unix(windowID*3600, 0).UTC(),
	}
	state.Pairs[pair.ID] = pair

	b.meta[pair.ID] = &PairDetail{
		PairKey:      intent.PairKey,
		OpenedWindow: int(windowID),
		EdgeBps:      intent.EdgeBps,
		NotionalUSD:  notional,
		FeesUSD:      fees,
	}
	return fees
}

// accrue credits one settlement window of funding to every open pair: the
// short leg earns its rate, the long leg earns the negated rate.
func (b *book) accrue(state *portfolio.State, quotes map[string]marketdata.SymbolQuote) float64 {
	var total float64
	for _, pair := range state.OpenPairs() {
		shortRate := windowRate(quotes, pair.Short)
		longRate := windowRate(quotes, pair.Long)
		earned := shortRate*pair.Short.FilledUSD - longRate*pair.Long.FilledUSD
		pair.FundingUSD += earned
		state.CapitalUSD += earned
		total += earned
	}
	return total
}

// closeStale exits pairs whose funding spread has inverted. Exits are free:
// the round-trip fee was charged at entry.
func (b *book) closeStale(state *portfolio.State, quotes map[string]marketdata.SymbolQuote, windowID int64, res *Result) int {
	closed := 0
	for _, pair := range state.OpenPairs() {
		spreadBps := 10000 * (windowRate(quotes, pair.Short) - windowRate(quotes, pair.Long))
		if spreadBps > 0 {
			continue
		}
		pair.Status = portfolio.PairClosed
		pair.ClosedAt = time.Unix(windowID*3600, 0).UTC()
		if detail, ok := b.meta[pair.ID]; ok {
			detail.ClosedWindow = int(windowID)
		}
		closed++
	}
	return closed
}

// shrink applies a REDUCE-mode halving directive instantly.
func (b *book) shrink(state *portfolio.State, directive risk.Directive) {
	pair, ok := state.Pairs[directive.PairID]
	if !ok || pair.Status != portfolio.PairOpen {
		return
	}
	pair.Short.FilledUSD = directive.TargetShortUSD
	pair.Short.TargetUSD = directive.TargetShortUSD
	pair.Long.FilledUSD = directive.TargetLongUSD
	pair.Long.TargetUSD = directive.TargetLongUSD
}

// flushDetails copies accumulated funding into the result details, ordered
// by open window then pair key.
func (b *book) flushDetails(state *portfolio.State, res *Result) {
	for id, detail := range b.meta {
		if pair, ok := state.Pairs[id]; ok {
			detail.FundingUSD = pair.FundingUSD
		}
		res.Details = append(res.Details, *detail)
	}
	sort.Slice(res.Details, func(i, j int) bool {
		if res.Details[i].OpenedWindow != res.Details[j].OpenedWindow {
			return res.Details[i].OpenedWindow < res.Details[j].OpenedWindow
		}
		return res.Details[i].PairKey < res.Details[j].PairKey
	})
}

// windowRate resolves a leg's rate for the current window, falling back to
// the entry rate when the venue stops quoting the symbol.
func windowRate(quotes map[string]marketdata.SymbolQuote, leg portfolio.Leg) float64 {
	if quote, ok := quotes[leg.Symbol]; ok {
		if snap, ok := quote.Venues[leg.Venue]; ok {
			return snap.Rate
		}
	}
	return leg.EntryRate
}
