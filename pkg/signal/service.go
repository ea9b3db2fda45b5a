package signal

import (
	"math"
	"sort"

	"github.com/zeromicro/go-zero/core/logx"

	"github.com/kh1985/funding-arb-system/pkg/funding"
	"github.com/kh1985/funding-arb-system/pkg/marketdata"
	"github.com/kh1985/funding-arb-system/pkg/portfolio"
	"github.com/kh1985/funding-arb-system/pkg/strategy"
	"github.com/kh1985/funding-arb-system/pkg/venue"
)

// FeeModel returns the round-trip taker fee in bps for one leg on a venue.
type FeeModel func(venueName string) float64

// Quality-score blend weights and normalization scales.
const (
	scoreWeightEdge  = 0.35
	scoreWeightRate  = 0.25
	scoreWeightBeta  = 0.20
	scoreWeightOI    = 0.20
	edgeNormBps      = 50.0  // an edge of 50bps/8h saturates the edge term
	rateNormAbsTotal = 0.010 // combined |rate| of 1%/8h saturates the rate term
)

// Service turns per-cycle quotes into sized trade intents.
type Service struct {
	cfg  *strategy.Config
	fees FeeModel
	beta *BetaEstimator
	gate *Gate
}

// NewService wires the signal pipeline. fees may be nil, in which case the
// configured flat per-leg fee applies everywhere.
func NewService(cfg *strategy.Config, fees FeeModel) *Service {
	if fees == nil {
		flat := cfg.FeeBpsPerLeg
		fees = func(string) float64 { return flat }
	}
	return &Service{
		cfg:  cfg,
		fees: fees,
		beta: NewBetaEstimator(),
		gate: NewGate(),
	}
}

// Gate exposes the persistence counters for state-store round-trips.
func (s *Service) Gate() *Gate {
	return s.gate
}

type candidate struct {
	pairKey     string
	short, long funding.Snapshot
	edgeBps     float64
	beta        float64
	score       float64
}

// Generate builds the cycle's intents: enumerate venue-symbol pairs, score
// them, advance the persistence gate, and size the survivors. Output is
// sorted by score descending and capped at max_new_positions_per_cycle.
func (s *Service) Generate(cycleID int64, quotes map[string]marketdata.SymbolQuote, capitalUSD float64) []TradeIntent {
	entries := flatten(quotes)
	candidates := s.enumerate(entries)

	qualified := make([]string, 0, len(candidates))
	for _, c := range candidates {
		qualified = append(qualified, c.pairKey)
	}
	counts := s.gate.Apply(qualified)

	passed := candidates[:0]
	for _, c := range candidates {
		if counts[c.pairKey] >= s.cfg.MinPersistenceWindows {
			passed = append(passed, c)
		}
	}

	sort.Slice(passed, func(i, j int) bool {
		if passed[i].score != passed[j].score {
			return passed[i].score > passed[j].score
		}
		return passed[i].pairKey < passed[j].pairKey
	})
	if len(passed) > s.cfg.MaxNewPositionsPerCycle {
		passed = passed[:s.cfg.MaxNewPositionsPerCycle]
	}

	intents := make([]TradeIntent, 0, len(passed))
	for _, c := range passed {
		notionalShort := math.Max(s.cfg.MinOrderUSD,
			math.Min(s.cfg.MaxNotionalPerPairUSD, capitalUSD*s.cfg.CapitalFraction))
		notionalLong := notionalShort * math.Max(0.1, c.beta)

		shortID := c.short.Venue + ":" + c.short.Symbol
		longID := c.long.Venue + ":" + c.long.Symbol
		intents = append(intents, TradeIntent{
			PairKey: c.pairKey,
			CycleID: cycleID,
			Short: LegIntent{
				Venue: c.short.Venue, Symbol: c.short.Symbol,
				Side: venue.SideSell, NotionalUSD: notionalShort, Rate: c.short.Rate,
			},
			Long: LegIntent{
				Venue: c.long.Venue, Symbol: c.long.Symbol,
				Side: venue.SideBuy, NotionalUSD: notionalLong, Rate: c.long.Rate,
			},
			EdgeBps:        c.edgeBps,
			Beta:           c.beta,
			Score:          c.score,
			Persistence:    counts[c.pairKey],
			IdempotencyKey: IdempotencyKey(cycleID, shortID, longID),
		})
	}
	if len(intents) > 0 {
		logx.Infof("signal: cycle %d produced %d intents from %d candidates", cycleID, len(intents), len(candidates))
	}
	return intents
}

// enumerate builds scored candidates from all venue-symbol entry pairs.
func (s *Service) enumerate(entries []funding.Snapshot) []candidate {
	var out []candidate
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			short, long := entries[i], entries[j]
			if short.Rate < long.Rate {
				short, long = long, short
			}
			if short.Venue == long.Venue && short.Symbol == long.Symbol {
				continue
			}
			if !s.cfg.AllowSinglePairs() && short.Venue == long.Venue {
				continue
			}
			oppositeSigns := short.Rate > 0 && long.Rate < 0
			if !oppositeSigns && short.Rate-long.Rate < s.cfg.FrDiffMin {
				continue
			}
			if math.IsNaN(short.Rate) || math.IsNaN(long.Rate) {
				continue
			}

			feeBps := s.fees(short.Venue) + s.fees(long.Venue)
			edgeBps := 10000*(short.Rate-long.Rate) - feeBps
			if edgeBps < s.cfg.ExpectedEdgeMinBps {
				continue
			}

			beta := s.beta.Estimate(short.Symbol, long.Symbol)
			score := s.score(short, long, edgeBps, beta)
			if score < s.cfg.MinPairScore {
				continue
			}

			out = append(out, candidate{
				pairKey: portfolio.PairKey(short.Venue+":"+short.Symbol, long.Venue+":"+long.Symbol),
				short:   short,
				long:    long,
				edgeBps: edgeBps,
				beta:    beta,
				score:   score,
			})
		}
	}
	return out
}

// score blends edge, rate magnitude, beta proximity to 1 and open-interest
// adequacy into [0, 1].
func (s *Service) score(short, long funding.Snapshot, edgeBps, beta float64) float64 {
	edgeTerm := clamp01(edgeBps / edgeNormBps)
	rateTerm := clamp01((math.Abs(short.Rate) + math.Abs(long.Rate)) / rateNormAbsTotal)
	betaTerm := 1.0 / (1.0 + math.Abs(beta-1.0))

	oiTerm := 1.0
	if s.cfg.DefaultOIUSD > 0 {
		minOI := math.Min(short.OpenInterestUSD, long.OpenInterestUSD)
		if minOI > 0 {
			oiTerm = clamp01(minOI / s.cfg.DefaultOIUSD)
		}
	}
	return scoreWeightEdge*edgeTerm + scoreWeightRate*rateTerm +
		scoreWeightBeta*betaTerm + scoreWeightOI*oiTerm
}

// flatten orders quote entries deterministically: symbol, then venue.
func flatten(quotes map[string]marketdata.SymbolQuote) []funding.Snapshot {
	symbols := make([]string, 0, len(quotes))
	for s := range quotes {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var out []funding.Snapshot
	for _, symbol := range symbols {
		quote := quotes[symbol]
		venues := make([]string, 0, len(quote.Venues))
		for v := range quote.Venues {
			venues = append(venues, v)
		}
		sort.Strings(venues)
		for _, v := range venues {
			out = append(out, quote.Venues[v])
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
