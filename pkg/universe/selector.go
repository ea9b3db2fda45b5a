package universe

import (
	"context"
	"fmt"
	"sort"

	"github.com/zeromicro/go-zero/core/logx"

	"github.com/kh1985/funding-arb-system/pkg/funding"
	"github.com/kh1985/funding-arb-system/pkg/marketdata"
)

// Weights score a symbol's desirability for the trading universe. They must
// sum to 1.
type Weights struct {
	Spread   float64
	Coverage float64
	AbsRate  float64
}

// DefaultWeights favor cross-venue rate dispersion.
var DefaultWeights = Weights{Spread: 0.60, Coverage: 0.25, AbsRate: 0.15}

// Selector picks the per-cycle symbol universe. A non-empty static list is
// honored verbatim; otherwise the top Size symbols by composite score are
// selected from everything the market-data service supports.
type Selector struct {
	Size      int
	Static    []string
	FrDiffMin float64
	Weights   Weights
}

// NewSelector validates and constructs a selector.
func NewSelector(size int, static []string, frDiffMin float64, w Weights) (*Selector, error) {
	if size < 0 {
		return nil, fmt.Errorf("universe: size cannot be negative")
	}
	sum := w.Spread + w.Coverage + w.AbsRate
	if sum < 0.999 || sum > 1.001 {
		return nil, fmt.Errorf("universe: weights must sum to 1, got %.4f", sum)
	}
	return &Selector{Size: size, Static: static, FrDiffMin: frDiffMin, Weights: w}, nil
}

type scored struct {
	symbol   string
	spread   float64
	coverage float64
	absRate  float64
	score    float64
}

// Select returns the cycle's symbol universe in canonical form.
func (s *Selector) Select(ctx context.Context, md marketdata.Service) ([]string, error) {
	if len(s.Static) > 0 {
		out := make([]string, 0, len(s.Static))
		for _, sym := range s.Static {
			out = append(out, funding.Canonical(sym))
		}
		return out, nil
	}
	if s.Size == 0 {
		return nil, nil
	}

	symbols, err := md.SupportedSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("universe: list supported symbols: %w", err)
	}
	quotes, err := md.Snapshot(ctx, symbols)
	if err != nil {
		return nil, fmt.Errorf("universe: snapshot: %w", err)
	}

	candidates := make([]scored, 0, len(quotes))
	for symbol, quote := range quotes {
		if quote.Coverage < 2 {
			continue
		}
		if quote.MaxSpread < s.FrDiffMin {
			continue
		}
		var absSum float64
		for _, snap := range quote.Venues {
			if snap.Rate < 0 {
				absSum -= snap.Rate
			} else {
				absSum += snap.Rate
			}
		}
		candidates = append(candidates, scored{
			symbol:   symbol,
			spread:   quote.MaxSpread,
			coverage: float64(quote.Coverage),
			absRate:  absSum / float64(quote.Coverage),
		})
	}
	if len(candidates) == 0 {
		logx.Infof("universe: no symbol passed coverage/spread filters out of %d", len(quotes))
		return nil, nil
	}

	var maxSpread, maxCoverage, maxAbsRate float64
	for _, c := range candidates {
		maxSpread = maxF(maxSpread, c.spread)
		maxCoverage = maxF(maxCoverage, c.coverage)
		maxAbsRate = maxF(maxAbsRate, c.absRate)
	}
	for i := range candidates {
		c := &candidates[i]
		c.score = s.Weights.Spread*norm(c.spread, maxSpread) +
			s.Weights.Coverage*norm(c.coverage, maxCoverage) +
			s.Weights.AbsRate*norm(c.absRate, maxAbsRate)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].symbol < candidates[j].symbol
	})

	limit := s.Size
	if limit > len(candidates) {
		limit = len(candidates)
	}
	out := make([]string, 0, limit)
	for _, c := range candidates[:limit] {
		out = append(out, c.symbol)
	}
	return out, nil
}

func norm(v, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return v / max
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
