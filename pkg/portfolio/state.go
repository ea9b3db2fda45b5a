package portfolio

import (
	"fmt"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// State is the authoritative account of capital, open pairs and the risk
// machine. The orchestrator owns the single live instance; everything else
// sees value snapshots.
type State struct {
	CapitalUSD    float64                  `json:"capital_usd"`
	EquityUSD     float64                  `json:"equity_usd"`
	PeakEquityUSD float64                  `json:"peak_equity_usd"`
	Pairs         map[string]*PositionPair `json:"pairs"`
	Risk          RiskState                `json:"risk"`
	LastCycleID   int64                    `json:"last_cycle_id"`
	LastCycleAt   time.Time                `json:"last_cycle_at"`
}

// NewState starts a portfolio with the given capital, flat and NORMAL.
func NewState(capitalUSD float64) *State {
	return &State{
		CapitalUSD:    capitalUSD,
		EquityUSD:     capitalUSD,
		PeakEquityUSD: capitalUSD,
		Pairs:         make(map[string]*PositionPair),
		Risk:          RiskNormal,
	}
}

// OpenPairs returns open pairs sorted by id for deterministic iteration.
func (s *State) OpenPairs() []*PositionPair {
	out := make([]*PositionPair, 0, len(s.Pairs))
	for _, p := range s.Pairs {
		if p.Status == PairOpen {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HasZombie reports whether any pair needs operator intervention.
func (s *State) HasZombie() bool {
	for _, p := range s.Pairs {
		if p.Status == PairZombie {
			return true
		}
	}
	return false
}

// TotalNotionalUSD sums filled notional across open pairs.
func (s *State) TotalNotionalUSD() float64 {
	var total float64
	for _, p := range s.Pairs {
		if p.Status == PairOpen {
			total += p.NotionalUSD()
		}
	}
	return total
}

// NotionalBySymbol aggregates open filled notional per canonical symbol.
func (s *State) NotionalBySymbol() map[string]float64 {
	out := make(map[string]float64)
	for _, p := range s.Pairs {
		if p.Status != PairOpen {
			continue
		}
		out[p.Short.Symbol] += p.Short.FilledUSD
		out[p.Long.Symbol] += p.Long.FilledUSD
	}
	return out
}

// NotionalByVenue aggregates open filled notional per venue.
func (s *State) NotionalByVenue() map[string]float64 {
	out := make(map[string]float64)
	for _, p := range s.Pairs {
		if p.Status != PairOpen {
			continue
		}
		out[p.Short.Venue] += p.Short.FilledUSD
		out[p.Long.Venue] += p.Long.FilledUSD
	}
	return out
}

// RecomputeEquity re-derives equity from capital plus open mark-to-market and
// ratchets the peak. Capital already includes realized PnL and accrued
// funding, so only open MTM is added on top.
func (s *State) RecomputeEquity() {
	var mtm float64
	for _, p := range s.Pairs {
		if p.Status == PairOpen {
			mtm += p.MTMUSD
		}
	}
	s.EquityUSD = s.CapitalUSD + mtm
	if s.EquityUSD > s.PeakEquityUSD {
		s.PeakEquityUSD = s.EquityUSD
	}
}

// Drawdown is (peak − equity)/peak, clamped to [0, 1].
func (s *State) Drawdown() float64 {
	if s.PeakEquityUSD <= 0 {
		return 0
	}
	dd := (s.PeakEquityUSD - s.EquityUSD) / s.PeakEquityUSD
	if dd < 0 {
		return 0
	}
	if dd > 1 {
		return 1
	}
	return dd
}

// Encode serializes the state for the state store.
func (s *State) Encode() ([]byte, error) {
	data, err := msgpack.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("portfolio: encode state: %w", err)
	}
	return data, nil
}

// Decode restores a state written by Encode.
func Decode(data []byte) (*State, error) {
	var s State
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("portfolio: decode state: %w", err)
	}
	if s.Pairs == nil {
		s.Pairs = make(map[string]*PositionPair)
	}
	if s.Risk == "" {
		s.Risk = RiskNormal
	}
	return &s, nil
}
