package risk

import (
	"math"

	"github.com/kh1985/funding-arb-system/pkg/portfolio"
	"github.com/kh1985/funding-arb-system/pkg/signal"
	"github.com/kh1985/funding-arb-system/pkg/strategy"
)

// Rejection records why an intent was not admitted. Risk denial is an
// outcome, not an error.
type Rejection struct {
	Intent signal.TradeIntent
	Reason string
}

// Directive asks execution to move a pair's legs toward new targets.
type Directive struct {
	PairID         string
	TargetShortUSD float64
	TargetLongUSD  float64
	Reason         string // "shrink" or "rebalance"
}

// Decision is the full admission result for one cycle.
type Decision struct {
	Drawdown  float64
	PrevState portfolio.RiskState
	State     portfolio.RiskState
	Reason    string

	Admitted   []signal.TradeIntent
	Rejected   []Rejection
	Shrinks    []Directive
	Rebalances []Directive
}

// Evaluator applies the drawdown state machine and notional caps. Evaluate
// is pure: it never mutates the portfolio, and identical inputs always yield
// identical decisions.
type Evaluator struct {
	cfg *strategy.Config
}

func NewEvaluator(cfg *strategy.Config) *Evaluator {
	return &Evaluator{cfg: cfg}
}

// Transition advances the hysteretic risk ladder for one observation.
func (e *Evaluator) Transition(prev portfolio.RiskState, drawdown float64, forceHalt bool) portfolio.RiskState {
	if forceHalt {
		return portfolio.RiskHaltNew
	}
	switch prev {
	case portfolio.RiskReduce:
		switch {
		case drawdown >= e.cfg.MaxDrawdownStopPct:
			return portfolio.RiskHaltNew
		case drawdown < e.cfg.NormalRecoverDrawdown:
			return portfolio.RiskNormal
		default:
			return portfolio.RiskReduce
		}
	case portfolio.RiskHaltNew:
		if drawdown < e.cfg.ReduceRecoverDrawdown {
			return portfolio.RiskReduce
		}
		return portfolio.RiskHaltNew
	default: // NORMAL, including the zero value
		switch {
		case drawdown >= e.cfg.MaxDrawdownStopPct:
			return portfolio.RiskHaltNew
		case drawdown >= e.cfg.ReduceModeDrawdownPct:
			return portfolio.RiskReduce
		default:
			return portfolio.RiskNormal
		}
	}
}

// Evaluate runs the per-cycle admission control over a state snapshot.
// Zombie pairs force HALT_NEW regardless of drawdown.
func (e *Evaluator) Evaluate(state *portfolio.State, intents []signal.TradeIntent) Decision {
	d := Decision{
		Drawdown:   state.Drawdown(),
		PrevState:  state.Risk,
		Rebalances: e.rebalances(state),
	}
	d.State = e.Transition(state.Risk, d.Drawdown, state.HasZombie())

	switch d.State {
	case portfolio.RiskHaltNew:
		d.Reason = "halt_new"
		for _, intent := range intents {
			d.Rejected = append(d.Rejected, Rejection{Intent: intent, Reason: "halt_new"})
		}
		return d
	case portfolio.RiskReduce:
		d.Reason = "reduce"
		for _, intent := range intents {
			d.Rejected = append(d.Rejected, Rejection{Intent: intent, Reason: "reduce_mode"})
		}
		for _, pair := range state.OpenPairs() {
			d.Shrinks = append(d.Shrinks, Directive{
				PairID:         pair.ID,
				TargetShortUSD: pair.Short.FilledUSD / 2,
				TargetLongUSD:  pair.Long.FilledUSD / 2,
				Reason:         "shrink",
			})
		}
		return d
	}

	total := state.TotalNotionalUSD()
	bySymbol := state.NotionalBySymbol()
	byVenue := state.NotionalByVenue()

	for _, intent := range intents {
		size := intent.Short.NotionalUSD + intent.Long.NotionalUSD
		if reason := e.admit(intent, size, total, bySymbol, byVenue, state.EquityUSD); reason != "" {
			d.Rejected = append(d.Rejected, Rejection{Intent: intent, Reason: reason})
			continue
		}
		d.Admitted = append(d.Admitted, intent)
		total += size
		bySymbol[intent.Short.Symbol] += intent.Short.NotionalUSD
		bySymbol[intent.Long.Symbol] += intent.Long.NotionalUSD
		byVenue[intent.Short.Venue] += intent.Short.NotionalUSD
		byVenue[intent.Long.Venue] += intent.Long.NotionalUSD
	}
	return d
}

// admit checks the caps in their documented order and returns the first
// violated one, or "" when the intent fits.
func (e *Evaluator) admit(intent signal.TradeIntent, size, total float64,
	bySymbol, byVenue map[string]float64, equity float64) string {

	if total+size > e.cfg.MaxTotalNotionalUSD {
		return "max_total_notional"
	}
	if bySymbol[intent.Short.Symbol]+intent.Short.NotionalUSD > e.cfg.MaxNotionalPerSymbolUSD ||
		bySymbol[intent.Long.Symbol]+intent.Long.NotionalUSD > e.cfg.MaxNotionalPerSymbolUSD {
		return "max_notional_per_symbol"
	}
	if byVenue[intent.Short.Venue]+intent.Short.NotionalUSD > e.cfg.MaxNotionalPerVenueUSD ||
		byVenue[intent.Long.Venue]+intent.Long.NotionalUSD > e.cfg.MaxNotionalPerVenueUSD {
		return "max_notional_per_venue"
	}
	if equity <= 0 || (total+size)/equity > e.cfg.NormalLeverageCap {
		return "leverage_cap"
	}
	return ""
}

// rebalances flags open pairs whose filled notional drifted too far from
// target on either leg.
func (e *Evaluator) rebalances(state *portfolio.State) []Directive {
	var out []Directive
	for _, pair := range state.OpenPairs() {
		if drifted(pair.Short.FilledUSD, pair.Short.TargetUSD, e.cfg.RebalanceThresholdPct) ||
			drifted(pair.Long.FilledUSD, pair.Long.TargetUSD, e.cfg.RebalanceThresholdPct) {
			out = append(out, Directive{
				PairID:         pair.ID,
				TargetShortUSD: pair.Short.TargetUSD,
				TargetLongUSD:  pair.Long.TargetUSD,
				Reason:         "rebalance",
			})
		}
	}
	return out
}

func drifted(current, target, threshold float64) bool {
	if target <= 0 {
		return false
	}
	return math.Abs(current-target)/target > threshold
}
