package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/kh1985/funding-arb-system/pkg/marketdata"
	"github.com/kh1985/funding-arb-system/pkg/portfolio"
	"github.com/kh1985/funding-arb-system/pkg/risk"
	"github.com/kh1985/funding-arb-system/pkg/signal"
	"github.com/kh1985/funding-arb-system/pkg/strategy"
)

// Feeder yields sequential funding windows: one cross-venue quote set per
// settlement period.
type Feeder interface {
	Next(ctx context.Context) (map[string]marketdata.SymbolQuote, bool, error)
}

// Engine replays recorded funding windows through the live signal and risk
// pipeline with idealized execution: admitted intents fill instantly at
// target size, and fees are charged up front.
type Engine struct {
	Feeder  Feeder
	Signals *signal.Service
	Risk    *risk.Evaluator
	Config  *strategy.Config

	// Optional: write JSON report to this path
	OutputPath string
}

// Result summarizes a replay run.
type Result struct {
	Windows     int
	IntentCount int
	PairsOpened int
	PairsClosed int
	FundingUSD  float64
	FeesUSD     float64
	TotalPNL    float64
	FinalEquity float64
	MaxDDPct    float64
	Sharpe      float64
	EquityCurve []float64
	Details     []PairDetail
}

// PairDetail records one simulated pair's lifecycle for analysis.
type PairDetail struct {
	PairKey      string  `json:"pair_key"`
	OpenedWindow int     `json:"opened_window"`
	ClosedWindow int     `json:"closed_window,omitempty"`
	EdgeBps      float64 `json:"edge_bps"`
	NotionalUSD  float64 `json:"notional_usd"`
	FundingUSD   float64 `json:"funding_usd"`
	FeesUSD      float64 `json:"fees_usd"`
}

func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if e.Feeder == nil || e.Signals == nil || e.Risk == nil || e.Config == nil {
		return nil, fmt.Errorf("backtest: engine not fully configured")
	}

	res := &Result{}
	state := portfolio.NewState(e.Config.CapitalUSD)
	book := newBook(e.Config)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		quotes, ok, err := e.Feeder.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		res.Windows++
		windowID := int64(res.Windows)

		// Funding accrues on whatever was open entering the window.
		res.FundingUSD += book.accrue(state, quotes)

		// Exit pairs whose edge has decayed away.
		res.PairsClosed += book.closeStale(state, quotes, windowID, res)

		intents := e.Signals.Generate(windowID, quotes, state.CapitalUSD)
		res.IntentCount += len(intents)

		decision := e.Risk.Evaluate(state, intents)
		state.Risk = decision.State
		for _, directive := range decision.Shrinks {
			book.shrink(state, directive)
		}
		for _, intent := range decision.Admitted {
			fees := book.open(state, intent, windowID)
			res.FeesUSD += fees
			res.PairsOpened++
		}

		state.RecomputeEquity()
		state.LastCycleID = windowID
		res.EquityCurve = append(res.EquityCurve, state.EquityUSD)
	}

	book.flushDetails(state, res)
	res.FinalEquity = state.EquityUSD
	res.TotalPNL = state.EquityUSD - e.Config.CapitalUSD
	res.MaxDDPct = maxDrawdownPct(append([]float64{e.Config.CapitalUSD}, res.EquityCurve...))
	res.Sharpe = sharpe(res.EquityCurve)

	if e.OutputPath != "" {
		if err := writeReport(e.OutputPath, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func maxDrawdownPct(series []float64) float64 {
	peak := series[0]
	mdd := 0.0
	for _, v := range series {
		if v > peak {
			peak = v
		}
		dd := (peak - v) / peak
		if dd > mdd {
			mdd = dd
		}
	}
	return mdd * 100
}

func sharpe(equity []float64) float64 {
	if len(equity) < 2 {
		return 0
	}
	rets := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] == 0 {
			continue
		}
		rets = append(rets, equity[i]/equity[i-1]-1)
	}
	if len(rets) == 0 {
		return 0
	}
	m := 0.0
	for _, r := range rets {
		m += r
	}
	m /= float64(len(rets))
	v := 0.0
	for _, r := range rets {
		d := r - m
		v += d * d
	}
	v /= float64(len(rets))
	sd := math.Sqrt(v)
	if sd == 0 {
		return 0
	}
	return m / sd * math.Sqrt(float64(len(rets)))
}

func writeReport(path string, r *Result) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
