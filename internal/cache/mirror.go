package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/stores/redis"

	"github.com/kh1985/funding-arb-system/pkg/journal"
	"github.com/kh1985/funding-arb-system/pkg/portfolio"
)

// Mirror publishes cycle summaries and portfolio snapshots to Redis so
// dashboards and operators can read system state without touching Postgres.
// The statestore remains the source of truth; everything here is disposable.
type Mirror struct {
	rds *redis.Redis
	ttl TTLSet
}

// NewMirror wires a cycle mirror over a go-zero Redis client.
func NewMirror(rds *redis.Redis, ttl TTLSet) *Mirror {
	return &Mirror{rds: rds, ttl: ttl}
}

// MirrorCycle writes the cycle summary, the portfolio snapshot and the bare
// risk-state string under their TTL'd keys.
func (m *Mirror) MirrorCycle(ctx context.Context, record *journal.CycleRecord, state *portfolio.State) error {
	summary, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("cache: marshal cycle summary: %w", err)
	}
	if err := m.setex(ctx, CycleLastKey(), string(summary), CycleTTL(m.ttl)); err != nil {
		return err
	}
	if err := m.setex(ctx, CycleSummaryKey(record.CycleID), string(summary), CycleTTL(m.ttl)); err != nil {
		return err
	}

	snapshot, err := json.Marshal(newPortfolioView(state))
	if err != nil {
		return fmt.Errorf("cache: marshal portfolio snapshot: %w", err)
	}
	if err := m.setex(ctx, PortfolioKey(), string(snapshot), PortfolioTTL(m.ttl)); err != nil {
		return err
	}
	return m.setex(ctx, RiskStateKey(), string(state.Risk), RiskStateTTL(m.ttl))
}

func (m *Mirror) setex(ctx context.Context, key, value string, ttl time.Duration) error {
	seconds := int(ttl.Seconds())
	if seconds <= 0 {
		return m.rds.SetCtx(ctx, key, value)
	}
	if err := m.rds.SetexCtx(ctx, key, value, seconds); err != nil {
		return fmt.Errorf("cache: setex %s: %w", key, err)
	}
	return nil
}

// portfolioView is the dashboard-facing projection of the portfolio.
type portfolioView struct {
	EquityUSD     float64             `json:"equity_usd"`
	CapitalUSD    float64             `json:"capital_usd"`
	PeakEquityUSD float64             `json:"peak_equity_usd"`
	Risk          portfolio.RiskState `json:"risk_state"`
	OpenPairs     []string            `json:"open_pairs"`
	LastCycleID   int64               `json:"last_cycle_id"`
}

func newPortfolioView(state *portfolio.State) portfolioView {
	view := portfolioView{
		EquityUSD:     state.EquityUSD,
		CapitalUSD:    state.CapitalUSD,
		PeakEquityUSD: state.PeakEquityUSD,
		Risk:          state.Risk,
		LastCycleID:   state.LastCycleID,
	}
	for _, pair := range state.OpenPairs() {
		view.OpenPairs = append(view.OpenPairs, pair.ID)
	}
	return view
}
