package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeromicro/go-zero/core/logx"

	"github.com/kh1985/funding-arb-system/pkg/execution"
	"github.com/kh1985/funding-arb-system/pkg/journal"
	"github.com/kh1985/funding-arb-system/pkg/marketdata"
	"github.com/kh1985/funding-arb-system/pkg/monitor"
	"github.com/kh1985/funding-arb-system/pkg/portfolio"
	"github.com/kh1985/funding-arb-system/pkg/risk"
	"github.com/kh1985/funding-arb-system/pkg/signal"
	"github.com/kh1985/funding-arb-system/pkg/statestore"
	"github.com/kh1985/funding-arb-system/pkg/strategy"
	"github.com/kh1985/funding-arb-system/pkg/universe"
	"github.com/kh1985/funding-arb-system/pkg/venue"
)

var (
	// ErrLockUnavailable means another instance holds the cycle lease.
	ErrLockUnavailable = errors.New("orchestrator: cycle lock unavailable")
	// ErrStateDivergence means crash recovery could not reconcile venue
	// positions with the persisted portfolio.
	ErrStateDivergence = errors.New("orchestrator: unrecoverable state divergence")
	// ErrCycleSkipped marks a cycle abandoned on transient upstream failure.
	ErrCycleSkipped = errors.New("orchestrator: cycle skipped")
)

const (
	lockName            = "arb/cycle"
	maxConsecutiveSkips = 3
	equityDropAlertPct  = 0.05
	execFailureAlertPct = 0.20
)

// Mirror publishes the latest cycle summary to a side channel (redis) for
// operator visibility. Failures are logged, never propagated.
type Mirror interface {
	MirrorCycle(ctx context.Context, record *journal.CycleRecord, state *portfolio.State) error
}

// Deps bundles everything the orchestrator drives.
type Deps struct {
	Config   *strategy.Config
	Market   marketdata.Service
	Universe *universe.Selector
	Signals  *signal.Service
	Risk     *risk.Evaluator
	Exec     *execution.Service
	Venues   map[string]venue.Adapter
	Store    statestore.Store
	Locker   statestore.Locker // optional: nil disables cross-process locking
	Notifier monitor.Notifier  // optional
	Journal  *journal.Writer   // optional
	Mirror   Mirror            // optional
}

// Orchestrator owns the portfolio state and sequences trading cycles.
// It is the single writer: all mutations happen inside RunCycle under mu.
type Orchestrator struct {
	deps   Deps
	holder string

	mu    sync.Mutex
	state *portfolio.State

	consecutiveSkips int
	nowFn            func() time.Time
}

// New builds an orchestrator. Call Start (or Bootstrap + RunCycle) next.
func New(deps Deps) *Orchestrator {
	if deps.Notifier == nil {
		deps.Notifier = monitor.Nop{}
	}
	return &Orchestrator{
		deps:   deps,
		holder: uuid.NewString(),
		nowFn:  time.Now,
	}
}

// State returns the live portfolio state. Callers outside the cycle loop
// must treat it as read-only.
func (o *Orchestrator) State() *portfolio.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Bootstrap acquires the cross-process lease, restores persisted state and
// reconciles it against live venue positions.
func (o *Orchestrator) Bootstrap(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.deps.Locker != nil {
		ok, err := o.deps.Locker.Acquire(ctx, lockName, o.holder, o.lockTTL())
		if err != nil {
			return fmt.Errorf("orchestrator: acquire lock: %w", err)
		}
		if !ok {
			return ErrLockUnavailable
		}
	}

	if err := o.restoreState(ctx); err != nil {
		return err
	}
	return o.reconcile(ctx)
}

func (o *Orchestrator) lockTTL() time.Duration {
	return 3 * o.deps.Config.CyclePeriod()
}

// restoreState loads the portfolio and persistence counters, falling back to
// a fresh portfolio at configured capital.
func (o *Orchestrator) restoreState(ctx context.Context) error {
	data, err := o.deps.Store.Get(ctx, statestore.KeyPortfolioState)
	switch {
	case errors.Is(err, statestore.ErrKeyNotFound):
		o.state = portfolio.NewState(o.deps.Config.CapitalUSD)
		logx.Infof("orchestrator: no persisted state, starting fresh with %.2f USD", o.deps.Config.CapitalUSD)
	case err != nil:
		return fmt.Errorf("orchestrator: load state: %w", err)
	default:
		state, err := portfolio.Decode(data)
		if err != nil {
			return fmt.Errorf("orchestrator: %w", err)
		}
		o.state = state
		logx.Infof("orchestrator: restored state at cycle %d, equity %.2f, %d pairs",
			state.LastCycleID, state.EquityUSD, len(state.Pairs))
	}

	counters, err := o.deps.Store.Get(ctx, statestore.KeyPersistenceCounters)
	if err == nil {
		if err := o.deps.Signals.Gate().Import(counters); err != nil {
			return fmt.Errorf("orchestrator: %w", err)
		}
	} else if !errors.Is(err, statestore.ErrKeyNotFound) {
		return fmt.Errorf("orchestrator: load counters: %w", err)
	}
	return nil
}

// reconcile compares persisted open pairs with live venue positions and
// applies the recovery policy: adopt matching pairs, flatten the rest.
func (o *Orchestrator) reconcile(ctx context.Context) error {
	open := o.state.OpenPairs()
	if len(open) == 0 {
		return nil
	}

	positions, err := o.venuePositions(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: reconcile positions: %w", err)
	}

	flattenAll := o.deps.Config.RecoveryPolicy == "flatten"
	for _, pair := range open {
		adopt := !flattenAll &&
			legMatches(positions, pair.Short, o.deps.Config.PartialFillTolerance) &&
			legMatches(positions, pair.Long, o.deps.Config.PartialFillTolerance)
		if adopt {
			logx.Infof("orchestrator: adopted pair %s after restart", pair.ID)
			continue
		}

		logx.Errorf("orchestrator: pair %s diverged from venue state, flattening", pair.ID)
		if err := o.deps.Exec.ClosePair(ctx, pair, o.state.LastCycleID); err != nil {
			pair.Status = portfolio.PairZombie
			o.notify(ctx, monitor.EventZombiePair, monitor.SeverityCritical,
				fmt.Sprintf("recovery flatten failed for pair %s", pair.ID), o.state.LastCycleID, nil)
			if persistErr := o.persistPair(ctx, pair); persistErr != nil {
				logx.Errorf("orchestrator: persist zombie %s: %v", pair.ID, persistErr)
			}
			return fmt.Errorf("%w: pair %s: %v", ErrStateDivergence, pair.ID, err)
		}
		if err := o.persistPair(ctx, pair); err != nil {
			return fmt.Errorf("orchestrator: persist flattened pair: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) venuePositions(ctx context.Context) (map[string]venue.Position, error) {
	out := make(map[string]venue.Position)
	for name, adapter := range o.deps.Venues {
		positions, err := adapter.Positions(ctx)
		if err != nil {
			return nil, fmt.Errorf("positions on %s: %w", name, err)
		}
		for _, p := range positions {
			out[name+":"+p.Symbol] = p
		}
	}
	return out, nil
}

func legMatches(positions map[string]venue.Position, leg portfolio.Leg, tolerance float64) bool {
	pos, ok := positions[leg.ID()]
	if !ok {
		return false
	}
	if pos.Side != leg.Side {
		return false
	}
	if leg.FilledUSD <= 0 {
		return false
	}
	return math.Abs(pos.NotionalUSD-leg.FilledUSD)/leg.FilledUSD <= tolerance
}

// Start bootstraps and runs cycles on the configured cadence until ctx is
// canceled. The lease is renewed each cycle and released on exit.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.Bootstrap(ctx); err != nil {
		return err
	}
	defer func() {
		if o.deps.Locker != nil {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := o.deps.Locker.Release(releaseCtx, lockName, o.holder); err != nil {
				logx.Errorf("orchestrator: release lock: %v", err)
			}
		}
	}()

	period := o.deps.Config.CyclePeriod()
	for {
		if err := o.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleSkipped) {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		if o.deps.Locker != nil {
			if ok, err := o.deps.Locker.Renew(ctx, lockName, o.holder, o.lockTTL()); err != nil || !ok {
				return fmt.Errorf("%w: lease renewal failed", ErrLockUnavailable)
			}
		}

		// Sleep to the next cycle boundary.
		now := o.nowFn()
		next := now.Truncate(period).Add(period)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(next.Sub(now)):
		}
	}
}

// RunCycle executes one full cycle under the single-writer mutex.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, o.deps.Config.CycleDeadline())
	defer cancel()

	cycleID := o.state.LastCycleID + 1
	record := &journal.CycleRecord{
		Timestamp:     o.nowFn().UTC(),
		CycleID:       cycleID,
		PrevRiskState: o.state.Risk,
	}

	err := o.runCycleSteps(ctx, cycleID, record)
	if err != nil {
		o.consecutiveSkips++
		record.Skipped = true
		record.ErrorMessage = err.Error()
		logx.Errorf("orchestrator: cycle %d skipped: %v", cycleID, err)
		o.notify(ctx, monitor.EventCycleSkipped, monitor.SeverityWarning, err.Error(), cycleID, nil)
		if o.consecutiveSkips > maxConsecutiveSkips {
			o.notify(ctx, monitor.EventAnomaly, monitor.SeverityCritical,
				fmt.Sprintf("%d consecutive cycles skipped", o.consecutiveSkips), cycleID, nil)
		}
		o.finishCycle(record)
		return fmt.Errorf("%w: %v", ErrCycleSkipped, err)
	}

	o.consecutiveSkips = 0
	o.finishCycle(record)
	return nil
}

// finishCycle writes the journal record and mirror regardless of outcome.
func (o *Orchestrator) finishCycle(record *journal.CycleRecord) {
	if o.deps.Journal != nil {
		if _, err := o.deps.Journal.WriteCycle(record); err != nil {
			logx.Errorf("orchestrator: journal write: %v", err)
		}
	}
	if o.deps.Mirror != nil {
		mirrorCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := o.deps.Mirror.MirrorCycle(mirrorCtx, record, o.state); err != nil {
			logx.Errorf("orchestrator: cycle mirror: %v", err)
		}
	}
}

// runCycleSteps is the strict step sequence of one cycle.
func (o *Orchestrator) runCycleSteps(ctx context.Context, cycleID int64, record *journal.CycleRecord) error {
	// Market data and universe. Transient failures skip the cycle.
	symbols, err := o.deps.Universe.Select(ctx, o.deps.Market)
	if err != nil {
		return err
	}
	record.Universe = symbols

	quotes := map[string]marketdata.SymbolQuote{}
	if len(symbols) > 0 {
		quotes, err = o.deps.Market.Snapshot(ctx, symbols)
		if err != nil {
			return err
		}
	}

	// Funding accrual and mark-to-market against the fresh snapshot.
	o.accrueFunding(quotes)
	o.updateMarks(ctx)

	// Signals and risk.
	intents := o.deps.Signals.Generate(cycleID, quotes, o.state.CapitalUSD)
	record.IntentCount = len(intents)

	decision := o.deps.Risk.Evaluate(o.state, intents)
	record.Drawdown = decision.Drawdown
	if decision.State != o.state.Risk {
		o.notify(ctx, monitor.EventStateTransition, severityForState(decision.State),
			fmt.Sprintf("risk state %s -> %s at drawdown %.2f%%", o.state.Risk, decision.State, decision.Drawdown*100),
			cycleID, map[string]any{"from": o.state.Risk, "to": decision.State, "drawdown": decision.Drawdown})
		o.state.Risk = decision.State
	}
	record.AdmittedCount = len(decision.Admitted)
	if len(decision.Rejected) > 0 {
		record.Rejections = make(map[string]string, len(decision.Rejected))
		for _, rej := range decision.Rejected {
			record.Rejections[rej.Intent.PairKey] = rej.Reason
		}
	}

	// Execution: rebalances and shrinks before new intents.
	touched := o.applyDirectives(ctx, cycleID, append(decision.Rebalances, decision.Shrinks...), record)
	attempts, failures := 0, 0
	for _, intent := range decision.Admitted {
		attempts++
		pair, execErr := o.deps.Exec.OpenPair(ctx, intent)
		switch {
		case execErr == nil:
			o.state.Pairs[pair.ID] = pair
			touched[pair.ID] = pair
			record.OpenedPairs = append(record.OpenedPairs, pair.ID)
			o.notify(ctx, monitor.EventPairOpened, monitor.SeverityInfo,
				fmt.Sprintf("opened pair %s (%s / %s)", pair.ID, pair.Short.ID(), pair.Long.ID()),
				cycleID, map[string]any{"edge_bps": pair.EdgeBps})
		case errors.Is(execErr, execution.ErrPartialFillFlattened):
			failures++
			record.FlattenedPairs = append(record.FlattenedPairs, intent.PairKey)
			o.notify(ctx, monitor.EventPairFlattened, monitor.SeverityWarning,
				fmt.Sprintf("intent %s flattened after single-leg fill", intent.PairKey), cycleID, nil)
		case errors.Is(execErr, execution.ErrPairUnrecoverable):
			failures++
			if pair != nil {
				o.state.Pairs[pair.ID] = pair
				touched[pair.ID] = pair
				record.ZombiePairs = append(record.ZombiePairs, pair.ID)
			}
			o.notify(ctx, monitor.EventZombiePair, monitor.SeverityCritical,
				fmt.Sprintf("intent %s left a zombie pair", intent.PairKey), cycleID, nil)
			// Execution fatal forces HALT_NEW regardless of drawdown.
			o.state.Risk = portfolio.RiskHaltNew
		default:
			failures++
			logx.Errorf("orchestrator: open %s: %v", intent.PairKey, execErr)
		}
	}

	// Equity, peak and anomalies.
	o.updateMarks(ctx)
	prevEquity := o.state.EquityUSD
	o.state.RecomputeEquity()
	record.EquityUSD = o.state.EquityUSD
	record.CapitalUSD = o.state.CapitalUSD
	record.RiskState = o.state.Risk

	if prevEquity > 0 && (prevEquity-o.state.EquityUSD)/prevEquity > equityDropAlertPct {
		o.notify(ctx, monitor.EventAnomaly, monitor.SeverityCritical,
			fmt.Sprintf("equity dropped %.2f%% in one cycle", (prevEquity-o.state.EquityUSD)/prevEquity*100),
			cycleID, nil)
	}
	if attempts > 0 && float64(failures)/float64(attempts) > execFailureAlertPct {
		o.notify(ctx, monitor.EventAnomaly, monitor.SeverityWarning,
			fmt.Sprintf("execution failure ratio %.0f%%", float64(failures)/float64(attempts)*100),
			cycleID, nil)
	}

	// Atomic persist of state, counters, touched pairs and the summary.
	o.state.LastCycleID = cycleID
	o.state.LastCycleAt = o.nowFn().UTC()
	return o.persistCycle(ctx, cycleID, touched, record)
}

// applyDirectives runs rebalance and shrink trims before any new position.
func (o *Orchestrator) applyDirectives(ctx context.Context, cycleID int64, directives []risk.Directive, record *journal.CycleRecord) map[string]*portfolio.PositionPair {
	touched := make(map[string]*portfolio.PositionPair)
	for _, directive := range directives {
		pair, ok := o.state.Pairs[directive.PairID]
		if !ok || pair.Status != portfolio.PairOpen {
			continue
		}
		if err := o.deps.Exec.AdjustPair(ctx, pair, directive.TargetShortUSD, directive.TargetLongUSD, cycleID); err != nil {
			logx.Errorf("orchestrator: %s pair %s: %v", directive.Reason, directive.PairID, err)
			continue
		}
		touched[pair.ID] = pair
		record.Rebalanced = append(record.Rebalanced, pair.ID)
	}
	return touched
}

// accrueFunding credits each open pair with the funding earned over one
// cycle, pro-rated from the 8h settlement rate. Short legs earn positive
// rates; long legs earn the magnitude of negative rates.
func (o *Orchestrator) accrueFunding(quotes map[string]marketdata.SymbolQuote) {
	fraction := o.deps.Config.CyclePeriod().Hours() / 8.0
	for _, pair := range o.state.OpenPairs() {
		shortRate := currentRate(quotes, pair.Short, pair.Short.EntryRate)
		longRate := currentRate(quotes, pair.Long, pair.Long.EntryRate)

		earned := (shortRate*pair.Short.FilledUSD - longRate*pair.Long.FilledUSD) * fraction
		pair.FundingUSD += earned
		o.state.CapitalUSD += earned
	}
}

func currentRate(quotes map[string]marketdata.SymbolQuote, leg portfolio.Leg, fallback float64) float64 {
	if quote, ok := quotes[leg.Symbol]; ok {
		if snap, ok := quote.Venues[leg.Venue]; ok {
			return snap.Rate
		}
	}
	return fallback
}

// updateMarks refreshes per-pair MTM from live venue positions. A venue
// read failure keeps the previous marks; it never fails the cycle.
func (o *Orchestrator) updateMarks(ctx context.Context) {
	positions, err := o.venuePositions(ctx)
	if err != nil {
		logx.Errorf("orchestrator: refresh marks: %v", err)
		return
	}
	for _, pair := range o.state.OpenPairs() {
		var mtm float64
		if pos, ok := positions[pair.Short.ID()]; ok {
			mtm += pos.UnrealizedUSD
		}
		if pos, ok := positions[pair.Long.ID()]; ok {
			mtm += pos.UnrealizedUSD
		}
		pair.MTMUSD = mtm
	}
}

// persistCycle writes the cycle outcome in one atomic batch.
func (o *Orchestrator) persistCycle(ctx context.Context, cycleID int64, touched map[string]*portfolio.PositionPair, record *journal.CycleRecord) error {
	stateBytes, err := o.state.Encode()
	if err != nil {
		return err
	}
	counterBytes, err := o.deps.Signals.Gate().Export()
	if err != nil {
		return err
	}
	summaryBytes, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("orchestrator: marshal summary: %w", err)
	}

	batch := map[string][]byte{
		statestore.KeyPortfolioState:        stateBytes,
		statestore.KeyPersistenceCounters:   counterBytes,
		statestore.CycleSummaryKey(cycleID): summaryBytes,
	}
	for id, pair := range touched {
		pairBytes, err := json.Marshal(pair)
		if err != nil {
			return fmt.Errorf("orchestrator: marshal pair %s: %w", id, err)
		}
		batch[statestore.PairKey(id)] = pairBytes
	}
	if err := o.deps.Store.WriteBatch(ctx, batch); err != nil {
		return fmt.Errorf("orchestrator: persist cycle %d: %w", cycleID, err)
	}
	return nil
}

func (o *Orchestrator) persistPair(ctx context.Context, pair *portfolio.PositionPair) error {
	stateBytes, err := o.state.Encode()
	if err != nil {
		return err
	}
	pairBytes, err := json.Marshal(pair)
	if err != nil {
		return err
	}
	return o.deps.Store.WriteBatch(ctx, map[string][]byte{
		statestore.KeyPortfolioState: stateBytes,
		statestore.PairKey(pair.ID):  pairBytes,
	})
}

func (o *Orchestrator) notify(ctx context.Context, eventType, severity, message string, cycleID int64, fields map[string]any) {
	event := monitor.NewEvent(eventType, severity, message)
	event.CycleID = cycleID
	event.Fields = fields
	o.deps.Notifier.Notify(ctx, event)
}

func severityForState(state portfolio.RiskState) string {
	if state == portfolio.RiskNormal {
		return monitor.SeverityInfo
	}
	return monitor.SeverityWarning
}
