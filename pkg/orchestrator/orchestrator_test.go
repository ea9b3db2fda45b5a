package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kh1985/funding-arb-system/pkg/execution"
	"github.com/kh1985/funding-arb-system/pkg/funding"
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
	"github.com/kh1985/funding-arb-system/pkg/venue/sim"
)

const (
	symXXX = "XXX/USDT:USDT"
	symYYY = "YYY/USDT:USDT"
)

type fakeMarket struct {
	quotes map[string]marketdata.SymbolQuote
	err    error
}

func (f *fakeMarket) Snapshot(ctx context.Context, symbols []string) (map[string]marketdata.SymbolQuote, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.quotes, nil
}

func (f *fakeMarket) SupportedSymbols(ctx context.Context) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []string{symXXX, symYYY}, nil
}

// crossQuotes quotes XXX on alpha and YYY on beta so one cross-venue pair
// (short alpha:XXX, long beta:YYY) qualifies.
func crossQuotes(shortRate, longRate float64) map[string]marketdata.SymbolQuote {
	return map[string]marketdata.SymbolQuote{
		symXXX: {
			Symbol:   symXXX,
			Venues:   map[string]funding.Snapshot{"alpha": {Venue: "alpha", Symbol: symXXX, Rate: shortRate}},
			Coverage: 1,
		},
		symYYY: {
			Symbol:   symYYY,
			Venues:   map[string]funding.Snapshot{"beta": {Venue: "beta", Symbol: symYYY, Rate: longRate}},
			Coverage: 1,
		},
	}
}

type bed struct {
	cfg      strategy.Config
	market   *fakeMarket
	alpha    *sim.Adapter
	beta     *sim.Adapter
	store    *statestore.Memory
	recorder *monitor.Recorder
	signals  *signal.Service
	orch     *Orchestrator
}

type bedOpts struct {
	mutate func(*strategy.Config)
	store  *statestore.Memory
	alpha  *sim.Adapter
	beta   *sim.Adapter
	locker statestore.Locker
}

func newBed(t *testing.T, opts bedOpts) *bed {
	t.Helper()

	b := &bed{
		cfg:      strategy.DefaultConfig(),
		market:   &fakeMarket{quotes: crossQuotes(0.003, -0.002)},
		alpha:    opts.alpha,
		beta:     opts.beta,
		store:    opts.store,
		recorder: &monitor.Recorder{},
	}
	b.cfg.MaxTotalNotionalUSD = 200
	b.cfg.MaxNotionalPerSymbolUSD = 45
	b.cfg.MaxNotionalPerVenueUSD = 60
	if opts.mutate != nil {
		opts.mutate(&b.cfg)
	}
	require.NoError(t, b.cfg.Validate())

	if b.alpha == nil {
		b.alpha = sim.New("alpha")
	}
	if b.beta == nil {
		b.beta = sim.New("beta")
	}
	if b.store == nil {
		b.store = statestore.NewMemory()
	}

	venues := map[string]venue.Adapter{"alpha": b.alpha, "beta": b.beta}
	exec := execution.NewService(venues, &b.cfg,
		execution.WithLegFillTimeout(50*time.Millisecond),
		execution.WithPollInterval(5*time.Millisecond),
		execution.WithRetryBackoff(time.Millisecond, 2*time.Millisecond),
	)
	selector, err := universe.NewSelector(2, []string{symXXX, symYYY}, 0, universe.DefaultWeights)
	require.NoError(t, err)
	b.signals = signal.NewService(&b.cfg, nil)

	b.orch = New(Deps{
		Config:   &b.cfg,
		Market:   b.market,
		Universe: selector,
		Signals:  b.signals,
		Risk:     risk.NewEvaluator(&b.cfg),
		Exec:     exec,
		Venues:   venues,
		Store:    b.store,
		Locker:   opts.locker,
		Notifier: b.recorder,
		Journal:  journal.NewWriter(t.TempDir()),
	})
	return b
}

func seedOpenPair(t *testing.T, store *statestore.Memory, capital, shortFilled, longFilled float64) *portfolio.PositionPair {
	t.Helper()
	state := portfolio.NewState(capital)
	pair := &portfolio.PositionPair{
		ID: "deadbeef00112233",
		Short: portfolio.Leg{
			Venue: "alpha", Symbol: symXXX, Side: venue.SideSell,
			TargetUSD: 40, FilledUSD: shortFilled,
		},
		Long: portfolio.Leg{
			Venue: "beta", Symbol: symYYY, Side: venue.SideBuy,
			TargetUSD: 40, FilledUSD: longFilled,
		},
		Status:   portfolio.PairOpen,
		OpenedAt: time.Now().UTC(),
	}
	state.Pairs[pair.ID] = pair
	data, err := state.Encode()
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), statestore.KeyPortfolioState, data))
	return pair
}

func TestCycleHappyPath(t *testing.T) {
	b := newBed(t, bedOpts{})
	ctx := context.Background()

	require.NoError(t, b.orch.Bootstrap(ctx))
	require.NoError(t, b.orch.RunCycle(ctx))

	state := b.orch.State()
	require.Equal(t, int64(1), state.LastCycleID)
	open := state.OpenPairs()
	require.Len(t, open, 1)
	require.InDelta(t, 40.0, open[0].Short.FilledUSD, 1e-9)
	require.InDelta(t, 40.0, open[0].Long.FilledUSD, 1e-9)

	// State, counters, pair and summary land in one persisted batch.
	_, err := b.store.Get(ctx, statestore.KeyPortfolioState)
	require.NoError(t, err)
	_, err = b.store.Get(ctx, statestore.KeyPersistenceCounters)
	require.NoError(t, err)
	_, err = b.store.Get(ctx, statestore.PairKey(open[0].ID))
	require.NoError(t, err)
	_, err = b.store.Get(ctx, statestore.CycleSummaryKey(1))
	require.NoError(t, err)

	// Persisted state round-trips to the in-memory portfolio.
	data, err := b.store.Get(ctx, statestore.KeyPortfolioState)
	require.NoError(t, err)
	restored, err := portfolio.Decode(data)
	require.NoError(t, err)
	require.Equal(t, int64(1), restored.LastCycleID)
	require.Len(t, restored.Pairs, 1)

	require.Len(t, b.recorder.ByType(monitor.EventPairOpened), 1)
}

func TestCyclePersistenceGateDelays(t *testing.T) {
	b := newBed(t, bedOpts{mutate: func(c *strategy.Config) {
		c.MinPersistenceWindows = 3
	}})
	ctx := context.Background()
	require.NoError(t, b.orch.Bootstrap(ctx))

	require.NoError(t, b.orch.RunCycle(ctx))
	require.Empty(t, b.orch.State().OpenPairs(), "window 1 must not trade")
	require.NoError(t, b.orch.RunCycle(ctx))
	require.Empty(t, b.orch.State().OpenPairs(), "window 2 must not trade")
	require.NoError(t, b.orch.RunCycle(ctx))
	require.Len(t, b.orch.State().OpenPairs(), 1, "window 3 satisfies persistence")
}

func TestCyclePartialFillFlattenedKeepsCounter(t *testing.T) {
	b := newBed(t, bedOpts{})
	ctx := context.Background()
	require.NoError(t, b.orch.Bootstrap(ctx))

	b.beta.QueueRest() // long leg never fills

	require.NoError(t, b.orch.RunCycle(ctx))
	require.Empty(t, b.orch.State().OpenPairs())
	require.Len(t, b.recorder.ByType(monitor.EventPairFlattened), 1)

	// The persistence counter survives a failed execution.
	pairKey := portfolio.PairKey("alpha:"+symXXX, "beta:"+symYYY)
	require.Equal(t, 1, b.signals.Gate().Count(pairKey))

	// Next cycle retries and succeeds.
	require.NoError(t, b.orch.RunCycle(ctx))
	require.Len(t, b.orch.State().OpenPairs(), 1)
}

func TestCycleSkippedOnMarketFailure(t *testing.T) {
	b := newBed(t, bedOpts{})
	ctx := context.Background()
	require.NoError(t, b.orch.Bootstrap(ctx))

	b.market.err = errors.New("aggregator down")
	for i := 0; i < 4; i++ {
		require.ErrorIs(t, b.orch.RunCycle(ctx), ErrCycleSkipped)
	}

	require.Equal(t, int64(0), b.orch.State().LastCycleID, "skipped cycles never advance the id")
	require.Len(t, b.recorder.ByType(monitor.EventCycleSkipped), 4)
	require.NotEmpty(t, b.recorder.ByType(monitor.EventAnomaly), "sustained skipping must alert")

	// Recovery resets the skip streak and trades normally.
	b.market.err = nil
	require.NoError(t, b.orch.RunCycle(ctx))
	require.Equal(t, int64(1), b.orch.State().LastCycleID)
}

func TestRestartAdoptsMatchingPairs(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemory()
	alpha := sim.New("alpha")
	beta := sim.New("beta")

	seedOpenPair(t, store, 1000, 40, 40)
	_, err := alpha.PlaceOrder(ctx, venue.OrderRequest{Symbol: symXXX, Side: venue.SideSell, NotionalUSD: 40, ClientOrderID: "seed-s"})
	require.NoError(t, err)
	_, err = beta.PlaceOrder(ctx, venue.OrderRequest{Symbol: symYYY, Side: venue.SideBuy, NotionalUSD: 40, ClientOrderID: "seed-l"})
	require.NoError(t, err)

	b := newBed(t, bedOpts{store: store, alpha: alpha, beta: beta})
	require.NoError(t, b.orch.Bootstrap(ctx))

	state := b.orch.State()
	require.Len(t, state.OpenPairs(), 1, "matching pair must be adopted")

	positions, err := alpha.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.InDelta(t, 40.0, positions[0].NotionalUSD, 1e-9)
}

func TestRestartFlattensDivergedPair(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemory()
	pair := seedOpenPair(t, store, 1000, 40, 40)

	// Fresh venues hold no positions: the persisted pair has diverged.
	b := newBed(t, bedOpts{store: store})
	require.NoError(t, b.orch.Bootstrap(ctx))

	state := b.orch.State()
	require.Empty(t, state.OpenPairs())
	require.Equal(t, portfolio.PairClosed, state.Pairs[pair.ID].Status)
}

func TestRestartFlattenPolicyClosesEverything(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemory()
	alpha := sim.New("alpha")
	beta := sim.New("beta")

	// Positions match perfectly, but the operator asked for a clean slate.
	pair := seedOpenPair(t, store, 1000, 40, 40)
	_, err := alpha.PlaceOrder(ctx, venue.OrderRequest{Symbol: symXXX, Side: venue.SideSell, NotionalUSD: 40, ClientOrderID: "seed-s"})
	require.NoError(t, err)
	_, err = beta.PlaceOrder(ctx, venue.OrderRequest{Symbol: symYYY, Side: venue.SideBuy, NotionalUSD: 40, ClientOrderID: "seed-l"})
	require.NoError(t, err)

	b := newBed(t, bedOpts{store: store, alpha: alpha, beta: beta, mutate: func(c *strategy.Config) {
		c.RecoveryPolicy = "flatten"
	}})
	require.NoError(t, b.orch.Bootstrap(ctx))

	require.Equal(t, portfolio.PairClosed, b.orch.State().Pairs[pair.ID].Status)
	positions, err := alpha.Positions(ctx)
	require.NoError(t, err)
	require.Empty(t, positions)
}

func TestRestartUnrecoverableDivergence(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemory()
	alpha := sim.New("alpha")
	pair := seedOpenPair(t, store, 1000, 40, 40)

	// Every flatten attempt on the short venue fails.
	boom := errors.New("venue down")
	for i := 0; i < 8; i++ {
		alpha.QueueError(boom)
	}

	b := newBed(t, bedOpts{store: store, alpha: alpha})
	err := b.orch.Bootstrap(ctx)
	require.ErrorIs(t, err, ErrStateDivergence)
	require.Equal(t, portfolio.PairZombie, b.orch.State().Pairs[pair.ID].Status)
	require.NotEmpty(t, b.recorder.ByType(monitor.EventZombiePair))
}

func TestRebalanceTrimsDriftedLeg(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemory()
	alpha := sim.New("alpha")
	beta := sim.New("beta")

	// Short leg drifted to 50 against a 40 target: 25% > the 20% threshold.
	seedOpenPair(t, store, 1000, 50, 40)
	_, err := alpha.PlaceOrder(ctx, venue.OrderRequest{Symbol: symXXX, Side: venue.SideSell, NotionalUSD: 50, ClientOrderID: "seed-s"})
	require.NoError(t, err)
	_, err = beta.PlaceOrder(ctx, venue.OrderRequest{Symbol: symYYY, Side: venue.SideBuy, NotionalUSD: 40, ClientOrderID: "seed-l"})
	require.NoError(t, err)

	b := newBed(t, bedOpts{store: store, alpha: alpha, beta: beta})
	b.market.quotes = map[string]marketdata.SymbolQuote{} // no new intents this cycle
	require.NoError(t, b.orch.Bootstrap(ctx))
	require.NoError(t, b.orch.RunCycle(ctx))

	open := b.orch.State().OpenPairs()
	require.Len(t, open, 1)
	require.InDelta(t, 40.0, open[0].Short.FilledUSD, 1e-9)

	positions, err := alpha.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.InDelta(t, 40.0, positions[0].NotionalUSD, 1e-9)
}

func TestZombieForcesHaltNew(t *testing.T) {
	b := newBed(t, bedOpts{})
	ctx := context.Background()
	require.NoError(t, b.orch.Bootstrap(ctx))

	// Long leg rests; short entry fills, then every flatten attempt fails.
	b.beta.QueueRest()
	b.alpha.QueueFill()
	boom := errors.New("venue down")
	for i := 0; i < 8; i++ {
		b.alpha.QueueError(boom)
	}

	require.NoError(t, b.orch.RunCycle(ctx))
	state := b.orch.State()
	require.Equal(t, portfolio.RiskHaltNew, state.Risk)
	require.True(t, state.HasZombie())
	require.NotEmpty(t, b.recorder.ByType(monitor.EventZombiePair))

	// While the zombie lingers no new positions may open.
	require.NoError(t, b.orch.RunCycle(ctx))
	require.Empty(t, b.orch.State().OpenPairs())
	require.Empty(t, b.recorder.ByType(monitor.EventPairOpened))
}

func TestBootstrapLockContention(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemory()

	first := newBed(t, bedOpts{store: store, locker: store})
	require.NoError(t, first.orch.Bootstrap(ctx))

	second := newBed(t, bedOpts{store: store, locker: store})
	require.ErrorIs(t, second.orch.Bootstrap(ctx), ErrLockUnavailable)
}

func TestFundingAccrualCreditsCapital(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemory()
	alpha := sim.New("alpha")
	beta := sim.New("beta")

	pair := seedOpenPair(t, store, 1000, 40, 40)
	pair.Short.EntryRate = 0.003
	pair.Long.EntryRate = -0.002
	// Re-encode with entry rates set.
	state := portfolio.NewState(1000)
	state.Pairs[pair.ID] = pair
	data, err := state.Encode()
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, statestore.KeyPortfolioState, data))

	_, err = alpha.PlaceOrder(ctx, venue.OrderRequest{Symbol: symXXX, Side: venue.SideSell, NotionalUSD: 40, ClientOrderID: "seed-s"})
	require.NoError(t, err)
	_, err = beta.PlaceOrder(ctx, venue.OrderRequest{Symbol: symYYY, Side: venue.SideBuy, NotionalUSD: 40, ClientOrderID: "seed-l"})
	require.NoError(t, err)

	b := newBed(t, bedOpts{store: store, alpha: alpha, beta: beta})
	b.market.quotes = map[string]marketdata.SymbolQuote{} // accrue at entry rates
	require.NoError(t, b.orch.Bootstrap(ctx))
	require.NoError(t, b.orch.RunCycle(ctx))

	// One 600s cycle accrues (0.003*40 + 0.002*40) * (600/3600/8) of funding.
	expected := (0.003*40 + 0.002*40) * (600.0 / 3600.0 / 8.0)
	got := b.orch.State()
	require.InDelta(t, 1000+expected, got.CapitalUSD, 1e-9)
	require.InDelta(t, expected, got.Pairs[pair.ID].FundingUSD, 1e-9)
}
