package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kh1985/funding-arb-system/pkg/portfolio"
	"github.com/kh1985/funding-arb-system/pkg/signal"
	"github.com/kh1985/funding-arb-system/pkg/strategy"
	"github.com/kh1985/funding-arb-system/pkg/venue"
	"github.com/kh1985/funding-arb-system/pkg/venue/sim"
)

func testService(t *testing.T) (*Service, *sim.Adapter, *sim.Adapter) {
	t.Helper()
	cfg := strategy.DefaultConfig()
	shortVenue := sim.New("alpha")
	longVenue := sim.New("beta")
	svc := NewService(
		map[string]venue.Adapter{"alpha": shortVenue, "beta": longVenue},
		&cfg,
		WithLegFillTimeout(50*time.Millisecond),
		WithPollInterval(5*time.Millisecond),
		WithRetryBackoff(time.Millisecond, 2*time.Millisecond),
	)
	return svc, shortVenue, longVenue
}

func testIntent() signal.TradeIntent {
	return signal.TradeIntent{
		PairKey: "alpha:XXX/USDT:USDT|beta:YYY/USDT:USDT",
		CycleID: 1,
		Short: signal.LegIntent{
			Venue: "alpha", Symbol: "XXX/USDT:USDT", Side: venue.SideSell,
			NotionalUSD: 40, Rate: 0.003,
		},
		Long: signal.LegIntent{
			Venue: "beta", Symbol: "YYY/USDT:USDT", Side: venue.SideBuy,
			NotionalUSD: 40, Rate: -0.002,
		},
		Beta:           1.0,
		EdgeBps:        42,
		IdempotencyKey: signal.IdempotencyKey(1, "alpha:XXX/USDT:USDT", "beta:YYY/USDT:USDT"),
	}
}

func TestOpenPairHappyPath(t *testing.T) {
	svc, shortVenue, longVenue := testService(t)
	intent := testIntent()

	pair, err := svc.OpenPair(context.Background(), intent)
	require.NoError(t, err)
	require.Equal(t, portfolio.PairOpen, pair.Status)
	require.Equal(t, intent.IdempotencyKey, pair.ID)
	require.InDelta(t, 40.0, pair.Short.FilledUSD, 1e-9)
	require.InDelta(t, 40.0, pair.Long.FilledUSD, 1e-9)
	require.InDelta(t, 0.003, pair.Short.EntryRate, 1e-12)

	shortPositions, err := shortVenue.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, shortPositions, 1)
	require.Equal(t, venue.SideSell, shortPositions[0].Side)

	longPositions, err := longVenue.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, longPositions, 1)
	require.Equal(t, venue.SideBuy, longPositions[0].Side)
}

func TestOpenPairResubmissionIsIdempotent(t *testing.T) {
	svc, shortVenue, _ := testService(t)
	intent := testIntent()

	_, err := svc.OpenPair(context.Background(), intent)
	require.NoError(t, err)

	// Replaying the intent (crash recovery) must not double the position.
	pair, err := svc.OpenPair(context.Background(), intent)
	require.NoError(t, err)
	require.InDelta(t, 40.0, pair.Short.FilledUSD, 1e-9)

	positions, err := shortVenue.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.InDelta(t, 40.0, positions[0].NotionalUSD, 1e-9)
}

func TestOpenPairInsufficientMargin(t *testing.T) {
	svc, shortVenue, _ := testService(t)
	shortVenue.SetCash(1) // 40/5x leverage needs $8 margin

	_, err := svc.OpenPair(context.Background(), testIntent())
	require.ErrorIs(t, err, ErrInsufficientMargin)

	positions, err := shortVenue.Positions(context.Background())
	require.NoError(t, err)
	require.Empty(t, positions, "no order may be placed after a failed preflight")
}

func TestOpenPairSingleLegFlattened(t *testing.T) {
	svc, shortVenue, longVenue := testService(t)
	longVenue.QueueRest() // long leg never fills

	_, err := svc.OpenPair(context.Background(), testIntent())
	require.ErrorIs(t, err, ErrPartialFillFlattened)

	// The filled short leg was market-closed: no single-legged position.
	positions, err := shortVenue.Positions(context.Background())
	require.NoError(t, err)
	require.Empty(t, positions)

	longPositions, err := longVenue.Positions(context.Background())
	require.NoError(t, err)
	require.Empty(t, longPositions)
}

func TestOpenPairTrimsLargerLeg(t *testing.T) {
	svc, shortVenue, longVenue := testService(t)
	longVenue.QueuePartial(0.5) // long fills 20 of 40; short fills fully

	pair, err := svc.OpenPair(context.Background(), testIntent())
	require.NoError(t, err)
	require.InDelta(t, 20.0, pair.Short.FilledUSD, 1e-9)
	require.InDelta(t, 20.0, pair.Long.FilledUSD, 1e-9)

	positions, err := shortVenue.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.InDelta(t, 20.0, positions[0].NotionalUSD, 1e-9, "short leg must be trimmed to match")
}

func TestOpenPairAcceptsPartialWithinTolerance(t *testing.T) {
	svc, _, longVenue := testService(t)
	longVenue.QueuePartial(0.95) // 5% shortfall, tolerance is 10%

	pair, err := svc.OpenPair(context.Background(), testIntent())
	require.NoError(t, err)
	require.InDelta(t, 40.0, pair.Short.FilledUSD, 1e-9)
	require.InDelta(t, 38.0, pair.Long.FilledUSD, 1e-9)
}

func TestOpenPairBothRejected(t *testing.T) {
	svc, shortVenue, longVenue := testService(t)
	shortVenue.QueueReject("margin")
	longVenue.QueueReject("margin")

	_, err := svc.OpenPair(context.Background(), testIntent())
	require.ErrorIs(t, err, ErrIntentRejected)
}

func TestOpenPairZombieOnFailedFlatten(t *testing.T) {
	svc, shortVenue, longVenue := testService(t)
	longVenue.QueueRest() // long leg never fills
	// Entry on the short venue fills, then every flatten attempt fails.
	boom := errors.New("venue down")
	shortVenue.QueueFill()
	shortVenue.QueueError(boom)
	shortVenue.QueueError(boom)
	shortVenue.QueueError(boom)

	pair, err := svc.OpenPair(context.Background(), testIntent())
	require.ErrorIs(t, err, ErrPairUnrecoverable)
	require.NotNil(t, pair)
	require.Equal(t, portfolio.PairZombie, pair.Status)
	require.InDelta(t, 40.0, pair.Short.FilledUSD, 1e-9)
	require.Zero(t, pair.Long.FilledUSD)
}

func TestClosePair(t *testing.T) {
	svc, shortVenue, longVenue := testService(t)
	pair, err := svc.OpenPair(context.Background(), testIntent())
	require.NoError(t, err)

	require.NoError(t, svc.ClosePair(context.Background(), pair, 1))
	require.Equal(t, portfolio.PairClosed, pair.Status)
	require.False(t, pair.ClosedAt.IsZero())

	positions, err := shortVenue.Positions(context.Background())
	require.NoError(t, err)
	require.Empty(t, positions)
	positions, err = longVenue.Positions(context.Background())
	require.NoError(t, err)
	require.Empty(t, positions)

	// Repeating the close with the same epoch reuses the same order ids.
	require.NoError(t, svc.ClosePair(context.Background(), pair, 1))
}

func TestAdjustPairTrims(t *testing.T) {
	svc, shortVenue, _ := testService(t)
	pair, err := svc.OpenPair(context.Background(), testIntent())
	require.NoError(t, err)

	// Shrink both legs to half (REDUCE directive).
	require.NoError(t, svc.AdjustPair(context.Background(), pair, 20, 20, 2))
	require.InDelta(t, 20.0, pair.Short.FilledUSD, 1e-9)
	require.InDelta(t, 20.0, pair.Long.FilledUSD, 1e-9)

	positions, err := shortVenue.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.InDelta(t, 20.0, positions[0].NotionalUSD, 1e-9)

	// Already at target: adjusting again is a no-op.
	require.NoError(t, svc.AdjustPair(context.Background(), pair, 20, 20, 3))
}

func TestOpenPairUnknownVenue(t *testing.T) {
	svc, _, _ := testService(t)
	intent := testIntent()
	intent.Long.Venue = "nowhere"
	_, err := svc.OpenPair(context.Background(), intent)
	require.ErrorIs(t, err, ErrUnknownVenue)
}
