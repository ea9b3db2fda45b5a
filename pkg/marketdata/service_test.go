package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kh1985/funding-arb-system/pkg/funding"
)

type fakeSource struct {
	name    string
	snaps   []funding.Snapshot
	oi      map[string]float64
	oiErr   error
	fundErr error
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Funding(ctx context.Context, symbols []string) ([]funding.Snapshot, error) {
	if f.fundErr != nil {
		return nil, f.fundErr
	}
	return f.snaps, nil
}

func (f *fakeSource) OpenInterestUSD(ctx context.Context, symbol string) (float64, error) {
	if f.oiErr != nil {
		return 0, f.oiErr
	}
	return f.oi[symbol], nil
}

func newFundingClient(t *testing.T, records []funding.Record) *funding.Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(records))
	}))
	t.Cleanup(server.Close)
	return funding.NewClient(funding.WithBaseURL(server.URL))
}

func TestAggregatorSnapshotDefaultsOI(t *testing.T) {
	client := newFundingClient(t, []funding.Record{
		{Exchange: "binance", Symbol: "BTC", FundingRate: 30, IntervalHours: 8},
		{Exchange: "bybit", Symbol: "BTC", FundingRate: -20, IntervalHours: 8, OpenInterestUSD: 7e6},
	})
	svc, err := NewService(ModeAggregator, client, nil, 0)
	require.NoError(t, err)

	quotes, err := svc.Snapshot(context.Background(), []string{"BTC"})
	require.NoError(t, err)
	quote := quotes["BTC/USDT:USDT"]
	require.Equal(t, 2, quote.Coverage)
	require.InDelta(t, 0.003-(-0.002), quote.MaxSpread, 1e-12)
	require.InDelta(t, float64(DefaultOpenInterestUSD), quote.Venues["binance"].OpenInterestUSD, 1e-6)
	require.InDelta(t, 7e6, quote.Venues["bybit"].OpenInterestUSD, 1e-6)
}

func TestAggregatorSupportedSymbols(t *testing.T) {
	client := newFundingClient(t, []funding.Record{
		{Exchange: "binance", Symbol: "ETH", FundingRate: 5, IntervalHours: 8},
		{Exchange: "binance", Symbol: "BTC", FundingRate: 5, IntervalHours: 8},
		{Exchange: "bybit", Symbol: "BTC", FundingRate: 5, IntervalHours: 8},
	})
	svc, err := NewService(ModeAggregator, client, nil, 0)
	require.NoError(t, err)

	symbols, err := svc.SupportedSymbols(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"BTC/USDT:USDT", "ETH/USDT:USDT"}, symbols)
}

func TestHybridEnrichesOpenInterest(t *testing.T) {
	client := newFundingClient(t, []funding.Record{
		{Exchange: "binance", Symbol: "BTC", FundingRate: 30, IntervalHours: 8},
		{Exchange: "bybit", Symbol: "BTC", FundingRate: -20, IntervalHours: 8},
	})
	sources := []DataSource{
		&fakeSource{name: "binance", oi: map[string]float64{"BTC/USDT:USDT": 12e6}},
		&fakeSource{name: "bybit", oiErr: errors.New("timeout")},
	}
	svc, err := NewService(ModeHybrid, client, sources, 0)
	require.NoError(t, err)

	quotes, err := svc.Snapshot(context.Background(), []string{"BTC"})
	require.NoError(t, err)
	quote := quotes["BTC/USDT:USDT"]
	require.InDelta(t, 12e6, quote.Venues["binance"].OpenInterestUSD, 1e-6)
	// Failed ancillary source degrades to the default, not an error.
	require.InDelta(t, float64(DefaultOpenInterestUSD), quote.Venues["bybit"].OpenInterestUSD, 1e-6)
}

func TestVenueModeMergesSources(t *testing.T) {
	sources := []DataSource{
		&fakeSource{name: "binance", snaps: []funding.Snapshot{
			{Venue: "binance", Symbol: "BTC", Rate: 0.003, OpenInterestUSD: 9e6},
		}},
		&fakeSource{name: "bybit", snaps: []funding.Snapshot{
			{Venue: "bybit", Symbol: "BTC-PERP", Rate: -0.002},
		}},
	}
	svc, err := NewService(ModeVenue, nil, sources, 0)
	require.NoError(t, err)

	quotes, err := svc.Snapshot(context.Background(), []string{"BTC"})
	require.NoError(t, err)
	quote := quotes["BTC/USDT:USDT"]
	require.Equal(t, 2, quote.Coverage)
	require.InDelta(t, 0.005, quote.MaxSpread, 1e-12)
	require.InDelta(t, float64(DefaultOpenInterestUSD), quote.Venues["bybit"].OpenInterestUSD, 1e-6)
}

func TestVenueModeToleratesOneFailure(t *testing.T) {
	sources := []DataSource{
		&fakeSource{name: "binance", snaps: []funding.Snapshot{
			{Venue: "binance", Symbol: "BTC", Rate: 0.003},
		}},
		&fakeSource{name: "bybit", fundErr: errors.New("down")},
	}
	svc, err := NewService(ModeVenue, nil, sources, 0)
	require.NoError(t, err)

	quotes, err := svc.Snapshot(context.Background(), []string{"BTC"})
	require.NoError(t, err)
	require.Equal(t, 1, quotes["BTC/USDT:USDT"].Coverage)
}

func TestVenueModeFailsWhenAllDown(t *testing.T) {
	sources := []DataSource{
		&fakeSource{name: "binance", fundErr: errors.New("down")},
	}
	svc, err := NewService(ModeVenue, nil, sources, 0)
	require.NoError(t, err)

	_, err = svc.Snapshot(context.Background(), []string{"BTC"})
	require.Error(t, err)
}

func TestNewServiceRejectsUnknownMode(t *testing.T) {
	_, err := NewService("oracle", nil, nil, 0)
	require.Error(t, err)
}
