package storage_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/ethpulse/internal/domain"
	"github.com/vitos/ethpulse/internal/infrastructure/storage"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_Bars(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	_, err := store.LastBarTime(ctx, "ETHUSDT", "1m")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	bars := []domain.Bar{
		{Time: t0, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10, TakerBuyVolume: 6},
		{Time: t0.Add(time.Minute), Open: 1.5, High: 2, Low: 1, Close: 1.8, Volume: 5, TakerBuyVolume: 1},
		{Time: t0.Add(2 * time.Minute), Open: 1.8, High: 1.9, Low: 1.7, Close: 1.7, Volume: 3, TakerBuyVolume: 2},
	}
	require.NoError(t, store.SaveBars(ctx, "ETHUSDT", "1m", bars))

	// Re-ingesting an overlapping page updates in place.
	updated := bars[2]
	updated.Close = 1.75
	require.NoError(t, store.SaveBars(ctx, "ETHUSDT", "1m", []domain.Bar{updated}))

	all, err := store.LoadBars(ctx, "ETHUSDT", "1m", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, bars[0], all[0])
	assert.Equal(t, 1.75, all[2].Close)

	window, err := store.LoadBars(ctx, "ETHUSDT", "1m", t0.Add(time.Minute), t0.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, bars[1], window[0])

	other, err := store.LoadBars(ctx, "BTCUSDT", "1m", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, other)

	last, err := store.LastBarTime(ctx, "ETHUSDT", "1m")
	require.NoError(t, err)
	assert.True(t, last.Equal(t0.Add(2*time.Minute)))
}

func TestSQLiteStore_BarsWithoutTakerFlow(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	bars := []domain.Bar{
		{Time: t0, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10, TakerBuyVolume: math.NaN()},
		{Time: t0.Add(time.Minute), Open: 1.5, High: 2, Low: 1, Close: 1.8, Volume: 5, TakerBuyVolume: 0},
	}
	require.NoError(t, store.SaveBars(ctx, "ETHUSDT", "1m", bars))

	got, err := store.LoadBars(ctx, "ETHUSDT", "1m", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.False(t, got[0].HasTakerFlow())
	assert.Equal(t, 10.0, got[0].Volume)
	assert.True(t, got[1].HasTakerFlow())
	assert.Zero(t, got[1].TakerBuyVolume)
}

func TestSQLiteStore_Series(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	funding := []domain.SeriesPoint{
		{Time: t0, Value: 0.0001},
		{Time: t0.Add(8 * time.Hour), Value: -0.00005},
	}
	oi := []domain.SeriesPoint{
		{Time: t0, Value: 1_000_000},
		{Time: t0.Add(time.Hour), Value: 1_100_000},
	}
	require.NoError(t, store.SaveFunding(ctx, "ETHUSDT", funding))
	require.NoError(t, store.SaveOpenInterest(ctx, "ETHUSDT", oi))

	gotFunding, err := store.LoadFunding(ctx, "ETHUSDT", time.Time{}, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, funding, gotFunding)

	gotOI, err := store.LoadOpenInterest(ctx, "ETHUSDT", t0.Add(time.Hour), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, oi[1:], gotOI)
}

func TestSQLiteStore_Runs(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	_, err := store.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	run := &domain.Run{
		ID:         "run-1",
		Symbol:     "ETHUSDT",
		Timeframe:  "5m",
		From:       t0,
		To:         t0.Add(24 * time.Hour),
		CreatedAt:  t0.Add(25 * time.Hour),
		PivotMode:  domain.PivotDonchian,
		Params:     domain.DefaultStrategyParams(),
		Simulation: domain.DefaultSimulationParams(),
		Report:     domain.Report{Trades: 1, WinRate: 1, PF: math.Inf(1), AvgPnL: 0.01},
	}
	trades := []domain.Trade{{
		Side:            domain.SideShort,
		EntryPrice:      100,
		EntryTime:       t0.Add(time.Hour),
		ExitPrice:       97,
		ExitTime:        t0.Add(2 * time.Hour),
		StopPrice:       102,
		TakeProfitPrice: 97,
		PnL:             0.0292,
		ExitReason:      domain.ExitTakeProfit,
	}}
	equity := []domain.EquityPoint{{Time: t0.Add(2 * time.Hour), Equity: 1.0292}}

	require.NoError(t, store.SaveRun(ctx, run, trades, equity))

	older := *run
	older.ID = "run-0"
	older.CreatedAt = t0
	require.NoError(t, store.SaveRun(ctx, &older, nil, nil))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.Params, got.Params)
	assert.Equal(t, run.Simulation, got.Simulation)
	assert.Equal(t, domain.PivotDonchian, got.PivotMode)
	assert.True(t, math.IsInf(got.Report.PF, 1))
	assert.True(t, got.From.Equal(run.From))

	runs, err := store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-1", runs[0].ID)
	assert.Equal(t, "run-0", runs[1].ID)

	gotTrades, err := store.ListRunTrades(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, trades, gotTrades)

	gotEquity, err := store.ListRunEquity(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, equity, gotEquity)

	emptyTrades, err := store.ListRunTrades(ctx, "run-0")
	require.NoError(t, err)
	assert.Empty(t, emptyTrades)

	assert.Error(t, store.SaveRun(ctx, run, nil, nil), "duplicate id")
}
