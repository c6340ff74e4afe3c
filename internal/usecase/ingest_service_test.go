package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/ethpulse/internal/domain"
	"github.com/vitos/ethpulse/internal/infrastructure/storage"
	"github.com/vitos/ethpulse/internal/usecase"
)

// fakeExchange serves fixed series with venue-like paging.
type fakeExchange struct {
	bars    []domain.Bar
	funding []domain.SeriesPoint
	oi      []domain.SeriesPoint
	oiErr   error

	klineCalls int
}

func (f *fakeExchange) Name() string { return "fake" }

func (f *fakeExchange) GetKlines(_ context.Context, _, _ string, start, end time.Time, limit int) ([]domain.Bar, error) {
	f.klineCalls++
	var out []domain.Bar
	for _, b := range f.bars {
		if b.Time.Before(start) || (!end.IsZero() && b.Time.After(end)) {
			continue
		}
		out = append(out, b)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeExchange) GetFundingRates(_ context.Context, _ string, start, end time.Time, limit int) ([]domain.SeriesPoint, error) {
	return page(f.funding, start, end, limit), nil
}

func (f *fakeExchange) GetOpenInterestHist(_ context.Context, _, _ string, start, end time.Time, limit int) ([]domain.SeriesPoint, error) {
	if f.oiErr != nil {
		return nil, f.oiErr
	}
	return page(f.oi, start, end, limit), nil
}

func page(points []domain.SeriesPoint, start, end time.Time, limit int) []domain.SeriesPoint {
	var out []domain.SeriesPoint
	for _, p := range points {
		if (!start.IsZero() && p.Time.Before(start)) || (!end.IsZero() && p.Time.After(end)) {
			continue
		}
		out = append(out, p)
		if len(out) == limit {
			break
		}
	}
	return out
}

func hourlySeries(start time.Time, step time.Duration, n int, value func(i int) float64) []domain.SeriesPoint {
	out := make([]domain.SeriesPoint, n)
	for i := range out {
		out[i] = domain.SeriesPoint{Time: start.Add(time.Duration(i) * step), Value: value(i)}
	}
	return out
}

func newStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestIngestService_PagesEverySeries(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	ex := &fakeExchange{
		bars:    flatBars(t0, time.Minute, 3500, 100),
		funding: hourlySeries(t0, 8*time.Hour, 8, func(i int) float64 { return 0.0001 }),
		oi:      hourlySeries(t0, time.Hour, 58, func(i int) float64 { return 1000 + float64(i) }),
	}
	metrics := newMockMetrics()
	svc := usecase.NewIngestService(ex, store, nil, metrics)

	end := t0.Add(3500 * time.Minute)
	res, err := svc.Ingest(ctx, usecase.IngestRequest{Symbol: "ETHUSDT", Start: t0, End: end})
	require.NoError(t, err)
	assert.Equal(t, usecase.IngestResult{Bars: 3500, Funding: 8, OpenInterest: 58}, res)
	assert.Equal(t, 3, ex.klineCalls)

	bars, err := store.LoadBars(ctx, "ETHUSDT", usecase.BaseInterval, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, bars, 3500)

	oi, err := store.LoadOpenInterest(ctx, "ETHUSDT", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, oi, 58)
	assert.Empty(t, metrics.errors)
}

func TestIngestService_ResumesAfterLastBar(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	ex := &fakeExchange{bars: flatBars(t0, time.Minute, 120, 100)}
	svc := usecase.NewIngestService(ex, store, nil, nil)

	_, err := svc.Ingest(ctx, usecase.IngestRequest{Symbol: "ETHUSDT", Start: t0, End: t0.Add(60 * time.Minute)})
	require.NoError(t, err)

	res, err := svc.Ingest(ctx, usecase.IngestRequest{Symbol: "ETHUSDT", End: t0.Add(120 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, 60, res.Bars)

	last, err := store.LastBarTime(ctx, "ETHUSDT", usecase.BaseInterval)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(119*time.Minute), last)
}

func TestIngestService_RequiresStartWithoutHistory(t *testing.T) {
	svc := usecase.NewIngestService(&fakeExchange{}, newStore(t), nil, nil)
	_, err := svc.Ingest(context.Background(), usecase.IngestRequest{Symbol: "ETHUSDT", End: t0})
	assert.Error(t, err)
}

func TestIngestService_OpenInterestFailureIsNotFatal(t *testing.T) {
	store := newStore(t)
	ex := &fakeExchange{
		bars:  flatBars(t0, time.Minute, 10, 100),
		oiErr: errors.New("only the last 30 days are available"),
	}
	metrics := newMockMetrics()
	svc := usecase.NewIngestService(ex, store, nil, metrics)

	res, err := svc.Ingest(context.Background(), usecase.IngestRequest{Symbol: "ETHUSDT", Start: t0, End: t0.Add(10 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Bars)
	assert.Zero(t, res.OpenInterest)
	assert.Equal(t, 1, metrics.errors["fake"])
}
