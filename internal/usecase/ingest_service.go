package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/ethpulse/internal/domain"
)

const (
	// BaseInterval is the granularity bars are stored at; every backtest
	// timeframe is resampled from it.
	BaseInterval = "1m"
	OIPeriod     = "1h"

	klinePageSize   = 1500
	fundingPageSize = 1000
	oiPageSize      = 500
)

type IngestRequest struct {
	Symbol string
	// Zero Start resumes after the last stored bar.
	Start time.Time
	End   time.Time
}

type IngestResult struct {
	Bars         int `json:"bars"`
	Funding      int `json:"funding"`
	OpenInterest int `json:"open_interest"`
}

// IngestService pages market history from an exchange into the repository.
type IngestService struct {
	exchange domain.Exchange
	repo     domain.MarketDataRepository
	logger   *zap.Logger
	metrics  domain.Metrics
	timeNow  func() time.Time
}

func NewIngestService(exchange domain.Exchange, repo domain.MarketDataRepository, logger *zap.Logger, metrics domain.Metrics) *IngestService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestService{
		exchange: exchange,
		repo:     repo,
		logger:   logger,
		metrics:  metrics,
		timeNow:  time.Now,
	}
}

func (s *IngestService) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	var res IngestResult

	end := req.End
	if end.IsZero() {
		end = s.timeNow().UTC()
	}
	start := req.Start
	if start.IsZero() {
		last, err := s.repo.LastBarTime(ctx, req.Symbol, BaseInterval)
		if errors.Is(err, domain.ErrNotFound) {
			return res, fmt.Errorf("no stored bars for %s: a start time is required", req.Symbol)
		}
		if err != nil {
			return res, fmt.Errorf("failed to resume ingest: %w", err)
		}
		start = last.Add(time.Minute)
	}
	if !start.Before(end) {
		s.logger.Info("Nothing to ingest", zap.String("symbol", req.Symbol), zap.Time("start", start), zap.Time("end", end))
		return res, nil
	}

	s.logger.Info("Ingest started",
		zap.String("exchange", s.exchange.Name()),
		zap.String("symbol", req.Symbol),
		zap.Time("start", start),
		zap.Time("end", end),
	)

	var err error
	if res.Bars, err = s.ingestBars(ctx, req.Symbol, start, end); err != nil {
		return res, err
	}
	if res.Funding, err = s.ingestSeries(ctx, "funding", req.Symbol, start, end, fundingPageSize, s.exchange.GetFundingRates, s.repo.SaveFunding); err != nil {
		return res, err
	}

	fetchOI := func(ctx context.Context, symbol string, from, to time.Time, limit int) ([]domain.SeriesPoint, error) {
		return s.exchange.GetOpenInterestHist(ctx, symbol, OIPeriod, from, to, limit)
	}
	if res.OpenInterest, err = s.ingestSeries(ctx, "open_interest", req.Symbol, start, end, oiPageSize, fetchOI, s.repo.SaveOpenInterest); err != nil {
		// Venues keep only a short open interest history; bars and funding
		// are still usable without it.
		s.logger.Warn("Open interest ingest failed", zap.String("symbol", req.Symbol), zap.Error(err))
	}

	s.logger.Info("Ingest finished",
		zap.String("symbol", req.Symbol),
		zap.Int("bars", res.Bars),
		zap.Int("funding", res.Funding),
		zap.Int("open_interest", res.OpenInterest),
	)
	return res, nil
}

func (s *IngestService) ingestBars(ctx context.Context, symbol string, start, end time.Time) (int, error) {
	total := 0
	cursor := start
	for cursor.Before(end) {
		bars, err := s.exchange.GetKlines(ctx, symbol, BaseInterval, cursor, end, klinePageSize)
		if err != nil {
			s.recordError(s.exchange.Name())
			return total, fmt.Errorf("failed to fetch klines: %w", err)
		}
		bars = within(bars, cursor, end)
		if len(bars) == 0 {
			break
		}
		if err := s.repo.SaveBars(ctx, symbol, BaseInterval, bars); err != nil {
			return total, fmt.Errorf("failed to save klines: %w", err)
		}
		total += len(bars)
		cursor = bars[len(bars)-1].Time.Add(time.Minute)

		s.logger.Debug("Kline page stored", zap.String("symbol", symbol), zap.Int("count", len(bars)), zap.Time("next", cursor))
	}
	return total, nil
}

func within(bars []domain.Bar, from, to time.Time) []domain.Bar {
	out := bars[:0:0]
	for _, b := range bars {
		if !b.Time.Before(from) && b.Time.Before(to) {
			out = append(out, b)
		}
	}
	return out
}

type seriesFetcher func(ctx context.Context, symbol string, start, end time.Time, limit int) ([]domain.SeriesPoint, error)

type seriesSaver func(ctx context.Context, symbol string, points []domain.SeriesPoint) error

func (s *IngestService) ingestSeries(ctx context.Context, name, symbol string, start, end time.Time, pageSize int, fetch seriesFetcher, save seriesSaver) (int, error) {
	total := 0
	cursor := start
	for cursor.Before(end) {
		points, err := fetch(ctx, symbol, cursor, end, pageSize)
		if err != nil {
			s.recordError(s.exchange.Name())
			return total, fmt.Errorf("failed to fetch %s: %w", name, err)
		}
		if len(points) == 0 {
			break
		}
		if err := save(ctx, symbol, points); err != nil {
			return total, fmt.Errorf("failed to save %s: %w", name, err)
		}
		total += len(points)

		next := points[len(points)-1].Time.Add(time.Millisecond)
		if !next.After(cursor) || len(points) < pageSize {
			break
		}
		cursor = next
	}
	return total, nil
}

func (s *IngestService) recordError(source string) {
	if s.metrics != nil {
		s.metrics.RecordSourceError(source)
	}
}
