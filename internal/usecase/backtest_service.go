package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vitos/ethpulse/internal/domain"
)

// ErrNoData is returned when the requested window holds no stored bars.
var ErrNoData = errors.New("no market data")

type BacktestRequest struct {
	Symbol     string
	Timeframe  time.Duration
	Start      time.Time
	End        time.Time
	PivotMode  domain.PivotMode
	Params     domain.StrategyParams
	Simulation domain.SimulationParams
}

type BacktestResult struct {
	Run       *domain.Run
	Rows      []domain.FeatureRow
	Decisions []domain.Decision
	Trades    []domain.Trade
	Equity    []domain.EquityPoint
	// Open is the position still held after the last bar, if any.
	Open *domain.Position
}

// BacktestService replays stored market data through the enrich, score,
// simulate and evaluate pipeline and persists the outcome.
type BacktestService struct {
	market  domain.MarketDataRepository
	runs    domain.RunRepository
	logger  *zap.Logger
	metrics domain.Metrics
	timeNow func() time.Time
	newID   func() string
}

func NewBacktestService(market domain.MarketDataRepository, runs domain.RunRepository, logger *zap.Logger, metrics domain.Metrics) *BacktestService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BacktestService{
		market:  market,
		runs:    runs,
		logger:  logger,
		metrics: metrics,
		timeNow: time.Now,
		newID:   func() string { return uuid.NewString() },
	}
}

// LoadData reads the base bars in [start, end) and every funding and open
// interest point before end, so as-of joins see the values in force at start.
func (s *BacktestService) LoadData(ctx context.Context, symbol string, start, end time.Time) (domain.MarketData, error) {
	data := domain.MarketData{Symbol: symbol}

	bars, err := s.market.LoadBars(ctx, symbol, BaseInterval, start, end)
	if err != nil {
		return data, fmt.Errorf("failed to load bars: %w", err)
	}
	if len(bars) == 0 {
		return data, fmt.Errorf("%w for %s between %s and %s", ErrNoData, symbol, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	data.Bars = bars

	if data.Funding, err = s.market.LoadFunding(ctx, symbol, time.Time{}, end); err != nil {
		return data, fmt.Errorf("failed to load funding: %w", err)
	}
	if data.OpenInterest, err = s.market.LoadOpenInterest(ctx, symbol, time.Time{}, end); err != nil {
		return data, fmt.Errorf("failed to load open interest: %w", err)
	}
	return data, nil
}

// Evaluate runs the pure pipeline over already loaded data. Nothing is
// persisted.
func (s *BacktestService) Evaluate(data domain.MarketData, req BacktestRequest) (*BacktestResult, error) {
	bars := Resample(data.Bars, req.Timeframe)
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoData, data.Symbol)
	}

	enricher := NewFeatureEnricher(EnrichOptions{
		CVDWindow:      req.Params.Thresholds.CVDWindow,
		PivotMode:      req.PivotMode,
		DonchianWindow: req.Params.Thresholds.DonchianWindow,
		Timeframe:      req.Timeframe,
	})
	rows := enricher.Enrich(bars, data.Funding, data.OpenInterest)

	engine := NewScoringEngine(req.Params, s.metrics)
	decisions := make([]domain.Decision, len(rows))
	signals := make([]domain.Side, len(rows))
	for i, r := range rows {
		decisions[i] = engine.Decide(r.SignalInputs())
		signals[i] = decisions[i].Action.Side()
	}

	sim, err := NewPositionSimulator(req.Simulation, s.logger, s.metrics).Run(rows, signals)
	if err != nil {
		return nil, fmt.Errorf("simulation failed: %w", err)
	}

	pivotMode := req.PivotMode
	if pivotMode == "" {
		pivotMode = domain.PivotFloor
	}
	res := &BacktestResult{
		Run: &domain.Run{
			ID:         s.newID(),
			Symbol:     data.Symbol,
			Timeframe:  formatTimeframe(req.Timeframe),
			From:       req.Start,
			To:         req.End,
			CreatedAt:  s.timeNow().UTC(),
			PivotMode:  pivotMode,
			Params:     req.Params,
			Simulation: req.Simulation,
			Report:     ComputeReport(sim.Trades),
		},
		Rows:      rows,
		Decisions: decisions,
		Trades:    sim.Trades,
		Equity:    EquityCurve(sim.Trades, req.Simulation.StartEquity),
	}
	if p, ok := sim.OpenPosition(); ok {
		res.Open = &p
	}
	return res, nil
}

// Run loads the window, evaluates it and saves the run.
func (s *BacktestService) Run(ctx context.Context, req BacktestRequest) (*BacktestResult, error) {
	started := s.timeNow()

	data, err := s.LoadData(ctx, req.Symbol, req.Start, req.End)
	if err != nil {
		return nil, err
	}
	res, err := s.RunOnData(ctx, data, req)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordRun(req.Symbol, s.timeNow().Sub(started).Seconds(), res.Run.Report)
	}
	return res, nil
}

// RunOnData evaluates preloaded data and saves the run.
func (s *BacktestService) RunOnData(ctx context.Context, data domain.MarketData, req BacktestRequest) (*BacktestResult, error) {
	res, err := s.Evaluate(data, req)
	if err != nil {
		return nil, err
	}
	if s.runs != nil {
		if err := s.runs.SaveRun(ctx, res.Run, res.Trades, res.Equity); err != nil {
			return nil, fmt.Errorf("failed to save run: %w", err)
		}
	}

	report := res.Run.Report
	s.logger.Info("Backtest finished",
		zap.String("run_id", res.Run.ID),
		zap.String("symbol", res.Run.Symbol),
		zap.String("timeframe", res.Run.Timeframe),
		zap.Int("bars", len(res.Rows)),
		zap.Int("trades", report.Trades),
		zap.Float64("win_rate", report.WinRate),
		zap.Float64("pf", report.PF),
		zap.Float64("max_dd", report.MaxDD),
		zap.Bool("open_position", res.Open != nil),
	)
	return res, nil
}

// formatTimeframe renders whole-minute durations the way exchanges name
// intervals: 5m, 1h, 1d.
func formatTimeframe(tf time.Duration) string {
	switch {
	case tf <= 0:
		return BaseInterval
	case tf%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", tf/(24*time.Hour))
	case tf%time.Hour == 0:
		return fmt.Sprintf("%dh", tf/time.Hour)
	}
	return fmt.Sprintf("%dm", tf/time.Minute)
}
