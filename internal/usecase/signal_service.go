package usecase

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/ethpulse/internal/domain"
)

const (
	liquidationWindow = 15 * time.Minute
	oiLiveLookback    = 7 * 24 * time.Hour
	minLiveBars       = 30
	reconnectDelay    = 5 * time.Second
)

// NamedWhaleSource tags a whale source for logs and error metrics.
type NamedWhaleSource struct {
	Name   string
	Source domain.WhaleSource
}

type SignalOptions struct {
	Symbol   string
	Interval string
	// Timeframe is the duration of one Interval kline.
	Timeframe   time.Duration
	LookbackMin int
	PivotMode   domain.PivotMode
}

type SignalScore struct {
	Bear int `json:"bear"`
	Bull int `json:"bull"`
}

// SignalResult is one live evaluation.
type SignalResult struct {
	Symbol   string              `json:"symbol"`
	Exchange string              `json:"exchange"`
	Time     time.Time           `json:"time"`
	Close    float64             `json:"close"`
	Inputs   domain.SignalInputs `json:"inputs"`
	Score    SignalScore         `json:"score"`
	Decision domain.Action       `json:"decision"`
	Reasons  []string            `json:"reasons"`
	// Sources that failed and were treated as neutral.
	Degraded []string `json:"degraded,omitempty"`
}

// SignalService evaluates the current market through the same enricher and
// scoring engine the backtest uses. Every source is optional: a failing
// source is logged and contributes a neutral value.
type SignalService struct {
	exchange     domain.Exchange
	liquidations domain.LiquidationSource
	whales       []NamedWhaleSource
	engine       *ScoringEngine
	opts         SignalOptions
	logger       *zap.Logger
	metrics      domain.Metrics
	timeNow      func() time.Time
}

func NewSignalService(
	exchange domain.Exchange,
	liquidations domain.LiquidationSource,
	whales []NamedWhaleSource,
	engine *ScoringEngine,
	opts SignalOptions,
	logger *zap.Logger,
	metrics domain.Metrics,
) *SignalService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PivotMode == "" {
		opts.PivotMode = domain.PivotFloor
	}
	if opts.Timeframe <= 0 {
		logger.Warn("Signal timeframe not set, using default",
			zap.String("interval", opts.Interval), zap.Duration("timeframe", defaultTimeframe))
		opts.Timeframe = defaultTimeframe
	}
	return &SignalService{
		exchange:     exchange,
		liquidations: liquidations,
		whales:       whales,
		engine:       engine,
		opts:         opts,
		logger:       logger,
		metrics:      metrics,
		timeNow:      time.Now,
	}
}

// Evaluate scores the market as of now.
func (s *SignalService) Evaluate(ctx context.Context) (*SignalResult, error) {
	now := s.timeNow().UTC()
	res := &SignalResult{
		Symbol:   s.opts.Symbol,
		Exchange: s.exchange.Name(),
		Time:     now,
	}
	degrade := func(source string, err error) {
		s.logger.Warn("Signal source unavailable", zap.String("source", source), zap.Error(err))
		res.Degraded = append(res.Degraded, source)
		if s.metrics != nil {
			s.metrics.RecordSourceError(source)
		}
	}

	funding, err := s.exchange.GetFundingRates(ctx, s.opts.Symbol, time.Time{}, time.Time{}, 1)
	if err != nil {
		degrade("funding", err)
	}
	oi, err := s.exchange.GetOpenInterestHist(ctx, s.opts.Symbol, OIPeriod, now.Add(-oiLiveLookback), time.Time{}, 168)
	if err != nil {
		degrade("open_interest", err)
	}
	bars, err := s.fetchBars(ctx, now)
	if err != nil {
		degrade("klines", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	row := s.lastRow(bars, funding, oi)
	row.OIDropPct, row.OIRisePct = oiExtremes(oi)

	if s.liquidations != nil {
		usd, err := s.liquidations.LiquidationsUSD(ctx, s.opts.Symbol, now.Add(-liquidationWindow))
		if err != nil {
			degrade("liquidations", err)
		} else {
			row.LiqUSD15m = usd
		}
	}
	row.Whales = s.whaleFlow(ctx, degrade)

	res.Close = row.Close
	res.Inputs = row.SignalInputs()
	d := s.engine.Decide(res.Inputs)
	res.Score = SignalScore{Bear: d.BearScore, Bull: d.BullScore}
	res.Decision = d.Action
	res.Reasons = d.Reasons

	s.logger.Info("Signal evaluated",
		zap.String("symbol", res.Symbol),
		zap.String("decision", string(res.Decision)),
		zap.Int("bear", res.Score.Bear),
		zap.Int("bull", res.Score.Bull),
		zap.Strings("degraded", res.Degraded),
	)
	return res, nil
}

// fetchBars pages primary bars back to the previous UTC midnight at least, so
// floor pivots and the session VWAP are defined on the latest bar.
func (s *SignalService) fetchBars(ctx context.Context, now time.Time) ([]domain.Bar, error) {
	tf := s.opts.Timeframe
	lookback := s.opts.LookbackMin
	if lookback < minLiveBars {
		lookback = minLiveBars
	}
	start := now.Add(-time.Duration(lookback) * tf)
	if prevDay := now.Truncate(24 * time.Hour).Add(-24 * time.Hour); prevDay.Before(start) {
		start = prevDay
	}
	if s.opts.PivotMode == domain.PivotDonchian {
		window := s.engine.Params().Thresholds.DonchianWindow
		if d := now.Add(-time.Duration(window+1) * time.Hour); d.Before(start) {
			start = d
		}
	}

	var bars []domain.Bar
	cursor := start
	for cursor.Before(now) {
		page, err := s.exchange.GetKlines(ctx, s.opts.Symbol, s.opts.Interval, cursor, time.Time{}, klinePageSize)
		if err != nil {
			return bars, err
		}
		if len(page) == 0 {
			break
		}
		bars = append(bars, page...)
		next := page[len(page)-1].Time.Add(tf)
		if !next.After(cursor) || len(page) < klinePageSize {
			break
		}
		cursor = next
	}
	// The newest kline is still forming.
	if n := len(bars); n > 0 && bars[n-1].Time.Add(tf).After(now) {
		bars = bars[:n-1]
	}
	return bars, nil
}

// lastRow enriches the bars and returns the newest row. Without bars every
// bar-derived input stays neutral.
func (s *SignalService) lastRow(bars []domain.Bar, funding, oi []domain.SeriesPoint) domain.FeatureRow {
	if len(bars) == 0 {
		row := domain.FeatureRow{
			VWAP:            math.NaN(),
			VWAPDistancePct: 0,
			PivotMode:       s.opts.PivotMode,
			Pivots:          domain.UndefinedPivots(),
		}
		if len(funding) > 0 {
			row.FundingRate = funding[len(funding)-1].Value
		}
		return row
	}

	enricher := NewFeatureEnricher(EnrichOptions{
		CVDWindow:      s.engine.Params().Thresholds.CVDWindow,
		PivotMode:      s.opts.PivotMode,
		DonchianWindow: s.engine.Params().Thresholds.DonchianWindow,
		Timeframe:      s.opts.Timeframe,
	})
	rows := enricher.Enrich(bars, funding, oi)
	return rows[len(rows)-1]
}

// oiExtremes compares the latest open interest with the high and low of the
// fetched week. Undefined values are NaN.
func oiExtremes(points []domain.SeriesPoint) (drop, rise float64) {
	if len(points) == 0 {
		return math.NaN(), math.NaN()
	}
	cur := points[len(points)-1].Value
	hi, lo := cur, cur
	for _, p := range points {
		hi = math.Max(hi, p.Value)
		lo = math.Min(lo, p.Value)
	}
	return ratioPct(hi-cur, hi), ratioPct(cur-lo, lo)
}

// whaleFlow asks each source in order and keeps the first definite answer.
func (s *SignalService) whaleFlow(ctx context.Context, degrade func(string, error)) domain.WhaleFlow {
	for _, w := range s.whales {
		flow, err := w.Source.WhaleFlow(ctx, s.opts.Symbol)
		if err != nil {
			degrade(w.Name, err)
			continue
		}
		if flow != domain.WhaleFlowUnknown {
			s.logger.Debug("Whale flow resolved", zap.String("source", w.Name), zap.String("flow", flow.String()))
			return flow
		}
	}
	return domain.WhaleFlowUnknown
}

// Watch evaluates once, then again after every closed kline from the stream,
// until ctx is cancelled. A dropped stream is redialed.
func (s *SignalService) Watch(ctx context.Context, stream domain.KlineStream, handle func(*SignalResult)) error {
	closed := make(chan domain.Bar, 1)
	stream.OnKline(func(symbol string, bar domain.Bar) {
		if symbol != s.opts.Symbol {
			return
		}
		select {
		case closed <- bar:
		default:
			// An evaluation is already pending.
		}
	})
	defer stream.Close()

	evaluate := func() {
		res, err := s.Evaluate(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("Signal evaluation failed", zap.Error(err))
			}
			return
		}
		handle(res)
	}
	evaluate()

	for {
		if err := stream.ConnectWS(ctx, s.opts.Symbol, s.opts.Interval); err != nil {
			s.logger.Warn("Kline stream connect failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reconnectDelay):
				continue
			}
		}
		s.logger.Info("Watching klines", zap.String("symbol", s.opts.Symbol), zap.String("interval", s.opts.Interval))

	loop:
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-stream.Done():
				s.logger.Warn("Kline stream closed, reconnecting")
				break loop
			case bar := <-closed:
				s.logger.Debug("Kline closed", zap.Time("time", bar.Time), zap.Float64("close", bar.Close))
				evaluate()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}
