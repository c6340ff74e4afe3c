package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"

	"github.com/vitos/ethpulse/internal/domain"
)

const (
	BinanceFuturesURL = "https://fapi.binance.com"

	BinanceMaxKlines  = 1500
	BinanceMaxFunding = 1000
	BinanceMaxOI      = 500

	binanceMaxLiquidations = 200
)

type BinanceOptions struct {
	APIKey            string
	APISecret         string
	BaseURL           string
	RequestsPerSecond float64
	MaxRetries        int
}

// BinanceAdapter reads USD-M futures market data through the go-binance
// client.
type BinanceAdapter struct {
	client   *futures.Client
	throttle throttle
	logger   *zap.Logger
}

func NewBinanceAdapter(opts BinanceOptions, logger *zap.Logger) *BinanceAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = BinanceFuturesURL
	}

	httpClient := &http.Client{
		Timeout: defaultHTTPTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	client := futures.NewClient(opts.APIKey, opts.APISecret)
	client.HTTPClient = httpClient
	client.BaseURL = baseURL

	return &BinanceAdapter{
		client:   client,
		throttle: newThrottle(opts.RequestsPerSecond, opts.MaxRetries),
		logger:   logger.With(zap.String("exchange", "binance")),
	}
}

func (b *BinanceAdapter) Name() string {
	return "binance"
}

// binanceTooManyRequests is the venue's request weight error code.
const binanceTooManyRequests = -1003

// classify stops retrying on API errors the venue reports explicitly. Rate
// limits and bodies without an error code (gateway failures) stay retryable.
func classify(err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	if !apiErr.IsValid() || apiErr.Code == binanceTooManyRequests {
		return err
	}
	return permanent(err)
}

func (b *BinanceAdapter) GetKlines(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]domain.Bar, error) {
	if limit <= 0 || limit > BinanceMaxKlines {
		limit = BinanceMaxKlines
	}
	klines, err := do(ctx, b.throttle, func(ctx context.Context) ([]*futures.Kline, error) {
		svc := b.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit)
		if !start.IsZero() {
			svc = svc.StartTime(millis(start))
		}
		if !end.IsZero() {
			svc = svc.EndTime(millis(end))
		}
		out, err := svc.Do(ctx)
		return out, classify(err)
	})
	if err != nil {
		return nil, fmt.Errorf("binance klines %s %s: %w", symbol, interval, err)
	}

	bars := make([]domain.Bar, 0, len(klines))
	for _, k := range klines {
		bar, err := binanceBar(k)
		if err != nil {
			return nil, fmt.Errorf("binance klines %s %s: %w", symbol, interval, err)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func binanceBar(k *futures.Kline) (domain.Bar, error) {
	bar := domain.Bar{Time: time.UnixMilli(k.OpenTime).UTC()}
	for _, f := range []struct {
		raw string
		dst *float64
	}{
		{k.Open, &bar.Open},
		{k.High, &bar.High},
		{k.Low, &bar.Low},
		{k.Close, &bar.Close},
		{k.Volume, &bar.Volume},
		{k.TakerBuyBaseAssetVolume, &bar.TakerBuyVolume},
	} {
		v, err := parseNumber(f.raw)
		if err != nil {
			return domain.Bar{}, err
		}
		*f.dst = v
	}
	return bar, nil
}

func (b *BinanceAdapter) GetFundingRates(ctx context.Context, symbol string, start, end time.Time, limit int) ([]domain.SeriesPoint, error) {
	if limit <= 0 || limit > BinanceMaxFunding {
		limit = BinanceMaxFunding
	}
	rates, err := do(ctx, b.throttle, func(ctx context.Context) ([]*futures.FundingRate, error) {
		svc := b.client.NewFundingRateService().Symbol(symbol).Limit(limit)
		if !start.IsZero() {
			svc = svc.StartTime(millis(start))
		}
		if !end.IsZero() {
			svc = svc.EndTime(millis(end))
		}
		out, err := svc.Do(ctx)
		return out, classify(err)
	})
	if err != nil {
		return nil, fmt.Errorf("binance funding %s: %w", symbol, err)
	}

	points := make([]domain.SeriesPoint, 0, len(rates))
	for _, r := range rates {
		v, err := parseNumber(r.FundingRate)
		if err != nil {
			return nil, fmt.Errorf("binance funding %s: %w", symbol, err)
		}
		points = append(points, domain.SeriesPoint{Time: time.UnixMilli(r.FundingTime).UTC(), Value: v})
	}
	return points, nil
}

func (b *BinanceAdapter) GetOpenInterestHist(ctx context.Context, symbol, period string, start, end time.Time, limit int) ([]domain.SeriesPoint, error) {
	if limit <= 0 || limit > BinanceMaxOI {
		limit = BinanceMaxOI
	}
	stats, err := do(ctx, b.throttle, func(ctx context.Context) ([]*futures.OpenInterestStatistic, error) {
		svc := b.client.NewOpenInterestStatisticsService().Symbol(symbol).Period(period).Limit(limit)
		if !start.IsZero() {
			svc = svc.StartTime(millis(start))
		}
		if !end.IsZero() {
			svc = svc.EndTime(millis(end))
		}
		out, err := svc.Do(ctx)
		return out, classify(err)
	})
	if err != nil {
		return nil, fmt.Errorf("binance open interest %s %s: %w", symbol, period, err)
	}

	points := make([]domain.SeriesPoint, 0, len(stats))
	for _, s := range stats {
		v, err := parseNumber(s.SumOpenInterest)
		if err != nil {
			return nil, fmt.Errorf("binance open interest %s: %w", symbol, err)
		}
		points = append(points, domain.SeriesPoint{Time: time.UnixMilli(s.Timestamp).UTC(), Value: v})
	}
	return points, nil
}

// TopTraderRatios returns the top-trader long/short account ratio history,
// oldest first.
func (b *BinanceAdapter) TopTraderRatios(ctx context.Context, symbol, period string, limit int) ([]domain.SeriesPoint, error) {
	ratios, err := do(ctx, b.throttle, func(ctx context.Context) ([]*futures.TopLongShortAccountRatio, error) {
		out, err := b.client.NewTopLongShortAccountRatioService().
			Symbol(symbol).
			Period(period).
			Limit(uint32(limit)).
			Do(ctx)
		return out, classify(err)
	})
	if err != nil {
		return nil, fmt.Errorf("binance top trader ratio %s: %w", symbol, err)
	}

	points := make([]domain.SeriesPoint, 0, len(ratios))
	for _, r := range ratios {
		v, err := parseNumber(r.LongShortRatio)
		if err != nil {
			return nil, fmt.Errorf("binance top trader ratio %s: %w", symbol, err)
		}
		points = append(points, domain.SeriesPoint{Time: time.UnixMilli(int64(r.Timestamp)).UTC(), Value: v})
	}
	return points, nil
}

// liquidationNotional prices an order at its average fill when known, else at
// the order price.
func liquidationNotional(o *futures.LiquidationOrder) float64 {
	price := firstPositive(o.AveragePrice, o.Price)
	qty := firstPositive(o.ExecutedQuantity, o.OrigQuantity)
	return price * qty
}

func firstPositive(raws ...string) float64 {
	for _, raw := range raws {
		if v, err := parseNumber(raw); err == nil && v > 0 {
			return v
		}
	}
	return 0
}

// LiquidationsUSD sums the notional of forced liquidation orders since the
// given time.
func (b *BinanceAdapter) LiquidationsUSD(ctx context.Context, symbol string, since time.Time) (float64, error) {
	orders, err := do(ctx, b.throttle, func(ctx context.Context) ([]*futures.LiquidationOrder, error) {
		svc := b.client.NewListLiquidationOrdersService().Symbol(symbol).Limit(binanceMaxLiquidations)
		if !since.IsZero() {
			svc = svc.StartTime(millis(since))
		}
		out, err := svc.Do(ctx)
		return out, classify(err)
	})
	if err != nil {
		return 0, fmt.Errorf("binance liquidations %s: %w", symbol, err)
	}

	total := 0.0
	for _, o := range orders {
		if !since.IsZero() && o.Time > 0 && o.Time < millis(since) {
			continue
		}
		total += liquidationNotional(o)
	}
	b.logger.Debug("Liquidations fetched", zap.String("symbol", symbol), zap.Int("orders", len(orders)), zap.Float64("usd", total))
	return total, nil
}

// LongShortWhales derives the whale flow from the change of the top-trader
// long/short ratio over roughly a week of 4h buckets.
type LongShortWhales struct {
	binance      *BinanceAdapter
	minChangePct float64
}

func NewLongShortWhales(binance *BinanceAdapter, minChangePct float64) *LongShortWhales {
	return &LongShortWhales{binance: binance, minChangePct: minChangePct}
}

func (w *LongShortWhales) WhaleFlow(ctx context.Context, symbol string) (domain.WhaleFlow, error) {
	ratios, err := w.binance.TopTraderRatios(ctx, symbol, "4h", 60)
	if err != nil {
		return domain.WhaleFlowUnknown, err
	}
	return RatioFlow(ratios, w.minChangePct), nil
}

// RatioFlow compares the first and last ratio. A move smaller than
// minChangePct percent carries no signal.
func RatioFlow(ratios []domain.SeriesPoint, minChangePct float64) domain.WhaleFlow {
	if len(ratios) < 2 {
		return domain.WhaleFlowUnknown
	}
	first, last := ratios[0].Value, ratios[len(ratios)-1].Value
	if first <= 0 {
		return domain.WhaleFlowUnknown
	}
	change := (last - first) / first * 100.0
	if change < 0 {
		change = -change
	}
	if change < minChangePct {
		return domain.WhaleFlowUnknown
	}
	if last < first {
		return domain.WhaleFlowSelling
	}
	return domain.WhaleFlowBuying
}
