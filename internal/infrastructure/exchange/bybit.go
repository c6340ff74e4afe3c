package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vitos/ethpulse/internal/domain"
)

const (
	BybitBaseURL = "https://api.bybit.com"
	BybitWSURL   = "wss://stream.bybit.com/v5/public/linear"

	BybitMaxKlines  = 1000
	BybitMaxFunding = 200
	BybitMaxOI      = 200

	bybitPingInterval = 20 * time.Second
)

var bybitKlineIntervals = map[string]string{
	"1m": "1", "3m": "3", "5m": "5", "15m": "15", "30m": "30",
	"1h": "60", "2h": "120", "4h": "240", "6h": "360", "12h": "720",
	"1d": "D", "1w": "W", "1M": "M",
}

var bybitOIIntervals = map[string]string{
	"5m": "5min", "15m": "15min", "30m": "30min", "1h": "1h", "4h": "4h", "1d": "1d",
}

// ErrUnsupportedInterval is returned for intervals the venue has no mapping for.
var ErrUnsupportedInterval = errors.New("unsupported interval")

func BybitInterval(interval string) (string, error) {
	iv, ok := bybitKlineIntervals[interval]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedInterval, interval)
	}
	return iv, nil
}

type BybitOptions struct {
	BaseURL           string
	WSURL             string
	RequestsPerSecond float64
	MaxRetries        int
}

// BybitAdapter reads linear perpetual market data from the v5 public API and
// streams klines over the public websocket.
type BybitAdapter struct {
	baseURL  string
	wsURL    string
	client   *http.Client
	throttle throttle
	logger   *zap.Logger

	mu        sync.Mutex
	wsConn    *websocket.Conn
	wsDone    chan struct{}
	callbacks []func(symbol string, bar domain.Bar)
}

func NewBybitAdapter(opts BybitOptions, logger *zap.Logger) *BybitAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = BybitBaseURL
	}
	wsURL := opts.WSURL
	if wsURL == "" {
		wsURL = BybitWSURL
	}
	return &BybitAdapter{
		baseURL:  baseURL,
		wsURL:    wsURL,
		client:   &http.Client{Timeout: defaultHTTPTimeout},
		throttle: newThrottle(opts.RequestsPerSecond, opts.MaxRetries),
		logger:   logger.With(zap.String("exchange", "bybit")),
	}
}

func (b *BybitAdapter) Name() string {
	return "bybit"
}

// --- REST API ---

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (b *BybitAdapter) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	query.Set("category", "linear")
	_, err := do(ctx, b.throttle, func(ctx context.Context) (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path+"?"+query.Encode(), nil)
		if err != nil {
			return struct{}{}, permanent(err)
		}

		resp, err := b.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return struct{}{}, err
		}
		if err := statusError(resp, body); err != nil {
			return struct{}{}, err
		}

		var env bybitEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return struct{}{}, permanent(fmt.Errorf("decode %s: %w", path, err))
		}
		if env.RetCode != 0 {
			return struct{}{}, permanent(fmt.Errorf("bybit %s: retCode %d: %s", path, env.RetCode, env.RetMsg))
		}
		if err := json.Unmarshal(env.Result, out); err != nil {
			return struct{}{}, permanent(fmt.Errorf("decode %s result: %w", path, err))
		}
		return struct{}{}, nil
	})
	return err
}

func setRange(query url.Values, startKey, endKey string, start, end time.Time) {
	if !start.IsZero() {
		query.Set(startKey, strconv.FormatInt(millis(start), 10))
	}
	if !end.IsZero() {
		query.Set(endKey, strconv.FormatInt(millis(end), 10))
	}
}

func clampLimit(limit, max int) int {
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}

// GetKlines returns bars oldest first. Bybit klines carry no taker-buy
// volume, so TakerBuyVolume is NaN and CVD stays flat on this venue.
func (b *BybitAdapter) GetKlines(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]domain.Bar, error) {
	iv, err := BybitInterval(interval)
	if err != nil {
		return nil, err
	}
	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("interval", iv)
	query.Set("limit", strconv.Itoa(clampLimit(limit, BybitMaxKlines)))
	setRange(query, "start", "end", start, end)

	var result struct {
		List [][]string `json:"list"`
	}
	if err := b.get(ctx, "/v5/market/kline", query, &result); err != nil {
		return nil, fmt.Errorf("bybit klines %s %s: %w", symbol, interval, err)
	}

	bars := make([]domain.Bar, 0, len(result.List))
	for _, raw := range result.List {
		// [startTime, open, high, low, close, volume, turnover]
		if len(raw) < 6 {
			continue
		}
		bar, err := bybitBar(raw[0], raw[1], raw[2], raw[3], raw[4], raw[5])
		if err != nil {
			return nil, fmt.Errorf("bybit klines %s %s: %w", symbol, interval, err)
		}
		bars = append(bars, bar)
	}

	// Bybit lists newest first.
	sort.Slice(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	return bars, nil
}

func bybitBar(ts, open, high, low, closePrice, volume string) (domain.Bar, error) {
	t, err := parseMillis(ts)
	if err != nil {
		return domain.Bar{}, err
	}
	bar := domain.Bar{Time: t, TakerBuyVolume: math.NaN()}
	for _, f := range []struct {
		raw string
		dst *float64
	}{
		{open, &bar.Open},
		{high, &bar.High},
		{low, &bar.Low},
		{closePrice, &bar.Close},
		{volume, &bar.Volume},
	} {
		v, err := parseNumber(f.raw)
		if err != nil {
			return domain.Bar{}, err
		}
		*f.dst = v
	}
	return bar, nil
}

func (b *BybitAdapter) GetFundingRates(ctx context.Context, symbol string, start, end time.Time, limit int) ([]domain.SeriesPoint, error) {
	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("limit", strconv.Itoa(clampLimit(limit, BybitMaxFunding)))
	setRange(query, "startTime", "endTime", start, end)

	var result struct {
		List []struct {
			FundingRate          string `json:"fundingRate"`
			FundingRateTimestamp string `json:"fundingRateTimestamp"`
		} `json:"list"`
	}
	if err := b.get(ctx, "/v5/market/funding/history", query, &result); err != nil {
		return nil, fmt.Errorf("bybit funding %s: %w", symbol, err)
	}

	points := make([]domain.SeriesPoint, 0, len(result.List))
	for _, item := range result.List {
		p, err := seriesPoint(item.FundingRateTimestamp, item.FundingRate)
		if err != nil {
			return nil, fmt.Errorf("bybit funding %s: %w", symbol, err)
		}
		points = append(points, p)
	}
	sortPoints(points)
	return points, nil
}

func (b *BybitAdapter) GetOpenInterestHist(ctx context.Context, symbol, period string, start, end time.Time, limit int) ([]domain.SeriesPoint, error) {
	iv, ok := bybitOIIntervals[period]
	if !ok {
		return nil, fmt.Errorf("bybit open interest: %w: %q", ErrUnsupportedInterval, period)
	}
	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("intervalTime", iv)
	query.Set("limit", strconv.Itoa(clampLimit(limit, BybitMaxOI)))
	setRange(query, "startTime", "endTime", start, end)

	var result struct {
		List []struct {
			OpenInterest string `json:"openInterest"`
			Timestamp    string `json:"timestamp"`
		} `json:"list"`
	}
	if err := b.get(ctx, "/v5/market/open-interest", query, &result); err != nil {
		return nil, fmt.Errorf("bybit open interest %s %s: %w", symbol, period, err)
	}

	points := make([]domain.SeriesPoint, 0, len(result.List))
	for _, item := range result.List {
		p, err := seriesPoint(item.Timestamp, item.OpenInterest)
		if err != nil {
			return nil, fmt.Errorf("bybit open interest %s: %w", symbol, err)
		}
		points = append(points, p)
	}
	sortPoints(points)
	return points, nil
}

func seriesPoint(ts, value string) (domain.SeriesPoint, error) {
	t, err := parseMillis(ts)
	if err != nil {
		return domain.SeriesPoint{}, err
	}
	v, err := parseNumber(value)
	if err != nil {
		return domain.SeriesPoint{}, err
	}
	return domain.SeriesPoint{Time: t, Value: v}, nil
}

func sortPoints(points []domain.SeriesPoint) {
	sort.Slice(points, func(i, j int) bool { return points[i].Time.Before(points[j].Time) })
}

// --- WebSocket ---

// OnKline registers a callback invoked for every confirmed (closed) kline.
func (b *BybitAdapter) OnKline(callback func(symbol string, bar domain.Bar)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, callback)
}

// ConnectWS dials the public stream and subscribes to the kline topic.
func (b *BybitAdapter) ConnectWS(ctx context.Context, symbol, interval string) error {
	iv, err := BybitInterval(interval)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.wsConn != nil {
		return b.subscribe(symbol, iv)
	}

	c, _, err := websocket.DefaultDialer.DialContext(ctx, b.wsURL, nil)
	if err != nil {
		return fmt.Errorf("bybit ws dial: %w", err)
	}
	b.wsConn = c
	b.wsDone = make(chan struct{})

	go b.readLoop(c, b.wsDone)
	go b.pingLoop(c, b.wsDone)

	return b.subscribe(symbol, iv)
}

func (b *BybitAdapter) subscribe(symbol, iv string) error {
	subMsg := map[string]interface{}{
		"op":   "subscribe",
		"args": []string{fmt.Sprintf("kline.%s.%s", iv, symbol)},
	}
	if err := b.wsConn.WriteJSON(subMsg); err != nil {
		return fmt.Errorf("bybit ws subscribe: %w", err)
	}
	return nil
}

// Done is closed when the current connection's read loop exits.
func (b *BybitAdapter) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.wsDone == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return b.wsDone
}

func (b *BybitAdapter) Close() error {
	b.mu.Lock()
	conn := b.wsConn
	b.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (b *BybitAdapter) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(bybitPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			b.mu.Lock()
			err := conn.WriteJSON(map[string]string{"op": "ping"})
			b.mu.Unlock()
			if err != nil {
				b.logger.Warn("WS ping failed", zap.Error(err))
				return
			}
		}
	}
}

type bybitKlineEvent struct {
	Topic string `json:"topic"`
	Data  []struct {
		Start   int64  `json:"start"`
		Open    string `json:"open"`
		High    string `json:"high"`
		Low     string `json:"low"`
		Close   string `json:"close"`
		Volume  string `json:"volume"`
		Confirm bool   `json:"confirm"`
	} `json:"data"`
}

func (b *BybitAdapter) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		conn.Close()
		b.mu.Lock()
		if b.wsConn == conn {
			b.wsConn = nil
		}
		b.mu.Unlock()
		close(done)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			b.logger.Info("WS read loop stopped", zap.Error(err))
			return
		}

		var event bybitKlineEvent
		if err := json.Unmarshal(message, &event); err != nil {
			b.logger.Warn("WS unmarshal error", zap.Error(err))
			continue
		}
		if !strings.HasPrefix(event.Topic, "kline.") {
			continue
		}
		parts := strings.SplitN(event.Topic, ".", 3)
		if len(parts) != 3 {
			continue
		}
		symbol := parts[2]

		for _, k := range event.Data {
			if !k.Confirm {
				continue
			}
			bar, err := bybitBar(strconv.FormatInt(k.Start, 10), k.Open, k.High, k.Low, k.Close, k.Volume)
			if err != nil {
				b.logger.Warn("WS kline parse error", zap.String("topic", event.Topic), zap.Error(err))
				continue
			}

			b.mu.Lock()
			callbacks := make([]func(string, domain.Bar), len(b.callbacks))
			copy(callbacks, b.callbacks)
			b.mu.Unlock()

			for _, cb := range callbacks {
				cb(symbol, bar)
			}
		}
	}
}
