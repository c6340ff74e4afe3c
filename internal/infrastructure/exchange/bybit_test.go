package exchange_test

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/ethpulse/internal/domain"
	"github.com/vitos/ethpulse/internal/infrastructure/exchange"
	"github.com/vitos/ethpulse/internal/usecase"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func ms(t time.Time) string {
	return fmt.Sprintf("%d", t.UnixMilli())
}

func newBybit(t *testing.T, handler http.HandlerFunc) *exchange.BybitAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return exchange.NewBybitAdapter(exchange.BybitOptions{BaseURL: srv.URL, RequestsPerSecond: 100, MaxRetries: 1}, nil)
}

// noTakerFlow checks that the bar carries no taker flow and returns it with
// TakerBuyVolume zeroed so it can be compared by value.
func noTakerFlow(t *testing.T, bar domain.Bar) domain.Bar {
	t.Helper()
	assert.True(t, math.IsNaN(bar.TakerBuyVolume), "taker buy volume %v", bar.TakerBuyVolume)
	assert.False(t, bar.HasTakerFlow())
	bar.TakerBuyVolume = 0
	return bar
}

func TestBybitInterval(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"1m", "1", false},
		{"5m", "5", false},
		{"1h", "60", false},
		{"4h", "240", false},
		{"1d", "D", false},
		{"7m", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := exchange.BybitInterval(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, exchange.ErrUnsupportedInterval)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBybitAdapter_GetKlines(t *testing.T) {
	var gotQuery string
	adapter := newBybit(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/market/kline", r.URL.Path)
		gotQuery = r.URL.RawQuery
		// Newest first, as the venue returns it.
		fmt.Fprintf(w, `{"retCode":0,"retMsg":"OK","result":{"list":[
			["%s","101","103","100","102","7","700"],
			["%s","100","102","99","101","5","500"]
		]}}`, ms(t0.Add(5*time.Minute)), ms(t0))
	})

	bars, err := adapter.GetKlines(context.Background(), "ETHUSDT", "5m", t0, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, bars, 2)

	assert.Contains(t, gotQuery, "category=linear")
	assert.Contains(t, gotQuery, "interval=5")
	assert.Contains(t, gotQuery, "limit=1000")
	assert.Contains(t, gotQuery, "start="+ms(t0))
	assert.NotContains(t, gotQuery, "end=")

	assert.Equal(t, domain.Bar{Time: t0, Open: 100, High: 102, Low: 99, Close: 101, Volume: 5}, noTakerFlow(t, bars[0]))
	assert.Equal(t, 102.0, bars[1].Close)
	assert.False(t, bars[1].HasTakerFlow())
}

func TestBybitAdapter_KlinesScoreWithoutCVD(t *testing.T) {
	adapter := newBybit(t, func(w http.ResponseWriter, r *http.Request) {
		rows := make([]string, 5)
		for i := range rows {
			ts := t0.Add(time.Duration(4-i) * 5 * time.Minute)
			rows[i] = fmt.Sprintf(`["%s","100","100.01","99.99","100","10","1000"]`, ms(ts))
		}
		fmt.Fprintf(w, `{"retCode":0,"result":{"list":[%s]}}`, strings.Join(rows, ","))
	})

	bars, err := adapter.GetKlines(context.Background(), "ETHUSDT", "5m", t0, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, bars, 5)

	params := domain.DefaultStrategyParams()
	rows := usecase.NewFeatureEnricher(usecase.EnrichOptions{CVDWindow: 2, PivotMode: domain.PivotNone}).Enrich(bars, nil, nil)
	for i, row := range rows {
		assert.Zero(t, row.CVDSlope, "bar %d", i)
	}

	d := usecase.Score(rows[len(rows)-1].SignalInputs(), params)
	for _, reason := range d.BearReasons {
		assert.False(t, strings.HasPrefix(reason, "cvd<0"), "unexpected reason %q", reason)
	}
	assert.Less(t, d.BearScore, params.Bear.FundingNeutralOrNeg+params.Bear.CVDNegative)
}

func TestBybitAdapter_GetFundingAndOpenInterest(t *testing.T) {
	adapter := newBybit(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v5/market/funding/history":
			fmt.Fprintf(w, `{"retCode":0,"result":{"list":[
				{"symbol":"ETHUSDT","fundingRate":"-0.00005","fundingRateTimestamp":"%s"},
				{"symbol":"ETHUSDT","fundingRate":"0.0001","fundingRateTimestamp":"%s"}
			]}}`, ms(t0.Add(8*time.Hour)), ms(t0))
		case "/v5/market/open-interest":
			assert.Equal(t, "1h", r.URL.Query().Get("intervalTime"))
			fmt.Fprintf(w, `{"retCode":0,"result":{"list":[
				{"openInterest":"1100.5","timestamp":"%s"},
				{"openInterest":"1000","timestamp":"%s"}
			]}}`, ms(t0.Add(time.Hour)), ms(t0))
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	funding, err := adapter.GetFundingRates(ctx, "ETHUSDT", time.Time{}, time.Time{}, 1)
	require.NoError(t, err)
	assert.Equal(t, []domain.SeriesPoint{
		{Time: t0, Value: 0.0001},
		{Time: t0.Add(8 * time.Hour), Value: -0.00005},
	}, funding)

	oi, err := adapter.GetOpenInterestHist(ctx, "ETHUSDT", "1h", time.Time{}, time.Time{}, 168)
	require.NoError(t, err)
	assert.Equal(t, []domain.SeriesPoint{
		{Time: t0, Value: 1000},
		{Time: t0.Add(time.Hour), Value: 1100.5},
	}, oi)

	_, err = adapter.GetOpenInterestHist(ctx, "ETHUSDT", "2h", time.Time{}, time.Time{}, 10)
	assert.ErrorIs(t, err, exchange.ErrUnsupportedInterval)
}

func TestBybitAdapter_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCalls int
	}{
		{"ret code is not retried", http.StatusOK, `{"retCode":10001,"retMsg":"params error"}`, 1},
		{"client error is not retried", http.StatusBadRequest, `bad`, 1},
		{"server error is retried", http.StatusBadGateway, `oops`, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			adapter := newBybit(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})
			_, err := adapter.GetKlines(context.Background(), "ETHUSDT", "1m", time.Time{}, time.Time{}, 10)
			assert.Error(t, err)
			assert.Equal(t, tt.wantCalls, int(calls.Load()))
		})
	}
}

func TestBybitAdapter_KlineStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()

		var sub struct {
			Op   string   `json:"op"`
			Args []string `json:"args"`
		}
		assert.NoError(t, conn.ReadJSON(&sub))
		subscribed <- strings.Join(sub.Args, ",")

		frames := []string{
			`{"op":"subscribe","success":true}`,
			fmt.Sprintf(`{"topic":"kline.5.ETHUSDT","data":[{"start":%d,"open":"1","high":"2","low":"0.5","close":"1.5","volume":"3","confirm":false}]}`, t0.UnixMilli()),
			fmt.Sprintf(`{"topic":"kline.5.ETHUSDT","data":[{"start":%d,"open":"1","high":"2","low":"0.5","close":"1.8","volume":"4","confirm":true}]}`, t0.UnixMilli()),
		}
		for _, f := range frames {
			assert.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(f)))
		}
		// Wait for the client to hang up.
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	adapter := exchange.NewBybitAdapter(exchange.BybitOptions{WSURL: "ws" + strings.TrimPrefix(srv.URL, "http")}, nil)
	got := make(chan domain.Bar, 4)
	adapter.OnKline(func(symbol string, bar domain.Bar) {
		assert.Equal(t, "ETHUSDT", symbol)
		got <- bar
	})

	require.NoError(t, adapter.ConnectWS(context.Background(), "ETHUSDT", "5m"))
	assert.Equal(t, "kline.5.ETHUSDT", <-subscribed)

	select {
	case bar := <-got:
		assert.Equal(t, domain.Bar{Time: t0, Open: 1, High: 2, Low: 0.5, Close: 1.8, Volume: 4}, noTakerFlow(t, bar))
	case <-time.After(2 * time.Second):
		t.Fatal("no closed kline delivered")
	}

	require.NoError(t, adapter.Close())
	select {
	case <-adapter.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not stop")
	}
	assert.Empty(t, got, "unconfirmed klines are not delivered")
}
