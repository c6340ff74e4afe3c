package exchange_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/ethpulse/internal/domain"
	"github.com/vitos/ethpulse/internal/infrastructure/exchange"
)

func newBinance(t *testing.T, handler http.HandlerFunc) *exchange.BinanceAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return exchange.NewBinanceAdapter(exchange.BinanceOptions{BaseURL: srv.URL, RequestsPerSecond: 100, MaxRetries: 1}, nil)
}

func TestBinanceAdapter_GetKlines(t *testing.T) {
	adapter := newBinance(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/klines", r.URL.Path)
		assert.Equal(t, "ETHUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1m", r.URL.Query().Get("interval"))
		assert.Equal(t, "1500", r.URL.Query().Get("limit"))
		fmt.Fprintf(w, `[
			[%d,"100.10","101.00","99.50","100.50","10.5",%d,"1050",42,"6.25","625","0"],
			[%d,"100.50","100.90","100.00","100.20","4",%d,"400",12,"1","100","0"]
		]`, t0.UnixMilli(), t0.Add(time.Minute).UnixMilli()-1, t0.Add(time.Minute).UnixMilli(), t0.Add(2*time.Minute).UnixMilli()-1)
	})

	bars, err := adapter.GetKlines(context.Background(), "ETHUSDT", "1m", t0, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, domain.Bar{Time: t0, Open: 100.10, High: 101, Low: 99.5, Close: 100.5, Volume: 10.5, TakerBuyVolume: 6.25}, bars[0])
	assert.Equal(t, t0.Add(time.Minute), bars[1].Time)
}

func TestBinanceAdapter_FundingAndOpenInterest(t *testing.T) {
	adapter := newBinance(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/fundingRate":
			fmt.Fprintf(w, `[{"symbol":"ETHUSDT","fundingRate":"0.00010000","fundingTime":%d,"markPrice":"3000"}]`, t0.UnixMilli())
		case "/futures/data/openInterestHist":
			assert.Equal(t, "1h", r.URL.Query().Get("period"))
			fmt.Fprintf(w, `[{"symbol":"ETHUSDT","sumOpenInterest":"1500.25","sumOpenInterestValue":"4500750","timestamp":%d}]`, t0.UnixMilli())
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	funding, err := adapter.GetFundingRates(ctx, "ETHUSDT", time.Time{}, time.Time{}, 1)
	require.NoError(t, err)
	assert.Equal(t, []domain.SeriesPoint{{Time: t0, Value: 0.0001}}, funding)

	oi, err := adapter.GetOpenInterestHist(ctx, "ETHUSDT", "1h", time.Time{}, time.Time{}, 168)
	require.NoError(t, err)
	assert.Equal(t, []domain.SeriesPoint{{Time: t0, Value: 1500.25}}, oi)
}

func TestBinanceAdapter_LiquidationsUSD(t *testing.T) {
	since := t0.Add(-15 * time.Minute)
	adapter := newBinance(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/allForceOrders", r.URL.Path)
		assert.Equal(t, "ETHUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "200", r.URL.Query().Get("limit"))
		assert.Equal(t, ms(since), r.URL.Query().Get("startTime"))
		fmt.Fprintf(w, `[
			{"symbol":"ETHUSDT","price":"3000","avragePrice":"3010","origQty":"2","executedQty":"2","side":"SELL","time":%d},
			{"symbol":"ETHUSDT","price":"2990","avragePrice":"0","origQty":"1","executedQty":"0","side":"BUY","time":%d},
			{"symbol":"ETHUSDT","price":"2000","avragePrice":"2000","origQty":"5","executedQty":"5","side":"SELL","time":%d}
		]`, t0.UnixMilli(), t0.UnixMilli(), since.Add(-time.Minute).UnixMilli())
	})

	usd, err := adapter.LiquidationsUSD(context.Background(), "ETHUSDT", since)
	require.NoError(t, err)
	// 3010*2 + 2990*1; the order before the window is ignored.
	assert.InDelta(t, 9010.0, usd, 1e-9)
}

func TestBinanceAdapter_LiquidationsUnauthorized(t *testing.T) {
	var calls atomic.Int32
	adapter := newBinance(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"code":-2015,"msg":"Invalid API-key"}`)
	})

	_, err := adapter.LiquidationsUSD(context.Background(), "ETHUSDT", time.Time{})
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBinanceAdapter_TopTraderRatiosRetriesGatewayErrors(t *testing.T) {
	var calls atomic.Int32
	adapter := newBinance(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, "<html>bad gateway</html>")
			return
		}
		fmt.Fprintf(w, `[{"symbol":"ETHUSDT","longShortRatio":"1.25","longAccount":"0.55","shortAccount":"0.45","timestamp":%d}]`, t0.UnixMilli())
	})

	ratios, err := adapter.TopTraderRatios(context.Background(), "ETHUSDT", "4h", 60)
	require.NoError(t, err)
	assert.Equal(t, []domain.SeriesPoint{{Time: t0, Value: 1.25}}, ratios)
	assert.Equal(t, int32(2), calls.Load())
}

func TestLongShortWhales(t *testing.T) {
	adapter := newBinance(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/futures/data/topLongShortAccountRatio", r.URL.Path)
		assert.Equal(t, "ETHUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "4h", r.URL.Query().Get("period"))
		assert.Equal(t, "60", r.URL.Query().Get("limit"))
		fmt.Fprint(w, `[
			{"symbol":"ETHUSDT","longShortRatio":"2.00","longAccount":"0.66","shortAccount":"0.33","timestamp":1},
			{"symbol":"ETHUSDT","longShortRatio":"1.50","longAccount":"0.6","shortAccount":"0.4","timestamp":2}
		]`)
	})

	flow, err := exchange.NewLongShortWhales(adapter, 8).WhaleFlow(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, domain.WhaleFlowSelling, flow)
}

func TestRatioFlow(t *testing.T) {
	series := func(values ...float64) []domain.SeriesPoint {
		out := make([]domain.SeriesPoint, len(values))
		for i, v := range values {
			out[i] = domain.SeriesPoint{Time: t0.Add(time.Duration(i) * 4 * time.Hour), Value: v}
		}
		return out
	}

	tests := []struct {
		name   string
		ratios []domain.SeriesPoint
		want   domain.WhaleFlow
	}{
		{"too short", series(1.0), domain.WhaleFlowUnknown},
		{"small change", series(1.0, 1.2, 1.05), domain.WhaleFlowUnknown},
		{"long dominance grows", series(1.0, 1.1), domain.WhaleFlowBuying},
		{"long dominance shrinks", series(1.0, 0.9), domain.WhaleFlowSelling},
		{"non positive first", series(0, 1.0), domain.WhaleFlowUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exchange.RatioFlow(tt.ratios, 8))
		})
	}
}
