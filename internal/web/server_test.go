package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/ethpulse/internal/domain"
	"github.com/vitos/ethpulse/internal/infrastructure/metrics"
	"github.com/vitos/ethpulse/internal/infrastructure/storage"
	"github.com/vitos/ethpulse/internal/usecase"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

type stubSignal struct {
	res   *usecase.SignalResult
	err   error
	calls int
}

func (s *stubSignal) Evaluate(context.Context) (*usecase.SignalResult, error) {
	s.calls++
	return s.res, s.err
}

func newTestServer(t *testing.T, signal SignalEvaluator) (*Server, *storage.SQLiteStore) {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rec := metrics.New()
	rec.RecordDecision(domain.ActionSell)
	s := NewServer(0, store, signal, rec.Handler(), nil)
	s.timeNow = func() time.Time { return t0.Add(time.Minute) }
	return s, store
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServer_Health(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_Runs(t *testing.T) {
	ctx := context.Background()
	s, store := newTestServer(t, nil)

	run := &domain.Run{
		ID:         "run-1",
		Symbol:     "ETHUSDT",
		Timeframe:  "5m",
		From:       t0,
		To:         t0.Add(24 * time.Hour),
		CreatedAt:  t0,
		PivotMode:  domain.PivotFloor,
		Params:     domain.DefaultStrategyParams(),
		Simulation: domain.DefaultSimulationParams(),
		Report:     domain.Report{Trades: 1, WinRate: 1, PF: 2},
	}
	trades := []domain.Trade{{
		Side: domain.SideShort, EntryPrice: 3000, EntryTime: t0, ExitPrice: 2970,
		ExitTime: t0.Add(time.Hour), PnL: 0.0096, ExitReason: domain.ExitTakeProfit,
	}}
	equity := []domain.EquityPoint{{Time: t0.Add(time.Hour), Equity: 1.0096}}
	require.NoError(t, store.SaveRun(ctx, run, trades, equity))

	tests := []struct {
		name     string
		path     string
		wantCode int
		check    func(t *testing.T, body []byte)
	}{
		{
			name: "list", path: "/api/runs", wantCode: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var runs []domain.Run
				require.NoError(t, json.Unmarshal(body, &runs))
				require.Len(t, runs, 1)
				assert.Equal(t, "run-1", runs[0].ID)
			},
		},
		{name: "bad limit", path: "/api/runs?limit=abc", wantCode: http.StatusBadRequest},
		{
			name: "get", path: "/api/runs/run-1", wantCode: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var got domain.Run
				require.NoError(t, json.Unmarshal(body, &got))
				assert.Equal(t, run.Report, got.Report)
			},
		},
		{name: "unknown run", path: "/api/runs/missing", wantCode: http.StatusNotFound},
		{
			name: "trades", path: "/api/runs/run-1/trades", wantCode: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var got []domain.Trade
				require.NoError(t, json.Unmarshal(body, &got))
				assert.Equal(t, trades, got)
			},
		},
		{name: "trades of unknown run", path: "/api/runs/missing/trades", wantCode: http.StatusNotFound},
		{
			name: "equity", path: "/api/runs/run-1/equity", wantCode: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var got []domain.EquityPoint
				require.NoError(t, json.Unmarshal(body, &got))
				assert.Equal(t, equity, got)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, s, tt.path)
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.check != nil {
				tt.check(t, rec.Body.Bytes())
			}
		})
	}
}

func TestServer_EmptyRunsIsArray(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := get(t, s, "/api/runs")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestServer_Signal(t *testing.T) {
	fresh := &usecase.SignalResult{Symbol: "ETHUSDT", Time: t0, Decision: domain.ActionSell, Reasons: []string{"whales_selling"}}

	t.Run("evaluates and caches", func(t *testing.T) {
		sig := &stubSignal{res: fresh}
		s, _ := newTestServer(t, sig)

		for i := 0; i < 2; i++ {
			rec := get(t, s, "/api/signal")
			require.Equal(t, http.StatusOK, rec.Code)
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "SELL", body["decision"])
		}
		assert.Equal(t, 1, sig.calls)
	})

	t.Run("stale pushed result is refreshed", func(t *testing.T) {
		sig := &stubSignal{res: fresh}
		s, _ := newTestServer(t, sig)
		s.SetSignal(&usecase.SignalResult{Time: t0.Add(-time.Hour), Decision: domain.ActionBuy})

		rec := get(t, s, "/api/signal")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"SELL"`)
		assert.Equal(t, 1, sig.calls)
	})

	t.Run("evaluation failure", func(t *testing.T) {
		s, _ := newTestServer(t, &stubSignal{err: errors.New("exchange down")})
		assert.Equal(t, http.StatusInternalServerError, get(t, s, "/api/signal").Code)
	})

	t.Run("not configured", func(t *testing.T) {
		s, _ := newTestServer(t, nil)
		assert.Equal(t, http.StatusServiceUnavailable, get(t, s, "/api/signal").Code)
	})
}

func TestServer_Metrics(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ethpulse_")
}
