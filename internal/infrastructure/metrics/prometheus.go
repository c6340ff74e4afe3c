package metrics

import (
	"math"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vitos/ethpulse/internal/domain"
)

// Recorder implements domain.Metrics using Prometheus. Each Recorder owns its
// registry so several can coexist in one process.
type Recorder struct {
	registry *prometheus.Registry

	decisions    *prometheus.CounterVec
	trades       *prometheus.CounterVec
	tradePnL     prometheus.Histogram
	runs         *prometheus.CounterVec
	runDuration  prometheus.Histogram
	runPF        *prometheus.GaugeVec
	runMaxDD     *prometheus.GaugeVec
	sourceErrors *prometheus.CounterVec
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ethpulse_decisions_total",
				Help: "Scoring decisions by action",
			},
			[]string{"action"},
		),
		trades: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ethpulse_simulated_trades_total",
				Help: "Closed simulated trades by side and exit reason",
			},
			[]string{"side", "exit_reason"},
		),
		tradePnL: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ethpulse_trade_pnl_ratio",
				Help:    "Net fractional PnL of closed simulated trades",
				Buckets: []float64{-0.05, -0.02, -0.01, -0.005, 0, 0.005, 0.01, 0.02, 0.05},
			},
		),
		runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ethpulse_backtest_runs_total",
				Help: "Completed backtest runs",
			},
			[]string{"symbol"},
		),
		runDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ethpulse_backtest_duration_seconds",
				Help:    "Wall time of backtest runs",
				Buckets: prometheus.DefBuckets,
			},
		),
		runPF: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ethpulse_backtest_profit_factor",
				Help: "Profit factor of the last run per symbol",
			},
			[]string{"symbol"},
		),
		runMaxDD: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ethpulse_backtest_max_drawdown",
				Help: "Max drawdown of the last run per symbol",
			},
			[]string{"symbol"},
		),
		sourceErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ethpulse_source_errors_total",
				Help: "Failed market data source calls",
			},
			[]string{"source"},
		),
	}
}

func (r *Recorder) RecordDecision(action domain.Action) {
	r.decisions.WithLabelValues(string(action)).Inc()
}

func (r *Recorder) RecordTrade(t domain.Trade) {
	r.trades.WithLabelValues(string(t.Side), string(t.ExitReason)).Inc()
	r.tradePnL.Observe(t.PnL)
}

func (r *Recorder) RecordRun(symbol string, seconds float64, report domain.Report) {
	r.runs.WithLabelValues(symbol).Inc()
	r.runDuration.Observe(seconds)
	// +Inf is a valid gauge value.
	if !math.IsNaN(report.PF) {
		r.runPF.WithLabelValues(symbol).Set(report.PF)
	}
	r.runMaxDD.WithLabelValues(symbol).Set(report.MaxDD)
}

func (r *Recorder) RecordSourceError(source string) {
	r.sourceErrors.WithLabelValues(source).Inc()
}

// Handler serves the recorder's registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Nop discards every observation.
type Nop struct{}

func (Nop) RecordDecision(domain.Action) {}
func (Nop) RecordTrade(domain.Trade) {}
func (Nop) RecordRun(string, float64, domain.Report) {}
func (Nop) RecordSourceError(string) {}
