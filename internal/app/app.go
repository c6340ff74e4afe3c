// Package app wires configuration, logging, storage and market data adapters
// for the command line tools.
package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/ethpulse/internal/config"
	"github.com/vitos/ethpulse/internal/domain"
	"github.com/vitos/ethpulse/internal/infrastructure/exchange"
	"github.com/vitos/ethpulse/internal/infrastructure/logger"
	"github.com/vitos/ethpulse/internal/infrastructure/metrics"
	"github.com/vitos/ethpulse/internal/infrastructure/storage"
	"github.com/vitos/ethpulse/internal/usecase"
)

type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Recorder

	store   *storage.SQLiteStore
	binance *exchange.BinanceAdapter
}

// Bootstrap loads the config at path and builds the logger and metrics.
func Bootstrap(path string) (*App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return New(cfg)
}

func New(cfg *config.Config) (*App, error) {
	log, err := logger.NewFileLogger(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}
	return &App{
		Config:  cfg,
		Logger:  log,
		Metrics: metrics.New(),
	}, nil
}

// Store opens the SQLite database on first use.
func (a *App) Store() (*storage.SQLiteStore, error) {
	if a.store != nil {
		return a.store, nil
	}
	store, err := storage.NewSQLiteStore(a.Config.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to init sqlite: %w", err)
	}
	a.store = store
	return store, nil
}

// Binance returns the Binance adapter. It also serves liquidations and the
// whale fallback when Bybit is the primary venue, so the configured
// endpoint and keys only apply when Binance is selected.
func (a *App) Binance() *exchange.BinanceAdapter {
	if a.binance != nil {
		return a.binance
	}
	opts := exchange.BinanceOptions{
		RequestsPerSecond: a.Config.Exchange.RequestsPerSecond,
		MaxRetries:        a.Config.Exchange.MaxRetries,
	}
	if a.Config.Exchange.Name == "binance" {
		opts.APIKey = a.Config.Exchange.APIKey
		opts.APISecret = a.Config.Exchange.APISecret
		opts.BaseURL = a.Config.Exchange.RESTEndpoint
	} else if base := os.Getenv("BINANCE_FAPI_BASE"); base != "" {
		opts.BaseURL = base
	}
	a.binance = exchange.NewBinanceAdapter(opts, a.Logger.Named("binance"))
	return a.binance
}

func (a *App) bybit() *exchange.BybitAdapter {
	opts := exchange.BybitOptions{
		RequestsPerSecond: a.Config.Exchange.RequestsPerSecond,
		MaxRetries:        a.Config.Exchange.MaxRetries,
	}
	if a.Config.Exchange.Name == "bybit" {
		opts.BaseURL = a.Config.Exchange.RESTEndpoint
		opts.WSURL = a.Config.Exchange.WSEndpoint
	}
	return exchange.NewBybitAdapter(opts, a.Logger.Named("bybit"))
}

// Exchange builds the market data adapter for name, falling back to the
// configured venue when name is empty.
func (a *App) Exchange(name string) (domain.Exchange, error) {
	ex, _, err := a.venue(name)
	return ex, err
}

// venue returns the adapter and the kline stream of the same venue.
func (a *App) venue(name string) (domain.Exchange, domain.KlineStream, error) {
	if name == "" {
		name = a.Config.Exchange.Name
	}
	switch strings.ToLower(name) {
	case "binance":
		return a.Binance(), exchange.NewBinanceStream(a.Logger.Named("binance_ws")), nil
	case "bybit":
		b := a.bybit()
		return b, b, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown exchange %q", config.ErrInvalidConfig, name)
	}
}

// WhaleSources lists whale flow sources in priority order: Santiment when a
// key is configured, then the Binance top trader ratio.
func (a *App) WhaleSources() []usecase.NamedWhaleSource {
	w := a.Config.Whales
	if !w.Enabled {
		return nil
	}
	var sources []usecase.NamedWhaleSource
	if w.APIKey != "" {
		sources = append(sources, usecase.NamedWhaleSource{
			Name:   "santiment",
			Source: exchange.NewSantimentWhales(w.SantimentURL, w.APIKey, w.Slug, a.Logger.Named("santiment")),
		})
	}
	sources = append(sources, usecase.NamedWhaleSource{
		Name:   "top_trader_ratio",
		Source: exchange.NewLongShortWhales(a.Binance(), a.Config.Strategy.Thresholds.WhalesRatioMinChangePct),
	})
	return sources
}

// SignalService builds the live evaluator for the named venue together with
// that venue's kline stream.
func (a *App) SignalService(name string) (*usecase.SignalService, domain.KlineStream, error) {
	ex, stream, err := a.venue(name)
	if err != nil {
		return nil, nil, err
	}
	tf, err := a.Config.IntervalDuration()
	if err != nil {
		return nil, nil, err
	}
	engine := usecase.NewScoringEngine(a.Config.Strategy, a.Metrics)
	svc := usecase.NewSignalService(ex, a.Binance(), a.WhaleSources(), engine, usecase.SignalOptions{
		Symbol:      a.Config.Symbol,
		Interval:    a.Config.Interval,
		Timeframe:   tf,
		LookbackMin: a.Config.LookbackMin,
		PivotMode:   a.Config.PivotMode,
	}, a.Logger.Named("signal"), a.Metrics)
	return svc, stream, nil
}

// BacktestRequest fills a request from the config for the given window.
func (a *App) BacktestRequest(symbol string, tf time.Duration, start, end time.Time) usecase.BacktestRequest {
	if symbol == "" {
		symbol = a.Config.Symbol
	}
	return usecase.BacktestRequest{
		Symbol:     symbol,
		Timeframe:  tf,
		Start:      start,
		End:        end,
		PivotMode:  a.Config.PivotMode,
		Params:     a.Config.Strategy,
		Simulation: a.Config.Backtest,
	}
}

func (a *App) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.Logger.Error("Failed to close store", zap.Error(err))
		}
	}
	_ = a.Logger.Sync()
}

var timeLayouts = []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"}

// ParseTime accepts RFC 3339 or a bare date, interpreted as UTC. An empty
// string is the zero time.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q: use YYYY-MM-DD or RFC 3339", s)
}
