package domain

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by repositories when the requested record or
// series does not exist.
var ErrNotFound = errors.New("not found")

// Exchange defines the public market-data surface the system reads from a
// derivatives venue. Zero start/end times mean "most recent".
type Exchange interface {
	Name() string
	GetKlines(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]Bar, error)
	GetFundingRates(ctx context.Context, symbol string, start, end time.Time, limit int) ([]SeriesPoint, error)
	GetOpenInterestHist(ctx context.Context, symbol, period string, start, end time.Time, limit int) ([]SeriesPoint, error)
}

// LiquidationSource reports the notional of forced liquidations since a time.
type LiquidationSource interface {
	LiquidationsUSD(ctx context.Context, symbol string, since time.Time) (float64, error)
}

// WhaleSource reports the 7-day whale flow direction.
type WhaleSource interface {
	WhaleFlow(ctx context.Context, symbol string) (WhaleFlow, error)
}

// MarketDataRepository defines storage operations for raw market series.
type MarketDataRepository interface {
	SaveBars(ctx context.Context, symbol, interval string, bars []Bar) error
	LoadBars(ctx context.Context, symbol, interval string, from, to time.Time) ([]Bar, error)
	LastBarTime(ctx context.Context, symbol, interval string) (time.Time, error)

	SaveFunding(ctx context.Context, symbol string, points []SeriesPoint) error
	LoadFunding(ctx context.Context, symbol string, from, to time.Time) ([]SeriesPoint, error)

	SaveOpenInterest(ctx context.Context, symbol string, points []SeriesPoint) error
	LoadOpenInterest(ctx context.Context, symbol string, from, to time.Time) ([]SeriesPoint, error)
}

// RunRepository defines storage operations for backtest runs.
type RunRepository interface {
	SaveRun(ctx context.Context, run *Run, trades []Trade, equity []EquityPoint) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	ListRunTrades(ctx context.Context, runID string) ([]Trade, error)
	ListRunEquity(ctx context.Context, runID string) ([]EquityPoint, error)
}

// Metrics records pipeline activity.
type Metrics interface {
	RecordDecision(action Action)
	RecordTrade(trade Trade)
	RecordRun(symbol string, seconds float64, report Report)
	RecordSourceError(source string)
}

// KlineStream pushes closed klines of one market until closed.
type KlineStream interface {
	OnKline(callback func(symbol string, bar Bar))
	ConnectWS(ctx context.Context, symbol, interval string) error
	Done() <-chan struct{}
	Close() error
}
