package domain

import (
	"math"
	"time"
)

// Bar is one OHLCV candle of a perpetual futures market.
// Time is the UTC open time of the period. TakerBuyVolume is NaN when the
// venue does not report taker flow.
type Bar struct {
	Time           time.Time `json:"time"`
	Open           float64   `json:"open"`
	High           float64   `json:"high"`
	Low            float64   `json:"low"`
	Close          float64   `json:"close"`
	Volume         float64   `json:"volume"`
	TakerBuyVolume float64   `json:"taker_buy_volume"`
}

// HasTakerFlow reports whether the taker buy volume is known.
func (b Bar) HasTakerFlow() bool {
	return !math.IsNaN(b.TakerBuyVolume)
}

// TypicalPrice returns (high+low+close)/3.
func (b Bar) TypicalPrice() float64 {
	return (b.High + b.Low + b.Close) / 3.0
}

// SeriesPoint is a single observation of a sparse native series such as
// funding rate (8h) or open interest (1h).
type SeriesPoint struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// MarketData bundles the raw series a backtest or a live evaluation runs on.
type MarketData struct {
	Symbol       string
	Bars         []Bar
	Funding      []SeriesPoint
	OpenInterest []SeriesPoint
}
