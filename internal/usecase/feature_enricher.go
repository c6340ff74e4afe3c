package usecase

import (
	"math"
	"sort"
	"time"

	"github.com/vitos/ethpulse/internal/domain"
)

const (
	oiLookbackMinutes = 7 * 24 * 60
	defaultTimeframe  = 5 * time.Minute
)

type EnrichOptions struct {
	CVDWindow      int
	PivotMode      domain.PivotMode
	DonchianWindow int
	// Timeframe of the primary bars. Zero infers it from the first two bars.
	Timeframe time.Duration
}

// FeatureEnricher joins primary bars with funding, open interest and pivot
// levels into one dense, decision-ready table.
type FeatureEnricher struct {
	opts EnrichOptions
}

func NewFeatureEnricher(opts EnrichOptions) *FeatureEnricher {
	if opts.PivotMode == "" {
		opts.PivotMode = domain.PivotFloor
	}
	return &FeatureEnricher{opts: opts}
}

// OIWindowBars converts the 7-day open interest lookback into a bar count for
// the given timeframe, so the lookback covers the same wall-clock span on
// every timeframe.
func OIWindowBars(tf time.Duration) int {
	minutes := int(tf / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	n := oiLookbackMinutes / minutes
	if n < 1 {
		n = 1
	}
	return n
}

// Enrich produces exactly one FeatureRow per bar. Funding before its first
// known value is 0; open interest fields stay NaN until the first value.
func (e *FeatureEnricher) Enrich(bars []domain.Bar, funding, openInterest []domain.SeriesPoint) []domain.FeatureRow {
	rows := make([]domain.FeatureRow, len(bars))
	if len(bars) == 0 {
		return rows
	}
	index := barTimes(bars)

	cvd := CVDSlope(bars, e.opts.CVDWindow)
	vwap := SessionVWAP(bars)
	fundingAligned := AsOf(index, sortedSeries(funding), 0)
	oi := AsOf(index, sortedSeries(openInterest), math.NaN())

	window := OIWindowBars(e.timeframe(bars))
	oiMax := RollingMax(oi, window, 1)
	oiMin := RollingMin(oi, window, 1)

	var pivots []domain.PivotLevels
	switch e.opts.PivotMode {
	case domain.PivotFloor:
		pivots = FloorPivots(bars)
	case domain.PivotDonchian:
		pivots = DonchianPivots(bars, e.opts.DonchianWindow)
	}

	for i, b := range bars {
		r := domain.FeatureRow{
			Bar:             b,
			CVDSlope:        cvd[i],
			VWAP:            vwap[i],
			VWAPDistancePct: distancePct(b.Close, vwap[i]),
			AboveVWAP:       b.Close > vwap[i],
			FundingRate:     fundingAligned[i],
			OpenInterest:    oi[i],
			OIMax7d:         oiMax[i],
			OIMin7d:         oiMin[i],
			OIDropPct:       ratioPct(oiMax[i]-oi[i], oiMax[i]),
			OIRisePct:       ratioPct(oi[i]-oiMin[i], oiMin[i]),
			PivotMode:       e.opts.PivotMode,
			Pivots:          domain.UndefinedPivots(),
		}
		if pivots != nil {
			r.Pivots = pivots[i]
		}
		if i > 0 {
			prev := bars[i-1].Close
			level := r.Pivots.Level(e.opts.PivotMode)
			r.BrokePivotUp = crossedUp(prev, b.Close, level)
			r.BrokePivotDown = crossedDown(prev, b.Close, level)
			r.BrokeVWAPUp = crossedUp(prev, b.Close, vwap[i])
			r.BrokeVWAPDown = crossedDown(prev, b.Close, vwap[i])
		}
		rows[i] = r
	}
	return rows
}

func (e *FeatureEnricher) timeframe(bars []domain.Bar) time.Duration {
	if e.opts.Timeframe > 0 {
		return e.opts.Timeframe
	}
	if len(bars) >= 2 {
		if d := bars[1].Time.Sub(bars[0].Time); d > 0 {
			return d
		}
	}
	return defaultTimeframe
}

// crossedUp reports a close that moved from at-or-below the level to above it
// during the current bar. NaN levels never cross.
func crossedUp(prevClose, close, level float64) bool {
	return prevClose <= level && close > level
}

func crossedDown(prevClose, close, level float64) bool {
	return prevClose >= level && close < level
}

func distancePct(close, ref float64) float64 {
	return ratioPct(math.Abs(close-ref), ref)
}

// ratioPct returns num/den*100, NaN when den is 0 or undefined.
func ratioPct(num, den float64) float64 {
	if den == 0 || math.IsNaN(den) {
		return math.NaN()
	}
	return num / den * 100.0
}

func sortedSeries(points []domain.SeriesPoint) []domain.SeriesPoint {
	less := func(i, j int) bool { return points[i].Time.Before(points[j].Time) }
	if sort.SliceIsSorted(points, less) {
		return points
	}
	out := append([]domain.SeriesPoint(nil), points...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}
