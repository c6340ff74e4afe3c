package usecase

import (
	"math"
	"sort"
	"time"

	"github.com/vitos/ethpulse/internal/domain"
)

const utcDay = 24 * time.Hour

// CVDSlope returns the per-bar slope of cumulative volume delta over window bars.
// Delta is taker buy volume minus taker sell volume; bars without taker flow
// contribute no delta. Bars without a full lag window carry 0.
func CVDSlope(bars []domain.Bar, window int) []float64 {
	out := make([]float64, len(bars))
	if window <= 0 {
		return out
	}
	cvd := make([]float64, len(bars))
	var acc float64
	for i, b := range bars {
		if b.HasTakerFlow() {
			sell := b.Volume - b.TakerBuyVolume
			acc += b.TakerBuyVolume - sell
		}
		cvd[i] = acc
		if i >= window {
			out[i] = (cvd[i] - cvd[i-window]) / float64(window)
		}
	}
	return out
}

// SessionVWAP returns the volume weighted average of the typical price,
// accumulated from the start of each UTC day. NaN while the session has no volume.
func SessionVWAP(bars []domain.Bar) []float64 {
	out := make([]float64, len(bars))
	var num, den float64
	var session time.Time
	for i, b := range bars {
		d := b.Time.UTC().Truncate(utcDay)
		if i == 0 || !d.Equal(session) {
			session = d
			num, den = 0, 0
		}
		num += b.TypicalPrice() * b.Volume
		den += b.Volume
		if den == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = num / den
	}
	return out
}

// TrueRange returns max(high-low, |high-prevClose|, |low-prevClose|).
// The first bar has no previous close and uses high-low.
func TrueRange(bars []domain.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		tr := b.High - b.Low
		if i > 0 {
			prev := bars[i-1].Close
			tr = math.Max(tr, math.Max(math.Abs(b.High-prev), math.Abs(b.Low-prev)))
		}
		out[i] = tr
	}
	return out
}

// ATR is the simple rolling mean of the true range over n bars. NaN until n
// bars have accumulated.
func ATR(bars []domain.Bar, n int) []float64 {
	tr := TrueRange(bars)
	out := make([]float64, len(bars))
	for i := range out {
		if n <= 0 || i < n-1 {
			out[i] = math.NaN()
			continue
		}
		var sum float64
		for j := i - n + 1; j <= i; j++ {
			sum += tr[j]
		}
		out[i] = sum / float64(n)
	}
	return out
}

// FloorPivot computes classic floor pivots from a completed prior-day bar.
func FloorPivot(prior domain.Bar) domain.PivotLevels {
	p := (prior.High + prior.Low + prior.Close) / 3.0
	rng := prior.High - prior.Low
	return domain.PivotLevels{
		P:           p,
		R1:          2*p - prior.Low,
		S1:          2*p - prior.High,
		R2:          p + rng,
		S2:          p - rng,
		DonchianMid: math.NaN(),
	}
}

// FloorPivots maps every bar onto the pivots of the previous UTC day. A day
// whose predecessor has no bars gets undefined levels.
func FloorPivots(bars []domain.Bar) []domain.PivotLevels {
	daily := Resample(bars, utcDay)
	keys := make([]time.Time, len(daily))
	levels := make([]domain.PivotLevels, len(daily))
	for k, d := range daily {
		keys[k] = d.Time
		levels[k] = domain.UndefinedPivots()
		if k > 0 && daily[k-1].Time.Equal(d.Time.Add(-utcDay)) {
			levels[k] = FloorPivot(daily[k-1])
		}
	}

	out := make([]domain.PivotLevels, len(bars))
	for i, j := range asOfPositions(barTimes(bars), keys) {
		if j < 0 {
			out[i] = domain.UndefinedPivots()
			continue
		}
		out[i] = levels[j]
	}
	return out
}

// DonchianMid returns (rolling max high + rolling min low)/2 over window
// hourly bars. NaN until window bars are available.
func DonchianMid(hourly []domain.Bar, window int) []float64 {
	highs := make([]float64, len(hourly))
	lows := make([]float64, len(hourly))
	for i, b := range hourly {
		highs[i] = b.High
		lows[i] = b.Low
	}
	hi := RollingMax(highs, window, window)
	lo := RollingMin(lows, window, window)
	out := make([]float64, len(hourly))
	for i := range out {
		out[i] = (hi[i] + lo[i]) / 2.0
	}
	return out
}

// DonchianPivots projects the hourly Donchian midline onto bars. Each hourly
// value becomes visible once its hour has closed.
func DonchianPivots(bars []domain.Bar, window int) []domain.PivotLevels {
	hourly := Resample(bars, time.Hour)
	mid := DonchianMid(hourly, window)
	series := make([]domain.SeriesPoint, len(hourly))
	for i, h := range hourly {
		series[i] = domain.SeriesPoint{Time: h.Time.Add(time.Hour), Value: mid[i]}
	}
	aligned := AsOf(barTimes(bars), series, math.NaN())

	out := make([]domain.PivotLevels, len(bars))
	for i, v := range aligned {
		out[i] = domain.UndefinedPivots()
		out[i].DonchianMid = v
	}
	return out
}

// Resample aggregates bars into UTC-aligned buckets of width tf. Buckets
// without bars are not emitted.
func Resample(bars []domain.Bar, tf time.Duration) []domain.Bar {
	if tf <= 0 {
		return append([]domain.Bar(nil), bars...)
	}
	var out []domain.Bar
	for _, b := range bars {
		bucket := b.Time.UTC().Truncate(tf)
		n := len(out)
		if n == 0 || !out[n-1].Time.Equal(bucket) {
			out = append(out, domain.Bar{
				Time:           bucket,
				Open:           b.Open,
				High:           b.High,
				Low:            b.Low,
				Close:          b.Close,
				Volume:         b.Volume,
				TakerBuyVolume: b.TakerBuyVolume,
			})
			continue
		}
		cur := &out[n-1]
		cur.High = math.Max(cur.High, b.High)
		cur.Low = math.Min(cur.Low, b.Low)
		cur.Close = b.Close
		cur.Volume += b.Volume
		cur.TakerBuyVolume += b.TakerBuyVolume
	}
	return out
}

// AsOf returns, for every target time, the value of the last series point at
// or before it. Targets before the first point get fill.
func AsOf(index []time.Time, series []domain.SeriesPoint, fill float64) []float64 {
	keys := make([]time.Time, len(series))
	for i, p := range series {
		keys[i] = p.Time
	}
	out := make([]float64, len(index))
	for i, j := range asOfPositions(index, keys) {
		if j < 0 {
			out[i] = fill
			continue
		}
		out[i] = series[j].Value
	}
	return out
}

// asOfPositions returns the position of the last key <= each target, or -1.
// keys must be sorted ascending.
func asOfPositions(index, keys []time.Time) []int {
	out := make([]int, len(index))
	for i, t := range index {
		j := sort.Search(len(keys), func(k int) bool { return keys[k].After(t) })
		out[i] = j - 1
	}
	return out
}

// RollingMax is the maximum over the trailing window, ignoring NaN. Positions
// with fewer than minPeriods known values are NaN.
func RollingMax(values []float64, window, minPeriods int) []float64 {
	return rollingExtreme(values, window, minPeriods, func(a, b float64) bool { return a >= b })
}

// RollingMin is the minimum counterpart of RollingMax.
func RollingMin(values []float64, window, minPeriods int) []float64 {
	return rollingExtreme(values, window, minPeriods, func(a, b float64) bool { return a <= b })
}

// rollingExtreme keeps a monotonic deque of indices; dominates(a, b) reports
// whether a makes b redundant.
func rollingExtreme(values []float64, window, minPeriods int, dominates func(a, b float64) bool) []float64 {
	out := make([]float64, len(values))
	if window <= 0 {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	deque := make([]int, 0, window)
	known := 0
	for i, v := range values {
		start := i - window + 1
		if start > 0 && !math.IsNaN(values[start-1]) {
			known--
		}
		for len(deque) > 0 && deque[0] < start {
			deque = deque[1:]
		}
		if !math.IsNaN(v) {
			known++
			for len(deque) > 0 && dominates(v, values[deque[len(deque)-1]]) {
				deque = deque[:len(deque)-1]
			}
			deque = append(deque, i)
		}
		if len(deque) == 0 || known < minPeriods {
			out[i] = math.NaN()
			continue
		}
		out[i] = values[deque[0]]
	}
	return out
}

func barTimes(bars []domain.Bar) []time.Time {
	out := make([]time.Time, len(bars))
	for i, b := range bars {
		out[i] = b.Time
	}
	return out
}
