package usecase

import (
	"math"

	"github.com/vitos/ethpulse/internal/domain"
)

const (
	sharpeEpsilon      = 1e-9
	sharpeAnnualFactor = 252
)

// EquityCurve compounds start by (1+pnl) per trade in exit order, one point
// per trade.
func EquityCurve(trades []domain.Trade, start float64) []domain.EquityPoint {
	out := make([]domain.EquityPoint, 0, len(trades))
	eq := start
	for _, t := range trades {
		eq *= 1.0 + t.PnL
		out = append(out, domain.EquityPoint{Time: t.ExitTime, Equity: eq})
	}
	return out
}

// MaxDrawdown returns min(equity/runningMax - 1), a value <= 0. Empty input is 0.
func MaxDrawdown(equity []float64) float64 {
	var peak, dd float64
	for i, v := range equity {
		if i == 0 || v > peak {
			peak = v
		}
		if peak == 0 {
			continue
		}
		if d := v/peak - 1.0; d < dd {
			dd = d
		}
	}
	return dd
}

// ComputeReport derives the KPI summary of a ledger. A trade with pnl <= 0
// counts as a loss. The Sharpe figure scales by sqrt(252) whatever the bar
// frequency, so it only ranks runs on the same timeframe.
func ComputeReport(trades []domain.Trade) domain.Report {
	n := len(trades)
	if n == 0 {
		return domain.Report{}
	}

	var wins int
	var grossProfit, grossLoss, sum float64
	for _, t := range trades {
		sum += t.PnL
		if t.PnL > 0 {
			wins++
			grossProfit += t.PnL
		} else {
			grossLoss -= t.PnL
		}
	}
	avg := sum / float64(n)

	pf := math.Inf(1)
	if grossLoss > 0 {
		pf = grossProfit / grossLoss
	}

	var sharpe float64
	if n > 1 {
		var ss float64
		for _, t := range trades {
			d := t.PnL - avg
			ss += d * d
		}
		std := math.Sqrt(ss / float64(n-1))
		sharpe = avg / (std + sharpeEpsilon) * math.Sqrt(sharpeAnnualFactor)
	}

	curve := EquityCurve(trades, 1.0)
	values := make([]float64, len(curve))
	for i, p := range curve {
		values[i] = p.Equity
	}

	return domain.Report{
		Trades:  n,
		WinRate: float64(wins) / float64(n),
		PF:      pf,
		AvgPnL:  avg,
		MaxDD:   MaxDrawdown(values),
		Sharpe:  sharpe,
	}
}
