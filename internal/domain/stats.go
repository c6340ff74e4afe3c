package domain

import (
	"encoding/json"
	"math"
	"time"
)

type EquityPoint struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
}

// Report is the KPI summary of a trade ledger. The JSON field names are
// relied on by external tooling.
type Report struct {
	Trades  int     `json:"trades"`
	WinRate float64 `json:"win_rate"`
	PF      float64 `json:"pf"`
	AvgPnL  float64 `json:"avg_pnl"`
	MaxDD   float64 `json:"max_dd"`
	Sharpe  float64 `json:"sharpe"`
}

// MarshalJSON writes an infinite profit factor as the string "Infinity".
func (r Report) MarshalJSON() ([]byte, error) {
	type alias Report
	var pf interface{} = r.PF
	switch {
	case math.IsInf(r.PF, 1):
		pf = "Infinity"
	case math.IsNaN(r.PF):
		pf = nil
	}
	return json.Marshal(struct {
		alias
		PF interface{} `json:"pf"`
	}{alias: alias(r), PF: pf})
}

func (r *Report) UnmarshalJSON(data []byte) error {
	type alias Report
	aux := struct {
		*alias
		PF interface{} `json:"pf"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	switch v := aux.PF.(type) {
	case float64:
		r.PF = v
	case string:
		r.PF = math.Inf(1)
	default:
		r.PF = 0
	}
	return nil
}

// Run is a persisted backtest execution.
type Run struct {
	ID         string           `json:"id"`
	Symbol     string           `json:"symbol"`
	Timeframe  string           `json:"timeframe"`
	From       time.Time        `json:"from"`
	To         time.Time        `json:"to"`
	CreatedAt  time.Time        `json:"created_at"`
	PivotMode  PivotMode        `json:"pivot_mode"`
	Params     StrategyParams   `json:"params"`
	Simulation SimulationParams `json:"simulation"`
	Report     Report           `json:"report"`
}
