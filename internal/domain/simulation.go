package domain

import "github.com/creasty/defaults"

// ExitPriority decides which level wins when one bar touches both the stop
// and the take-profit.
type ExitPriority string

const (
	StopFirst       ExitPriority = "stop_first"
	TakeProfitFirst ExitPriority = "take_profit_first"
)

// SimulationParams configures the bar-by-bar trade simulator.
type SimulationParams struct {
	FeesBps           float64      `yaml:"fees_bps" json:"fees_bps" default:"6.0" validate:"gte=0"`
	SlipBps           float64      `yaml:"slip_bps" json:"slip_bps" default:"2.0" validate:"gte=0"`
	ATRPeriod         int          `yaml:"atr_period" json:"atr_period" default:"14" validate:"gte=1"`
	ATRStopMultiplier float64      `yaml:"atr_stop_multiplier" json:"atr_stop_multiplier" default:"1.2" validate:"gt=0"`
	ATRTPMultiplier   float64      `yaml:"atr_tp_multiplier" json:"atr_tp_multiplier" default:"1.8" validate:"gt=0"`
	ExitPriority      ExitPriority `yaml:"exit_priority" json:"exit_priority" default:"stop_first" validate:"oneof=stop_first take_profit_first"`
	StartEquity       float64      `yaml:"start_equity" json:"start_equity" default:"1.0" validate:"gt=0"`
}

func DefaultSimulationParams() SimulationParams {
	var p SimulationParams
	_ = defaults.Set(&p)
	return p
}
