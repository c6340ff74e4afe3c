package domain

import "time"

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// ExitReason records which protective level closed a trade.
type ExitReason string

const (
	ExitStop       ExitReason = "stop"
	ExitTakeProfit ExitReason = "take_profit"
)

// Position represents the single open simulated position.
type Position struct {
	Side            Side      `json:"side"`
	EntryPrice      float64   `json:"entry_price"`
	EntryTime       time.Time `json:"entry_time"`
	StopPrice       float64   `json:"stop_price"`
	TakeProfitPrice float64   `json:"take_profit_price"`
}

// PositionState is either Flat or InPosition. Only InPosition carries
// position fields, so a stop price cannot exist while flat.
type PositionState interface {
	isPositionState()
}

type Flat struct{}

type InPosition struct {
	Position Position
}

func (Flat) isPositionState()       {}
func (InPosition) isPositionState() {}

// Trade represents a closed position. Immutable once appended to a ledger.
type Trade struct {
	Side            Side       `json:"side"`
	EntryPrice      float64    `json:"entry_price"`
	EntryTime       time.Time  `json:"entry_time"`
	ExitPrice       float64    `json:"exit_price"`
	ExitTime        time.Time  `json:"exit_time"`
	StopPrice       float64    `json:"stop_price"`
	TakeProfitPrice float64    `json:"take_profit_price"`
	PnL             float64    `json:"pnl"`
	ExitReason      ExitReason `json:"exit_reason"`
}
