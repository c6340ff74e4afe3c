package usecase

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/vitos/ethpulse/internal/domain"
)

const bpsDenominator = 1e4

// SimulationResult is the ledger produced by one replay. Final is the state
// after the last bar; an open position there is not booked as a trade.
type SimulationResult struct {
	Trades []domain.Trade
	Final  domain.PositionState
}

// OpenPosition returns the position left open at the end of the data, if any.
func (r SimulationResult) OpenPosition() (domain.Position, bool) {
	if p, ok := r.Final.(domain.InPosition); ok {
		return p.Position, true
	}
	return domain.Position{}, false
}

// PositionSimulator replays a signal stream against OHLC bars with a single
// position slot and ATR-sized protective levels.
type PositionSimulator struct {
	params  domain.SimulationParams
	logger  *zap.Logger
	metrics domain.Metrics
}

func NewPositionSimulator(params domain.SimulationParams, logger *zap.Logger, metrics domain.Metrics) *PositionSimulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PositionSimulator{params: params, logger: logger, metrics: metrics}
}

// Run walks the bars in order. On every bar the open position is checked for
// an exit first, then a flat book may enter on that bar's signal.
func (s *PositionSimulator) Run(rows []domain.FeatureRow, signals []domain.Side) (SimulationResult, error) {
	if len(rows) != len(signals) {
		return SimulationResult{}, fmt.Errorf("signals length %d does not match %d bars", len(signals), len(rows))
	}
	bars := make([]domain.Bar, len(rows))
	for i, r := range rows {
		bars[i] = r.Bar
	}
	atr := ATR(bars, s.params.ATRPeriod)

	var state domain.PositionState = domain.Flat{}
	trades := []domain.Trade{}
	for i, b := range bars {
		if open, ok := state.(domain.InPosition); ok {
			if trade, closed := s.checkExit(open.Position, b); closed {
				trades = append(trades, trade)
				state = domain.Flat{}
				s.logger.Debug("Position closed",
					zap.String("side", string(trade.Side)),
					zap.String("reason", string(trade.ExitReason)),
					zap.Float64("exit_price", trade.ExitPrice),
					zap.Float64("pnl", trade.PnL),
				)
				if s.metrics != nil {
					s.metrics.RecordTrade(trade)
				}
			}
		}

		if _, flat := state.(domain.Flat); !flat || signals[i] == "" {
			continue
		}
		if math.IsNaN(atr[i]) || atr[i] <= 0 {
			continue
		}
		pos := s.open(signals[i], b, atr[i])
		state = domain.InPosition{Position: pos}
		s.logger.Debug("Position opened",
			zap.String("side", string(pos.Side)),
			zap.Time("time", pos.EntryTime),
			zap.Float64("entry", pos.EntryPrice),
			zap.Float64("stop", pos.StopPrice),
			zap.Float64("take_profit", pos.TakeProfitPrice),
		)
	}
	return SimulationResult{Trades: trades, Final: state}, nil
}

func (s *PositionSimulator) open(side domain.Side, b domain.Bar, atr float64) domain.Position {
	slip := s.params.SlipBps / bpsDenominator
	stopDist := atr * s.params.ATRStopMultiplier
	tpDist := atr * s.params.ATRTPMultiplier
	if side == domain.SideLong {
		entry := b.Close * (1 + slip)
		return domain.Position{
			Side:            side,
			EntryPrice:      entry,
			EntryTime:       b.Time,
			StopPrice:       entry - stopDist,
			TakeProfitPrice: entry + tpDist,
		}
	}
	entry := b.Close * (1 - slip)
	return domain.Position{
		Side:            domain.SideShort,
		EntryPrice:      entry,
		EntryTime:       b.Time,
		StopPrice:       entry + stopDist,
		TakeProfitPrice: entry - tpDist,
	}
}

// checkExit tests the intrabar range against both levels. When a bar touches
// both, the configured exit priority picks the fill.
func (s *PositionSimulator) checkExit(p domain.Position, b domain.Bar) (domain.Trade, bool) {
	var stopHit, tpHit bool
	if p.Side == domain.SideLong {
		stopHit = b.Low <= p.StopPrice
		tpHit = b.High >= p.TakeProfitPrice
	} else {
		stopHit = b.High >= p.StopPrice
		tpHit = b.Low <= p.TakeProfitPrice
	}

	switch {
	case stopHit && (!tpHit || s.params.ExitPriority != domain.TakeProfitFirst):
		return s.close(p, b, p.StopPrice, domain.ExitStop), true
	case tpHit:
		return s.close(p, b, p.TakeProfitPrice, domain.ExitTakeProfit), true
	}
	return domain.Trade{}, false
}

func (s *PositionSimulator) close(p domain.Position, b domain.Bar, exit float64, reason domain.ExitReason) domain.Trade {
	var ret float64
	if p.Side == domain.SideLong {
		ret = (exit - p.EntryPrice) / p.EntryPrice
	} else {
		ret = (p.EntryPrice - exit) / p.EntryPrice
	}
	return domain.Trade{
		Side:            p.Side,
		EntryPrice:      p.EntryPrice,
		EntryTime:       p.EntryTime,
		ExitPrice:       exit,
		ExitTime:        b.Time,
		StopPrice:       p.StopPrice,
		TakeProfitPrice: p.TakeProfitPrice,
		PnL:             ret - (s.params.FeesBps+s.params.SlipBps)/bpsDenominator,
		ExitReason:      reason,
	}
}
