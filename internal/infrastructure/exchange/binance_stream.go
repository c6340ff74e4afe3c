package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"

	"github.com/vitos/ethpulse/internal/domain"
)

// BinanceStream delivers closed klines from the futures websocket.
type BinanceStream struct {
	logger *zap.Logger

	mu        sync.Mutex
	doneC     chan struct{}
	stopC     chan struct{}
	callbacks []func(symbol string, bar domain.Bar)
}

func NewBinanceStream(logger *zap.Logger) *BinanceStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BinanceStream{logger: logger.With(zap.String("exchange", "binance"))}
}

func (s *BinanceStream) OnKline(callback func(symbol string, bar domain.Bar)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, callback)
}

func (s *BinanceStream) ConnectWS(_ context.Context, symbol, interval string) error {
	doneC, stopC, err := futures.WsKlineServe(symbol, interval, s.handle, func(err error) {
		s.logger.Warn("WS error", zap.String("symbol", symbol), zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("binance ws kline %s %s: %w", symbol, interval, err)
	}

	s.mu.Lock()
	s.doneC = doneC
	s.stopC = stopC
	s.mu.Unlock()
	return nil
}

func (s *BinanceStream) handle(event *futures.WsKlineEvent) {
	k := event.Kline
	if !k.IsFinal {
		return
	}
	bar := domain.Bar{Time: time.UnixMilli(k.StartTime).UTC()}
	for _, f := range []struct {
		raw string
		dst *float64
	}{
		{k.Open, &bar.Open},
		{k.High, &bar.High},
		{k.Low, &bar.Low},
		{k.Close, &bar.Close},
		{k.Volume, &bar.Volume},
		{k.ActiveBuyVolume, &bar.TakerBuyVolume},
	} {
		v, err := parseNumber(f.raw)
		if err != nil {
			s.logger.Warn("WS kline parse error", zap.String("symbol", event.Symbol), zap.Error(err))
			return
		}
		*f.dst = v
	}

	s.mu.Lock()
	callbacks := make([]func(string, domain.Bar), len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb(event.Symbol, bar)
	}
}

func (s *BinanceStream) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doneC == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.doneC
}

func (s *BinanceStream) Close() error {
	s.mu.Lock()
	stopC := s.stopC
	s.stopC = nil
	s.mu.Unlock()
	if stopC != nil {
		close(stopC)
	}
	return nil
}
