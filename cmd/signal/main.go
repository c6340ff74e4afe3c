package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/vitos/ethpulse/internal/app"
	"github.com/vitos/ethpulse/internal/config"
	"github.com/vitos/ethpulse/internal/usecase"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to config file")
	exchangeName := flag.String("exchange", "", "binance or bybit (default from config)")
	watch := flag.Bool("watch", false, "re-evaluate on every closed kline until interrupted")
	flag.Parse()

	a, err := app.Bootstrap(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer a.Close()
	log := a.Logger

	svc, stream, err := a.SignalService(*exchangeName)
	if err != nil {
		log.Fatal("Failed to init signal service", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	emit := func(res *usecase.SignalResult) {
		if err := enc.Encode(res); err != nil {
			log.Error("Failed to encode signal", zap.Error(err))
		}
	}

	if !*watch {
		res, err := svc.Evaluate(ctx)
		if err != nil {
			log.Fatal("Signal evaluation failed", zap.Error(err))
		}
		emit(res)
		return
	}

	if err := svc.Watch(ctx, stream, emit); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("Watch stopped", zap.Error(err))
	}
	log.Info("Shutting down...")
}
