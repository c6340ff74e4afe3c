package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/ethpulse/internal/app"
	"github.com/vitos/ethpulse/internal/config"
	"github.com/vitos/ethpulse/internal/usecase"
	"github.com/vitos/ethpulse/internal/web"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to config file")
	exchangeName := flag.String("exchange", "", "binance or bybit (default from config)")
	watch := flag.Bool("watch", true, "keep the served signal fresh from the kline stream")
	flag.Parse()

	// 1. Config, logger, metrics
	a, err := app.Bootstrap(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer a.Close()
	log := a.Logger

	// 2. Storage
	store, err := a.Store()
	if err != nil {
		log.Fatal("Failed to open storage", zap.Error(err))
	}

	// 3. Live signal
	svc, stream, err := a.SignalService(*exchangeName)
	if err != nil {
		log.Fatal("Failed to init signal service", zap.Error(err))
	}

	// 4. Web server
	server := web.NewServer(a.Config.Server.Port, store, svc, a.Metrics.Handler(), log.Named("web"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *watch {
		go func() {
			err := svc.Watch(ctx, stream, func(res *usecase.SignalResult) { server.SetSignal(res) })
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Signal watch stopped", zap.Error(err))
			}
		}()
	}

	go func() {
		if err := server.Start(); err != nil {
			log.Error("Server error", zap.Error(err))
			stop()
		}
	}()

	// 5. Wait for shutdown
	<-ctx.Done()
	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", zap.Error(err))
	}
}
