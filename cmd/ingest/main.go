package main

import (
	"context"
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
	symbol := flag.String("symbol", "", "symbol to ingest (default from config)")
	exchangeName := flag.String("exchange", "", "binance or bybit (default from config)")
	startFlag := flag.String("start", "", "start date, empty resumes after the last stored bar")
	endFlag := flag.String("end", "", "end date (default now)")
	flag.Parse()

	a, err := app.Bootstrap(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer a.Close()
	log := a.Logger

	start, err := app.ParseTime(*startFlag)
	if err != nil {
		log.Fatal("Invalid -start", zap.Error(err))
	}
	end, err := app.ParseTime(*endFlag)
	if err != nil {
		log.Fatal("Invalid -end", zap.Error(err))
	}
	if *symbol == "" {
		*symbol = a.Config.Symbol
	}

	store, err := a.Store()
	if err != nil {
		log.Fatal("Failed to open storage", zap.Error(err))
	}
	ex, err := a.Exchange(*exchangeName)
	if err != nil {
		log.Fatal("Failed to init exchange", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := usecase.NewIngestService(ex, store, log.Named("ingest"), a.Metrics)
	res, err := svc.Ingest(ctx, usecase.IngestRequest{Symbol: *symbol, Start: start, End: end})
	if err != nil {
		log.Fatal("Ingest failed", zap.Error(err))
	}
	fmt.Printf("Ingested %s from %s: %d bars, %d funding, %d open interest\n",
		*symbol, ex.Name(), res.Bars, res.Funding, res.OpenInterest)
}
