package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/ethpulse/internal/app"
	"github.com/vitos/ethpulse/internal/config"
	"github.com/vitos/ethpulse/internal/domain"
	"github.com/vitos/ethpulse/internal/infrastructure/export"
	"github.com/vitos/ethpulse/internal/usecase"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to config file")
	symbol := flag.String("symbol", "", "symbol (default from config)")
	tfFlag := flag.String("tf", "", "bar timeframe, e.g. 5m or 1h (default from config)")
	pivot := flag.String("pivot", "", "pivot mode: floor, donchian or none (default from config)")
	startFlag := flag.String("start", "", "start date (required)")
	endFlag := flag.String("end", "", "end date (default now)")
	outdir := flag.String("outdir", "", "directory for trades.csv, equity_curve.csv and report.json (default <output.dir>/<run id>)")
	flag.Parse()

	a, err := app.Bootstrap(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer a.Close()
	log := a.Logger

	start, err := app.ParseTime(*startFlag)
	if err != nil || start.IsZero() {
		log.Fatal("A valid -start is required", zap.Error(err))
	}
	end, err := app.ParseTime(*endFlag)
	if err != nil {
		log.Fatal("Invalid -end", zap.Error(err))
	}
	if end.IsZero() {
		end = time.Now().UTC()
	}
	if *tfFlag != "" {
		a.Config.Timeframe = *tfFlag
	}
	tf, err := a.Config.TimeframeDuration()
	if err != nil {
		log.Fatal("Invalid -tf", zap.Error(err))
	}

	req := a.BacktestRequest(*symbol, tf, start, end)
	if *pivot != "" {
		if req.PivotMode, err = domain.ParsePivotMode(*pivot); err != nil {
			log.Fatal("Invalid -pivot", zap.Error(err))
		}
	}

	store, err := a.Store()
	if err != nil {
		log.Fatal("Failed to open storage", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := usecase.NewBacktestService(store, store, log.Named("backtest"), a.Metrics)
	res, err := svc.Run(ctx, req)
	if err != nil {
		log.Fatal("Backtest failed", zap.Error(err))
	}

	dir := *outdir
	if dir == "" {
		dir = filepath.Join(a.Config.Output.Dir, res.Run.ID)
	}
	files, err := export.WriteRun(dir, res.Trades, res.Equity, res.Run.Report)
	if err != nil {
		log.Fatal("Failed to write results", zap.Error(err))
	}

	out, _ := json.MarshalIndent(res.Run.Report, "", "  ")
	fmt.Printf("Run %s\n%s\n", res.Run.ID, out)
	fmt.Printf("Saved: %s %s %s\n", files.Trades, files.Equity, files.Report)
}
