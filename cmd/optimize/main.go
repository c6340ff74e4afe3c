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
	"github.com/vitos/ethpulse/internal/infrastructure/export"
	"github.com/vitos/ethpulse/internal/usecase"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to config file")
	symbol := flag.String("symbol", "", "symbol (default from config)")
	tfFlag := flag.String("tf", "", "bar timeframe (default from config)")
	iters := flag.Int("iters", 40, "number of random search iterations")
	seed := flag.Int64("seed", 42, "random seed")
	startFlag := flag.String("start", "", "start date (required)")
	endFlag := flag.String("end", "", "end date (default now)")
	outdir := flag.String("outdir", "", "directory for trials.csv and the best run (default <output.dir>/optimize)")
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

	store, err := a.Store()
	if err != nil {
		log.Fatal("Failed to open storage", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backtest := usecase.NewBacktestService(store, store, log.Named("backtest"), a.Metrics)
	res, err := usecase.NewOptimizer(backtest, log.Named("optimizer")).Optimize(ctx, usecase.OptimizeRequest{
		Backtest:   a.BacktestRequest(*symbol, tf, start, end),
		Iterations: *iters,
		Seed:       *seed,
		Space:      usecase.DefaultSearchSpace(),
	})
	if err != nil {
		log.Fatal("Optimization failed", zap.Error(err))
	}

	dir := *outdir
	if dir == "" {
		dir = filepath.Join(a.Config.Output.Dir, "optimize")
	}
	rows := make([]export.TrialRow, len(res.Trials))
	for i, t := range res.Trials {
		rows[i] = export.TrialRow{Iteration: t.Iteration, RunID: t.RunID, Score: t.Score, Params: t.Params, Report: t.Report}
	}
	trialsPath, err := export.WriteTrialsFile(dir, rows)
	if err != nil {
		log.Fatal("Failed to write trials", zap.Error(err))
	}
	fmt.Printf("Saved: %s\n", trialsPath)

	if res.Best < 0 {
		fmt.Println("No trial completed.")
		return
	}
	best := res.BestResult
	files, err := export.WriteRun(dir, best.Trades, best.Equity, best.Run.Report)
	if err != nil {
		log.Fatal("Failed to write best run", zap.Error(err))
	}

	// Score can be +Inf, which encoding/json rejects; the report encodes it.
	bestTrial := res.Trials[res.Best]
	params, _ := json.MarshalIndent(bestTrial.Params, "", "  ")
	report, _ := json.MarshalIndent(bestTrial.Report, "", "  ")
	fmt.Printf("Best trial %d (run %s, score %g)\nparams: %s\nreport: %s\n",
		bestTrial.Iteration, bestTrial.RunID, bestTrial.Score, params, report)
	fmt.Printf("Saved: %s %s %s\n", files.Trades, files.Equity, files.Report)
}
