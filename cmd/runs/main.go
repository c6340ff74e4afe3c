package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/vitos/ethpulse/internal/app"
	"github.com/vitos/ethpulse/internal/config"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to config file")
	limit := flag.Int("limit", 20, "number of recent runs to list")
	id := flag.String("id", "", "print one run with its trades as JSON")
	flag.Parse()

	a, err := app.Bootstrap(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer a.Close()
	log := a.Logger

	store, err := a.Store()
	if err != nil {
		log.Fatal("Failed to open storage", zap.Error(err))
	}
	ctx := context.Background()

	if *id != "" {
		run, err := store.GetRun(ctx, *id)
		if err != nil {
			log.Fatal("Failed to get run", zap.Error(err))
		}
		trades, err := store.ListRunTrades(ctx, *id)
		if err != nil {
			log.Fatal("Failed to list trades", zap.Error(err))
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]interface{}{"run": run, "trades": trades})
		return
	}

	runs, err := store.ListRuns(ctx, *limit)
	if err != nil {
		log.Fatal("Failed to list runs", zap.Error(err))
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tSYMBOL\tTF\tPIVOT\tTRADES\tWIN%\tPF\tMAX_DD\tSHARPE")
	for _, r := range runs {
		rep := r.Report
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%.1f\t%.2f\t%.4f\t%.2f\n",
			r.ID, r.CreatedAt.Format("2006-01-02 15:04"), r.Symbol, r.Timeframe, r.PivotMode,
			rep.Trades, rep.WinRate*100, rep.PF, rep.MaxDD, rep.Sharpe)
	}
	_ = w.Flush()
}
