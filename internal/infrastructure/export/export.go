package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/vitos/ethpulse/internal/domain"
)

const (
	TradesFile = "trades.csv"
	EquityFile = "equity_curve.csv"
	ReportFile = "report.json"
	TrialsFile = "trials.csv"
)

var tradeHeader = []string{
	"side", "entry_time", "entry_price", "exit_time", "exit_price",
	"stop_price", "take_profit_price", "pnl", "exit_reason",
}

// WriteTrades writes the ledger in entry order, one row per closed trade.
func WriteTrades(w io.Writer, trades []domain.Trade) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(tradeHeader); err != nil {
		return err
	}
	for _, t := range trades {
		row := []string{
			string(t.Side),
			formatTime(t.EntryTime),
			ftoa(t.EntryPrice),
			formatTime(t.ExitTime),
			ftoa(t.ExitPrice),
			ftoa(t.StopPrice),
			ftoa(t.TakeProfitPrice),
			ftoa(t.PnL),
			string(t.ExitReason),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteEquity writes the cumulative equity curve keyed by exit time.
func WriteEquity(w io.Writer, points []domain.EquityPoint) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"time", "equity"}); err != nil {
		return err
	}
	for _, p := range points {
		if err := cw.Write([]string{formatTime(p.Time), ftoa(p.Equity)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteReport writes the KPI summary as indented JSON.
func WriteReport(w io.Writer, report domain.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// TrialRow is one optimizer iteration flattened for CSV.
type TrialRow struct {
	Iteration int
	RunID     string
	Score     float64
	Params    domain.StrategyParams
	Report    domain.Report
}

var trialHeader = []string{
	"iteration", "run_id", "score",
	"cvd_window_min", "vwap_min_distance_pct", "oi_drop_pct", "oi_rise_pct", "sell_score", "buy_score",
	"trades", "win_rate", "pf", "avg_pnl", "max_dd", "sharpe",
}

// WriteTrials writes optimizer iterations with the searched parameters and
// their report.
func WriteTrials(w io.Writer, trials []TrialRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(trialHeader); err != nil {
		return err
	}
	for _, t := range trials {
		th := t.Params.Thresholds
		row := []string{
			strconv.Itoa(t.Iteration),
			t.RunID,
			ftoa(t.Score),
			strconv.Itoa(th.CVDWindow),
			ftoa(th.VWAPMinDistancePct),
			ftoa(th.OIDropPct),
			ftoa(th.OIRisePct),
			strconv.Itoa(t.Params.Decision.SellScore),
			strconv.Itoa(t.Params.Decision.BuyScore),
			strconv.Itoa(t.Report.Trades),
			ftoa(t.Report.WinRate),
			ftoa(t.Report.PF),
			ftoa(t.Report.AvgPnL),
			ftoa(t.Report.MaxDD),
			ftoa(t.Report.Sharpe),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Files lists the paths written by WriteRun.
type Files struct {
	Trades string `json:"trades"`
	Equity string `json:"equity"`
	Report string `json:"report"`
}

// WriteRun writes trades.csv, equity_curve.csv and report.json into dir,
// creating it when missing.
func WriteRun(dir string, trades []domain.Trade, equity []domain.EquityPoint, report domain.Report) (Files, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Files{}, fmt.Errorf("failed to create output dir: %w", err)
	}
	files := Files{
		Trades: filepath.Join(dir, TradesFile),
		Equity: filepath.Join(dir, EquityFile),
		Report: filepath.Join(dir, ReportFile),
	}
	if err := writeFile(files.Trades, func(w io.Writer) error { return WriteTrades(w, trades) }); err != nil {
		return files, err
	}
	if err := writeFile(files.Equity, func(w io.Writer) error { return WriteEquity(w, equity) }); err != nil {
		return files, err
	}
	if err := writeFile(files.Report, func(w io.Writer) error { return WriteReport(w, report) }); err != nil {
		return files, err
	}
	return files, nil
}

// WriteTrialsFile writes trials.csv into dir.
func WriteTrialsFile(dir string, trials []TrialRow) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	path := filepath.Join(dir, TrialsFile)
	return path, writeFile(path, func(w io.Writer) error { return WriteTrials(w, trials) })
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func ftoa(x float64) string {
	switch {
	case math.IsInf(x, 1):
		return "inf"
	case math.IsNaN(x):
		return ""
	}
	return strconv.FormatFloat(x, 'f', -1, 64)
}
