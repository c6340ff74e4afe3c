package usecase

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"

	"github.com/vitos/ethpulse/internal/domain"
)

// SearchSpace lists the candidate values sampled per parameter.
type SearchSpace struct {
	CVDWindow          []int
	VWAPMinDistancePct []float64
	OIDropPct          []float64
	OIRisePct          []float64
	SellScore          []int
	BuyScore           []int
}

func DefaultSearchSpace() SearchSpace {
	return SearchSpace{
		CVDWindow:          []int{30, 40, 60, 90},
		VWAPMinDistancePct: []float64{0.10, 0.15, 0.20, 0.30},
		OIDropPct:          []float64{3.0, 4.0, 5.0, 6.0},
		OIRisePct:          []float64{3.0, 4.0, 5.0, 6.0},
		SellScore:          []int{60, 65, 70},
		BuyScore:           []int{60, 65, 70},
	}
}

// Sample draws one parameter set. Empty candidate lists keep the base value.
func (sp SearchSpace) Sample(rng *rand.Rand, base domain.StrategyParams) domain.StrategyParams {
	p := base
	pickInt(rng, sp.CVDWindow, &p.Thresholds.CVDWindow)
	pickFloat(rng, sp.VWAPMinDistancePct, &p.Thresholds.VWAPMinDistancePct)
	pickFloat(rng, sp.OIDropPct, &p.Thresholds.OIDropPct)
	pickFloat(rng, sp.OIRisePct, &p.Thresholds.OIRisePct)
	pickInt(rng, sp.SellScore, &p.Decision.SellScore)
	pickInt(rng, sp.BuyScore, &p.Decision.BuyScore)
	return p
}

func pickInt(rng *rand.Rand, values []int, dst *int) {
	if len(values) > 0 {
		*dst = values[rng.Intn(len(values))]
	}
}

func pickFloat(rng *rand.Rand, values []float64, dst *float64) {
	if len(values) > 0 {
		*dst = values[rng.Intn(len(values))]
	}
}

// Objective ranks runs by profit factor net of drawdown.
func Objective(r domain.Report) float64 {
	return r.PF - math.Abs(r.MaxDD)
}

type Trial struct {
	Iteration int                   `json:"iteration"`
	RunID     string                `json:"run_id"`
	Params    domain.StrategyParams `json:"params"`
	Report    domain.Report         `json:"report"`
	Score     float64               `json:"score"`
}

type OptimizeRequest struct {
	Backtest   BacktestRequest
	Iterations int
	Seed       int64
	Space      SearchSpace
}

type OptimizeResult struct {
	Trials []Trial
	// Best indexes Trials; -1 when no trial ran.
	Best       int
	BestResult *BacktestResult
}

// Optimizer runs a seeded random search over strategy parameters. Market data
// is loaded once and shared by every trial.
type Optimizer struct {
	backtest *BacktestService
	logger   *zap.Logger
}

func NewOptimizer(backtest *BacktestService, logger *zap.Logger) *Optimizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Optimizer{backtest: backtest, logger: logger}
}

func (o *Optimizer) Optimize(ctx context.Context, req OptimizeRequest) (*OptimizeResult, error) {
	if req.Iterations < 1 {
		return nil, fmt.Errorf("iterations must be positive, got %d", req.Iterations)
	}

	data, err := o.backtest.LoadData(ctx, req.Backtest.Symbol, req.Backtest.Start, req.Backtest.End)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(req.Seed))
	res := &OptimizeResult{Best: -1}
	for i := 0; i < req.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		trialReq := req.Backtest
		trialReq.Params = req.Space.Sample(rng, req.Backtest.Params)

		run, err := o.backtest.RunOnData(ctx, data, trialReq)
		if err != nil {
			return res, fmt.Errorf("trial %d: %w", i, err)
		}

		trial := Trial{
			Iteration: i,
			RunID:     run.Run.ID,
			Params:    trialReq.Params,
			Report:    run.Run.Report,
			Score:     Objective(run.Run.Report),
		}
		res.Trials = append(res.Trials, trial)
		if res.Best < 0 || trial.Score > res.Trials[res.Best].Score {
			res.Best = len(res.Trials) - 1
			res.BestResult = run
		}

		o.logger.Info("Optimizer trial finished",
			zap.Int("iteration", i),
			zap.String("run_id", trial.RunID),
			zap.Float64("score", trial.Score),
			zap.Int("trades", trial.Report.Trades),
		)
	}

	best := res.Trials[res.Best]
	o.logger.Info("Optimizer finished",
		zap.Int("iterations", req.Iterations),
		zap.String("best_run_id", best.RunID),
		zap.Float64("best_score", best.Score),
	)
	return res, nil
}
