package usecase_test

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/ethpulse/internal/domain"
	"github.com/vitos/ethpulse/internal/usecase"
)

func TestSearchSpace_SampleStaysInSpace(t *testing.T) {
	space := usecase.DefaultSearchSpace()
	base := domain.DefaultStrategyParams()
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 50; i++ {
		p := space.Sample(rng, base)
		assert.Contains(t, space.CVDWindow, p.Thresholds.CVDWindow)
		assert.Contains(t, space.VWAPMinDistancePct, p.Thresholds.VWAPMinDistancePct)
		assert.Contains(t, space.OIDropPct, p.Thresholds.OIDropPct)
		assert.Contains(t, space.OIRisePct, p.Thresholds.OIRisePct)
		assert.Contains(t, space.SellScore, p.Decision.SellScore)
		assert.Contains(t, space.BuyScore, p.Decision.BuyScore)
		// Untouched parameters keep their base values.
		assert.Equal(t, base.Bear, p.Bear)
		assert.Equal(t, base.Thresholds.FundingNeutralMax, p.Thresholds.FundingNeutralMax)
	}

	empty := usecase.SearchSpace{}
	assert.Equal(t, base, empty.Sample(rng, base))
}

func TestObjective(t *testing.T) {
	tests := []struct {
		name   string
		report domain.Report
		want   float64
	}{
		{"profit factor net of drawdown", domain.Report{PF: 1.8, MaxDD: -0.3}, 1.5},
		{"empty run", domain.Report{}, 0},
		{"no losses", domain.Report{PF: math.Inf(1), MaxDD: 0}, math.Inf(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := usecase.Objective(tt.report)
			if math.IsInf(tt.want, 1) {
				assert.True(t, math.IsInf(got, 1))
				return
			}
			assert.InDelta(t, tt.want, got, epsilon)
		})
	}
}

func TestOptimizer_SeedIsReproducible(t *testing.T) {
	ctx := context.Background()
	run := func(seed int64) *usecase.OptimizeResult {
		svc := seededStore(t, 2)
		req := usecase.OptimizeRequest{
			Backtest:   backtestRequest(2),
			Iterations: 4,
			Seed:       seed,
			Space:      usecase.DefaultSearchSpace(),
		}
		req.Space.SellScore = []int{20, 25, 30}
		req.Space.BuyScore = []int{20, 25, 30}
		res, err := usecase.NewOptimizer(svc, nil).Optimize(ctx, req)
		require.NoError(t, err)
		return res
	}

	a, b := run(42), run(42)
	require.Len(t, a.Trials, 4)
	require.Len(t, b.Trials, 4)
	for i := range a.Trials {
		assert.Equal(t, a.Trials[i].Params, b.Trials[i].Params)
		assert.Equal(t, a.Trials[i].Report, b.Trials[i].Report)
	}
	assert.Equal(t, a.Best, b.Best)

	best := a.Trials[a.Best]
	for _, tr := range a.Trials {
		assert.LessOrEqual(t, tr.Score, best.Score)
	}
	assert.Equal(t, best.RunID, a.BestResult.Run.ID)
}

func TestOptimizer_RejectsZeroIterations(t *testing.T) {
	_, err := usecase.NewOptimizer(seededStore(t, 1), nil).Optimize(context.Background(), usecase.OptimizeRequest{Backtest: backtestRequest(1)})
	assert.Error(t, err)
}
