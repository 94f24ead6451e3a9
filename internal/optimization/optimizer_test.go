package optimization

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/rsopt/internal/parameters"
)

func TestOptimizerBoundsFollowParameters(t *testing.T) {
	o := New("nelder-mead", nil, nil)
	require.NoError(t, o.SetParameters([]parameters.Entry{
		{Key: "x", Value: map[string]interface{}{"min": -1.0, "max": 3.0}},
		{Key: "y", Value: map[string]interface{}{"min": 0, "max": 10, "start": 2}},
	}))
	require.NoError(t, o.SetSettings(map[string]interface{}{"mode": "fast"}))

	assert.Equal(t, 2, o.Dimension())
	assert.Equal(t, []float64{-1, 0}, o.LowerBound())
	assert.Equal(t, []float64{3, 10}, o.UpperBound())
	assert.Equal(t, []float64{1, 2}, o.Start())
	assert.Equal(t, [][2]float64{{-1, 3}, {0, 10}}, o.Bounds())

	o.Options["max_active_runs"] = 3
	o.Options["tol"] = "1e-4"
	assert.Equal(t, 3, o.IntOption("max_active_runs", 1))
	assert.Equal(t, 7, o.IntOption("missing", 7))
	assert.InDelta(t, 1e-4, o.FloatOption("tol", 0), 1e-12)
}

func TestObserveKeepsBest(t *testing.T) {
	res := &OptimizationResult{}
	res.Observe(
		Evaluation{Iteration: 5, Solution: &Solution{Parameters: []float64{0}, Value: math.NaN()}},
		Evaluation{Iteration: 0, Solution: &Solution{Parameters: []float64{1}, Value: 3}},
		Evaluation{Iteration: 1, Solution: &Solution{Parameters: []float64{2}, Value: 1}},
		Evaluation{Iteration: 2, Solution: &Solution{Parameters: []float64{3}}, Error: fmt.Errorf("boom")},
		Evaluation{Iteration: -1, Error: ErrBudgetExhausted},
	)

	assert.Equal(t, 4, res.Iterations)
	assert.Len(t, res.History, 4)
	assert.True(t, res.History[0].Failed(), "NaN values are not usable")
	require.NotNil(t, res.BestSolution)
	assert.Equal(t, 1.0, res.BestSolution.Value)
	assert.Equal(t, []float64{2}, res.BestSolution.Parameters)
}

func TestFuncEvaluatorBudget(t *testing.T) {
	eval := &FuncEvaluator{
		Objective: func(x []float64) (float64, error) { return x[0] * x[0], nil },
		Budget:    2,
	}
	evals, err := eval.Evaluate(context.Background(), [][]float64{{1}, {2}, {3}})
	require.NoError(t, err)
	require.Len(t, evals, 3)
	assert.Equal(t, 4.0, evals[1].Solution.Value)
	assert.ErrorIs(t, evals[2].Error, ErrBudgetExhausted)
	assert.Equal(t, 2, eval.Count())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = eval.Evaluate(ctx, [][]float64{{1}})
	assert.ErrorIs(t, err, context.Canceled)
}
