package multistart

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/rsopt/internal/optimization"
)

func shiftedQuadratic(x []float64) (float64, error) {
	return (x[0]-1)*(x[0]-1) + (x[1]+2)*(x[1]+2), nil
}

func TestMultistartFindsMinimum(t *testing.T) {
	o, err := New(Config{
		Bounds:            [][2]float64{{-5, 5}, {-5, 5}},
		InitialSampleSize: 10,
		MaxActiveRuns:     2,
		Tolerance:         1e-10,
		Seed:              42,
	})
	require.NoError(t, err)

	eval := &optimization.FuncEvaluator{Objective: shiftedQuadratic, Budget: 600}
	res, err := o.Run(context.Background(), eval)
	require.NoError(t, err)
	require.NotNil(t, res.BestSolution)

	assert.InDelta(t, 0, res.BestSolution.Value, 1e-3)
	assert.InDelta(t, 1, res.BestSolution.Parameters[0], 0.05)
	assert.InDelta(t, -2, res.BestSolution.Parameters[1], 0.05)
	assert.LessOrEqual(t, eval.Count(), 600)
	assert.Equal(t, res.BestSolution, o.BestSolution())
}

func TestMultistartStaysInBounds(t *testing.T) {
	o, err := New(Config{Bounds: [][2]float64{{2, 3}, {0, 1}}, InitialSampleSize: 4, Seed: 3})
	require.NoError(t, err)

	var outside atomic.Int32
	eval := &optimization.FuncEvaluator{
		Objective: func(x []float64) (float64, error) {
			if x[0] < 2 || x[0] > 3 || x[1] < 0 || x[1] > 1 {
				outside.Add(1)
			}
			return shiftedQuadratic(x)
		},
		Budget: 80,
	}
	_, err = o.Run(context.Background(), eval)
	require.NoError(t, err)
	assert.Zero(t, outside.Load())
	assert.LessOrEqual(t, eval.Count(), 80)
}

func TestMultistartBudgetStopsRun(t *testing.T) {
	o, err := New(Config{Bounds: [][2]float64{{-1, 1}, {-1, 1}}, InitialSampleSize: 5, MaxActiveRuns: 3, Seed: 1})
	require.NoError(t, err)

	eval := &optimization.FuncEvaluator{Objective: shiftedQuadratic, Budget: 12}
	res, err := o.Run(context.Background(), eval)
	require.NoError(t, err)
	assert.Equal(t, 12, eval.Count())
	assert.Len(t, res.History, 12)
}

func TestMultistartAllSamplesFail(t *testing.T) {
	o, err := New(Config{Bounds: [][2]float64{{0, 1}}, InitialSampleSize: 3})
	require.NoError(t, err)
	eval := &optimization.FuncEvaluator{Objective: func([]float64) (float64, error) { return 0, fmt.Errorf("crash") }}
	_, err = o.Run(context.Background(), eval)
	assert.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Bounds: [][2]float64{{1, 0}}})
	assert.Error(t, err)
	_, err = New(Config{Bounds: [][2]float64{{0, 1}}, Start: []float64{0, 0}})
	assert.Error(t, err)

	o, err := New(Config{Bounds: [][2]float64{{0, 1}, {0, 2}}})
	require.NoError(t, err)
	assert.Equal(t, 4, o.cfg.InitialSampleSize)
	assert.Equal(t, 1, o.cfg.MaxActiveRuns)
}
