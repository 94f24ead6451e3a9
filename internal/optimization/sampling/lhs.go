// Package sampling implements space-filling generators.
package sampling

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/copyleftdev/rsopt/internal/optimization"
)

// LatinHypercubeSample draws n points inside bounds, one per stratum in
// every dimension.
func LatinHypercubeSample(rng *rand.Rand, bounds [][2]float64, n int) [][]float64 {
	nDims := len(bounds)
	samples := make([][]float64, n)
	for j := range samples {
		samples[j] = make([]float64, nDims)
	}

	strata := make([]float64, n)
	for i := 0; i < nDims; i++ {
		for j := 0; j < n; j++ {
			strata[j] = (float64(j) + rng.Float64()) / float64(n)
		}
		rng.Shuffle(n, func(k, l int) {
			strata[k], strata[l] = strata[l], strata[k]
		})

		lo, hi := bounds[i][0], bounds[i][1]
		for j := 0; j < n; j++ {
			samples[j][i] = lo + strata[j]*(hi-lo)
		}
	}
	return samples
}

// NewRand returns a seeded source, time-seeded when seed is zero.
func NewRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// LatinHypercube evaluates one Latin hypercube sample of Samples points.
type LatinHypercube struct {
	Bounds  [][2]float64
	Samples int
	// BatchSize splits the sample into batches; zero sends it in one.
	BatchSize int
	Seed      int64
}

// Run implements optimization.Generator.
func (g *LatinHypercube) Run(ctx context.Context, eval optimization.Evaluator) (*optimization.OptimizationResult, error) {
	if len(g.Bounds) == 0 {
		return nil, fmt.Errorf("latin hypercube: no parameters to sample")
	}
	if g.Samples < 1 {
		return nil, fmt.Errorf("latin hypercube: sample size must be positive, got %d", g.Samples)
	}

	points := LatinHypercubeSample(NewRand(g.Seed), g.Bounds, g.Samples)
	batch := g.BatchSize
	if batch < 1 {
		batch = len(points)
	}

	result := &optimization.OptimizationResult{}
	for start := 0; start < len(points); start += batch {
		end := min(start+batch, len(points))
		evals, err := eval.Evaluate(ctx, points[start:end])
		result.Observe(evals...)
		if err != nil {
			return result, err
		}
	}
	result.Converged = true
	return result, nil
}
