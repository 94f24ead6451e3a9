package bayesian

import (
	"context"
	stderrors "errors"
	"math"
	"math/rand"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/copyleftdev/rsopt/internal/errors"
	"github.com/copyleftdev/rsopt/internal/optimization"
	"github.com/copyleftdev/rsopt/internal/optimization/acquisition"
	"github.com/copyleftdev/rsopt/internal/optimization/kernels"
	"github.com/copyleftdev/rsopt/internal/optimization/sampling"
)

// Config controls a Bayesian optimization run. Distances are measured in
// the unit cube the bounds are mapped onto.
type Config struct {
	Bounds            [][2]float64
	InitialSampleSize int
	// BatchSize points are proposed per round; after the first, each
	// proposal assumes the earlier ones return the posterior mean.
	BatchSize int
	// MaxEvaluations stops the run when the evaluator has no budget of its
	// own. Zero means 50.
	MaxEvaluations int
	Kernel         string
	LengthScale    float64
	NoiseVar       float64
	Xi             float64
	// Tolerance ends the run once no candidate is expected to improve by
	// more than it.
	Tolerance float64
	Seed      int64
	Logger    *zap.Logger
}

// Optimizer proposes points by maximizing expected improvement under a
// Gaussian process fitted to every successful evaluation so far. It
// implements optimization.Generator.
type Optimizer struct {
	cfg    Config
	kernel kernels.Kernel
	rng    *rand.Rand
	logger *zap.Logger
}

// NewOptimizer validates cfg and fills in defaults.
func NewOptimizer(cfg Config) (*Optimizer, error) {
	if len(cfg.Bounds) == 0 {
		return nil, errors.New(errors.KindConfig, "no parameters to optimize").WithComponent("bayesian")
	}
	for i, b := range cfg.Bounds {
		if b[0] > b[1] {
			return nil, errors.Errorf(errors.KindConfig, "lower bound %v above upper bound %v in dimension %d", b[0], b[1], i).
				WithComponent("bayesian")
		}
	}
	if cfg.InitialSampleSize < 1 {
		cfg.InitialSampleSize = max(2*len(cfg.Bounds), 5)
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.MaxEvaluations < 1 {
		cfg.MaxEvaluations = 50
	}
	if cfg.LengthScale <= 0 {
		cfg.LengthScale = 0.25
	}
	if cfg.NoiseVar <= 0 {
		cfg.NoiseVar = 1e-6
	}
	if cfg.Xi < 0 {
		cfg.Xi = 0
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 1e-9
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	kernel, err := kernels.New(cfg.Kernel, cfg.LengthScale, 1)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "kernel").WithComponent("bayesian")
	}
	return &Optimizer{
		cfg:    cfg,
		kernel: kernel,
		rng:    sampling.NewRand(cfg.Seed),
		logger: cfg.Logger.Named("bayesian"),
	}, nil
}

// Run implements optimization.Generator.
func (o *Optimizer) Run(ctx context.Context, eval optimization.Evaluator) (*optimization.OptimizationResult, error) {
	result := &optimization.OptimizationResult{}

	initial := min(o.cfg.InitialSampleSize, o.cfg.MaxEvaluations)
	points := sampling.LatinHypercubeSample(o.rng, o.cfg.Bounds, initial)
	done, err := o.evaluate(ctx, eval, points, result)
	if done || err != nil {
		return result, err
	}

	for result.Iterations < o.cfg.MaxEvaluations {
		n := min(o.cfg.BatchSize, o.cfg.MaxEvaluations-result.Iterations)
		points, improvement := o.propose(result, n)
		if points == nil {
			o.logger.Info("Expected improvement below tolerance",
				zap.Float64("expected_improvement", improvement),
				zap.Int("evaluations", result.Iterations))
			result.Converged = true
			return result, nil
		}

		done, err := o.evaluate(ctx, eval, points, result)
		if done || err != nil {
			return result, err
		}
	}
	return result, nil
}

// evaluate runs points and reports whether the evaluator's budget ran out.
func (o *Optimizer) evaluate(ctx context.Context, eval optimization.Evaluator, points [][]float64, result *optimization.OptimizationResult) (bool, error) {
	evals, err := eval.Evaluate(ctx, points)
	result.Observe(evals...)
	if err != nil {
		return true, err
	}
	for _, e := range evals {
		if stderrors.Is(e.Error, optimization.ErrBudgetExhausted) {
			return true, nil
		}
	}
	return false, nil
}

// propose returns n points to evaluate next, or nil with the best expected
// improvement when none is worth evaluating.
func (o *Optimizer) propose(result *optimization.OptimizationResult, n int) ([][]float64, float64) {
	var X [][]float64
	var y []float64
	for _, e := range result.History {
		if e.Failed() {
			continue
		}
		X = append(X, o.toUnit(e.Solution.Parameters))
		y = append(y, e.Solution.Value)
	}
	if len(X) < 2 {
		o.logger.Debug("Too few successful evaluations for a surrogate, sampling", zap.Int("successful", len(X)))
		return sampling.LatinHypercubeSample(o.rng, o.cfg.Bounds, n), math.Inf(1)
	}

	points := make([][]float64, 0, n)
	bestImprovement := 0.0
	for len(points) < n {
		gp := NewGP(o.kernel, o.cfg.NoiseVar, o.logger)
		if err := gp.Fit(mat.NewDense(len(X), len(o.cfg.Bounds), flatten(X)), mat.NewVecDense(len(y), y)); err != nil {
			o.logger.Warn("Surrogate fit failed, sampling instead", zap.Error(err))
			return append(points, sampling.LatinHypercubeSample(o.rng, o.cfg.Bounds, n-len(points))...), math.Inf(1)
		}

		u, improvement, mu := o.maximizeEI(gp, X[argmin(y)], minOf(y))
		if len(points) == 0 {
			bestImprovement = improvement
			if improvement < o.cfg.Tolerance {
				return nil, improvement
			}
		}
		points = append(points, o.fromUnit(u))
		X = append(X, u)
		y = append(y, mu)
	}
	return points, bestImprovement
}

// maximizeEI searches the unit cube from the incumbent and random starts
// and returns the best point with its expected improvement and posterior
// mean.
func (o *Optimizer) maximizeEI(gp *GP, incumbent []float64, best float64) ([]float64, float64, float64) {
	d := len(o.cfg.Bounds)
	ei := acquisition.NewExpectedImprovement(best, o.cfg.Xi)

	predict := func(u []float64) (float64, float64) {
		mean, variance, err := gp.Predict(mat.NewDense(1, d, clampUnit(u)))
		if err != nil {
			return math.Inf(1), 0
		}
		return mean.AtVec(0), math.Sqrt(variance.AtVec(0))
	}
	negEI := func(u []float64) float64 {
		mu, sigma := predict(u)
		if math.IsInf(mu, 1) {
			return 0
		}
		return -ei.Compute(mu, sigma)
	}

	starts := [][]float64{append([]float64(nil), incumbent...)}
	for i := 0; i < 5+int(5*math.Sqrt(float64(d))); i++ {
		u := make([]float64, d)
		for j := range u {
			u[j] = o.rng.Float64()
		}
		starts = append(starts, u)
	}

	settings := &optimize.Settings{
		FuncEvaluations: 200 * d,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-10,
			Relative:   1e-8,
			Iterations: 50,
		},
	}

	bestU := clampUnit(starts[0])
	bestVal := negEI(bestU)
	for _, start := range starts {
		method := &optimize.NelderMead{
			Reflection:  1.0,
			Expansion:   2.0,
			Contraction: 0.5,
			Shrink:      0.5,
			SimplexSize: 0.1,
		}
		res, err := optimize.Minimize(optimize.Problem{Func: negEI}, start, settings, method)
		if err != nil || res == nil {
			continue
		}
		if u := clampUnit(res.X); negEI(u) < bestVal {
			bestU, bestVal = u, negEI(u)
		}
	}

	mu, _ := predict(bestU)
	return bestU, -bestVal, mu
}

func (o *Optimizer) toUnit(x []float64) []float64 {
	u := make([]float64, len(x))
	for i, b := range o.cfg.Bounds {
		if w := b[1] - b[0]; w > 0 {
			u[i] = (x[i] - b[0]) / w
		}
	}
	return u
}

func (o *Optimizer) fromUnit(u []float64) []float64 {
	x := make([]float64, len(u))
	for i, b := range o.cfg.Bounds {
		x[i] = b[0] + u[i]*(b[1]-b[0])
	}
	return x
}

func clampUnit(u []float64) []float64 {
	c := make([]float64, len(u))
	for i, v := range u {
		c[i] = math.Max(0, math.Min(v, 1))
	}
	return c
}

func flatten(rows [][]float64) []float64 {
	var out []float64
	for _, r := range rows {
		out = append(out, r...)
	}
	return out
}

func argmin(v []float64) int {
	best := 0
	for i := range v {
		if v[i] < v[best] {
			best = i
		}
	}
	return best
}

func minOf(v []float64) float64 { return v[argmin(v)] }
