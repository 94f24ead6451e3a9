// Package multistart runs several bounded Nelder-Mead searches, each started
// from one of the best points of an initial Latin hypercube sample.
package multistart

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"

	"github.com/copyleftdev/rsopt/internal/optimization"
	"github.com/copyleftdev/rsopt/internal/optimization/sampling"
)

// Config controls a multistart run.
type Config struct {
	Bounds [][2]float64
	// Start, when set, is added as a local run start point.
	Start             []float64
	InitialSampleSize int
	MaxActiveRuns     int
	// LocalEvaluations caps each local run; zero leaves it to the converger.
	LocalEvaluations int
	Tolerance        float64
	Seed             int64
}

// Optimizer implements optimization.Generator.
type Optimizer struct {
	cfg Config

	mu     sync.Mutex
	result *optimization.OptimizationResult
	// localErrors counts local runs gonum stopped with an error, such as a
	// start point whose simulation failed.
	localErrors int
}

// New validates cfg and fills in defaults.
func New(cfg Config) (*Optimizer, error) {
	if len(cfg.Bounds) == 0 {
		return nil, fmt.Errorf("multistart: no parameters to optimize")
	}
	for i, b := range cfg.Bounds {
		if b[0] > b[1] {
			return nil, fmt.Errorf("multistart: lower bound %v above upper bound %v in dimension %d", b[0], b[1], i)
		}
	}
	if cfg.Start != nil && len(cfg.Start) != len(cfg.Bounds) {
		return nil, fmt.Errorf("multistart: start has %d values for %d parameters", len(cfg.Start), len(cfg.Bounds))
	}
	if cfg.InitialSampleSize < 1 {
		cfg.InitialSampleSize = 2 * len(cfg.Bounds)
	}
	if cfg.MaxActiveRuns < 1 {
		cfg.MaxActiveRuns = 1
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 1e-6
	}
	return &Optimizer{cfg: cfg}, nil
}

// Run samples the space, then refines the best samples concurrently.
func (o *Optimizer) Run(ctx context.Context, eval optimization.Evaluator) (*optimization.OptimizationResult, error) {
	o.result = &optimization.OptimizationResult{}

	points := sampling.LatinHypercubeSample(sampling.NewRand(o.cfg.Seed), o.cfg.Bounds, o.cfg.InitialSampleSize)
	evals, err := eval.Evaluate(ctx, points)
	o.observe(evals...)
	if err != nil {
		return o.snapshot(), err
	}

	starts := o.starts(evals)
	if len(starts) == 0 {
		return o.snapshot(), fmt.Errorf("multistart: every initial sample failed")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxActiveRuns)
	for _, s := range starts {
		g.Go(func() error {
			return o.localRun(gctx, eval, s)
		})
	}
	if err := g.Wait(); err != nil {
		return o.snapshot(), err
	}

	res := o.snapshot()
	res.Converged = true
	return res, nil
}

type startPoint struct {
	x []float64
	// f is the known value at x, nil when x was never evaluated.
	f *float64
}

// starts picks up to MaxActiveRuns start points: the configured start and
// the best successful samples.
func (o *Optimizer) starts(evals []optimization.Evaluation) []startPoint {
	var ok []optimization.Evaluation
	for _, e := range evals {
		if !e.Failed() {
			ok = append(ok, e)
		}
	}
	values := make([]float64, len(ok))
	for i, e := range ok {
		values[i] = e.Solution.Value
	}
	idx := make([]int, len(ok))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return values[idx[a]] < values[idx[b]] })

	var starts []startPoint
	if o.cfg.Start != nil {
		starts = append(starts, startPoint{x: append([]float64(nil), o.cfg.Start...)})
	}
	for _, i := range idx {
		if len(starts) >= o.cfg.MaxActiveRuns {
			break
		}
		f := values[i]
		starts = append(starts, startPoint{x: append([]float64(nil), ok[i].Solution.Parameters...), f: &f})
	}
	return starts
}

func (o *Optimizer) localRun(ctx context.Context, eval optimization.Evaluator, start startPoint) error {
	var (
		stopErr error
		stopMu  sync.Mutex
	)
	stop := func(err error) {
		stopMu.Lock()
		if stopErr == nil {
			stopErr = err
		}
		stopMu.Unlock()
	}
	stopReason := func() error {
		stopMu.Lock()
		defer stopMu.Unlock()
		return stopErr
	}
	stopped := func() bool { return stopReason() != nil }

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			if stopped() {
				return math.Inf(1)
			}
			p := o.clamp(x)
			evals, err := eval.Evaluate(ctx, [][]float64{p})
			if err != nil {
				stop(err)
				return math.Inf(1)
			}
			if len(evals) == 0 {
				return math.Inf(1)
			}
			if stderrors.Is(evals[0].Error, optimization.ErrBudgetExhausted) {
				stop(optimization.ErrBudgetExhausted)
				return math.Inf(1)
			}
			o.observe(evals[0])
			if evals[0].Failed() {
				return math.Inf(1)
			}
			return evals[0].Solution.Value
		},
		Status: func() (optimize.Status, error) {
			if stopped() {
				return optimize.MethodConverge, nil
			}
			return optimize.NotTerminated, nil
		},
	}

	settings := &optimize.Settings{
		FuncEvaluations: o.cfg.LocalEvaluations,
		Converger: &optimize.FunctionConverge{
			Absolute:   o.cfg.Tolerance,
			Relative:   o.cfg.Tolerance,
			Iterations: 20,
		},
	}
	method := &optimize.NelderMead{
		Reflection:  1.0,
		Expansion:   2.0,
		Contraction: 0.5,
		Shrink:      0.5,
		SimplexSize: o.simplexSize(),
	}
	if start.f != nil {
		settings.InitValues = &optimize.Location{X: start.x, F: *start.f}
	}

	_, err := optimize.Minimize(problem, start.x, settings, method)
	if err != nil {
		o.mu.Lock()
		o.localErrors++
		o.mu.Unlock()
	}
	if stopErr := stopReason(); stopErr != nil {
		if stderrors.Is(stopErr, optimization.ErrBudgetExhausted) {
			return nil
		}
		return stopErr
	}
	return ctx.Err()
}

// simplexSize scales the initial simplex to a fifth of the narrowest range.
func (o *Optimizer) simplexSize() float64 {
	widths := make([]float64, len(o.cfg.Bounds))
	for i, b := range o.cfg.Bounds {
		widths[i] = b[1] - b[0]
	}
	size := 0.2 * floats.Min(widths)
	if size <= 0 {
		return 0.05
	}
	return size
}

func (o *Optimizer) clamp(x []float64) []float64 {
	p := make([]float64, len(x))
	for i := range x {
		p[i] = math.Max(o.cfg.Bounds[i][0], math.Min(x[i], o.cfg.Bounds[i][1]))
	}
	return p
}

func (o *Optimizer) observe(evals ...optimization.Evaluation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.result.Observe(evals...)
}

func (o *Optimizer) snapshot() *optimization.OptimizationResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	res := *o.result
	res.History = append([]optimization.Evaluation(nil), o.result.History...)
	return &res
}

// LocalErrors is the number of local runs that ended with an error.
func (o *Optimizer) LocalErrors() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.localErrors
}

// BestSolution returns the best point seen so far.
func (o *Optimizer) BestSolution() *optimization.Solution {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.result == nil {
		return nil
	}
	return o.result.BestSolution
}
