package optimization

import (
	"context"
	stderrors "errors"
	"math"

	"github.com/copyleftdev/rsopt/internal/parameters"
)

// ErrBudgetExhausted is returned by an Evaluator once the run may not
// start any more simulations.
var ErrBudgetExhausted = stderrors.New("simulation budget exhausted")

// Evaluator runs simulations for the points a generator proposes. Evaluate
// blocks until every point is finished and is safe for concurrent use.
// Points past the budget come back with Error set to ErrBudgetExhausted.
type Evaluator interface {
	Evaluate(ctx context.Context, points [][]float64) ([]Evaluation, error)
}

// Generator proposes points and consumes their results until it converges,
// runs out of budget or ctx is cancelled.
type Generator interface {
	Run(ctx context.Context, eval Evaluator) (*OptimizationResult, error)
}

// ObjectiveFunction is an in-process objective.
type ObjectiveFunction func([]float64) (float64, error)

// Solution represents a solution in the optimization space
type Solution struct {
	Parameters []float64 `json:"parameters"`
	Value      float64   `json:"value"`
}

// Evaluation is one finished simulation.
type Evaluation struct {
	Iteration int       `json:"sim_id"`
	Solution  *Solution `json:"solution"`
	Error     error     `json:"-"`
}

// Failed reports whether the evaluation produced no usable value. A NaN
// value, from a run with no objective, counts as failed.
func (e Evaluation) Failed() bool {
	return e.Error != nil || e.Solution == nil || math.IsNaN(e.Solution.Value)
}

// OptimizationResult contains the result of an optimization run
type OptimizationResult struct {
	BestSolution *Solution
	History      []Evaluation
	Iterations   int
	Converged    bool
}

// Observe folds evaluations into the result, keeping the lowest value as
// the best solution.
func (r *OptimizationResult) Observe(evals ...Evaluation) {
	for _, e := range evals {
		if e.Failed() && stderrors.Is(e.Error, ErrBudgetExhausted) {
			continue
		}
		r.History = append(r.History, e)
		r.Iterations++
		if e.Failed() {
			continue
		}
		if r.BestSolution == nil || e.Solution.Value < r.BestSolution.Value {
			r.BestSolution = &Solution{
				Parameters: append([]float64(nil), e.Solution.Parameters...),
				Value:      e.Solution.Value,
			}
		}
	}
}

// ExitCriteria bounds a run.
type ExitCriteria struct {
	SimMax int `json:"sim_max"`
}

// Optimizer describes an optimization: the method, its options and the
// search space. Bounds and start are always derived from the parameters.
type Optimizer struct {
	Method       string
	Options      map[string]interface{}
	ExitCriteria ExitCriteria
	Settings     *parameters.Settings
	Parameters   *parameters.Parameters
}

// New returns an optimizer over params.
func New(method string, params *parameters.Parameters, settings *parameters.Settings) *Optimizer {
	if params == nil {
		params = parameters.NewParameters()
	}
	if settings == nil {
		settings = parameters.NewSettings()
	}
	return &Optimizer{
		Method:     method,
		Options:    make(map[string]interface{}),
		Settings:   settings,
		Parameters: params,
	}
}

// SetParameters reads a parameters block.
func (o *Optimizer) SetParameters(value interface{}) error {
	return parameters.ReadParameters(o.Parameters, value)
}

// SetSettings reads a settings block.
func (o *Optimizer) SetSettings(value interface{}) error {
	return parameters.ReadSettings(o.Settings, value)
}

func (o *Optimizer) LowerBound() []float64 { return o.Parameters.LowerBound() }

func (o *Optimizer) UpperBound() []float64 { return o.Parameters.UpperBound() }

func (o *Optimizer) Start() []float64 { return o.Parameters.Start() }

func (o *Optimizer) Bounds() [][2]float64 { return o.Parameters.Bounds() }

// Dimension is the number of parameters.
func (o *Optimizer) Dimension() int { return o.Parameters.Len() }

// IntOption reads a numeric option, falling back to def.
func (o *Optimizer) IntOption(name string, def int) int {
	v, ok := o.Options[name]
	if !ok {
		return def
	}
	f, err := parameters.ToFloat(v)
	if err != nil {
		return def
	}
	return int(f)
}

// FloatOption reads a numeric option, falling back to def.
func (o *Optimizer) FloatOption(name string, def float64) float64 {
	v, ok := o.Options[name]
	if !ok {
		return def
	}
	f, err := parameters.ToFloat(v)
	if err != nil {
		return def
	}
	return f
}
