package optimization

import (
	"context"
	"sync"
)

// FuncEvaluator evaluates an in-process objective, one point at a time. A
// positive Budget caps the number of evaluations.
type FuncEvaluator struct {
	Objective ObjectiveFunction
	Budget    int

	mu    sync.Mutex
	count int
}

// Evaluate implements Evaluator.
func (f *FuncEvaluator) Evaluate(ctx context.Context, points [][]float64) ([]Evaluation, error) {
	out := make([]Evaluation, len(points))
	for i, x := range points {
		if err := ctx.Err(); err != nil {
			return out[:i], err
		}

		f.mu.Lock()
		if f.Budget > 0 && f.count >= f.Budget {
			f.mu.Unlock()
			out[i] = Evaluation{Iteration: -1, Error: ErrBudgetExhausted}
			continue
		}
		id := f.count
		f.count++
		f.mu.Unlock()

		x = append([]float64(nil), x...)
		value, err := f.Objective(x)
		if err != nil {
			out[i] = Evaluation{Iteration: id, Solution: &Solution{Parameters: x}, Error: err}
			continue
		}
		out[i] = Evaluation{Iteration: id, Solution: &Solution{Parameters: x, Value: value}}
	}
	return out, nil
}

// Count is the number of evaluations started.
func (f *FuncEvaluator) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}
