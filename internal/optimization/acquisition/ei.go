// Package acquisition scores candidate points from a surrogate's posterior.
package acquisition

import (
	"gonum.org/v1/gonum/stat/distuv"
)

// ExpectedImprovement is the expected amount by which a point improves on
// the best value seen, for minimization.
type ExpectedImprovement struct {
	bestObserved float64
	// xi trades exploitation for exploration; larger values favour
	// uncertain points.
	xi float64
}

func NewExpectedImprovement(bestObserved, xi float64) *ExpectedImprovement {
	return &ExpectedImprovement{bestObserved: bestObserved, xi: xi}
}

// Compute returns the expected improvement of a point whose posterior has
// mean mu and standard deviation sigma. It is never negative.
func (ei *ExpectedImprovement) Compute(mu, sigma float64) float64 {
	improvement := ei.bestObserved - mu - ei.xi
	if sigma <= 1e-10 {
		return max(improvement, 0)
	}
	z := improvement / sigma
	return improvement*distuv.UnitNormal.CDF(z) + sigma*distuv.UnitNormal.Prob(z)
}

// UpdateBest updates the best observed value
func (ei *ExpectedImprovement) UpdateBest(best float64) { ei.bestObserved = best }

func (ei *ExpectedImprovement) SetXi(xi float64) { ei.xi = xi }

// BestObserved returns the best observed value
func (ei *ExpectedImprovement) BestObserved() float64 { return ei.bestObserved }
