package acquisition

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpectedImprovement(t *testing.T) {
	tests := []struct {
		name         string
		bestObserved float64
		xi           float64
		mu           float64
		sigma        float64
		expected     float64
	}{
		{name: "certain and worse", bestObserved: 1, xi: 0.01, mu: 1.5, sigma: 0, expected: 0},
		{name: "definite improvement", bestObserved: 1, xi: 0.01, mu: 0.5, sigma: 0.2, expected: 0.4905},
		{name: "zero sigma", bestObserved: 1, xi: 0, mu: 0.5, sigma: 0, expected: 0.5},
		{name: "at the best", bestObserved: 1, xi: 0, mu: 1, sigma: 1, expected: 0.3989},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ei := NewExpectedImprovement(tt.bestObserved, tt.xi)
			assert.InDelta(t, tt.expected, ei.Compute(tt.mu, tt.sigma), 1e-4)
		})
	}
}

func TestExpectedImprovementUncertainWorsePoint(t *testing.T) {
	ei := NewExpectedImprovement(1, 0.01)
	got := ei.Compute(1.5, 0.5)
	assert.Greater(t, got, 0.0, "an uncertain point keeps some chance of improving")
	assert.Less(t, got, ei.Compute(1.5, 1.0), "more uncertainty means more expected improvement")
}

func TestExpectedImprovementUpdate(t *testing.T) {
	ei := NewExpectedImprovement(1.0, 0.01)
	assert.Equal(t, 1.0, ei.BestObserved())

	ei.UpdateBest(0.5)
	assert.Equal(t, 0.5, ei.BestObserved())

	ei.SetXi(0.01)
	assert.Greater(t, ei.Compute(0.4, 0.1), 0.0)
	assert.Less(t, ei.Compute(0.6, 0.01), 1e-6)
}
