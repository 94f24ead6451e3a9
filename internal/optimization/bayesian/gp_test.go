package bayesian

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/rsopt/internal/errors"
	"github.com/copyleftdev/rsopt/internal/optimization/kernels"
)

func TestGPInterpolatesTrainingPoints(t *testing.T) {
	X := mat.NewDense(4, 1, []float64{0, 0.3, 0.6, 1})
	y := mat.NewVecDense(4, []float64{4, 1, 2, 7})

	gp := NewGP(kernels.NewMatern52(0.3, 1), 1e-8, nil)
	require.NoError(t, gp.Fit(X, y))

	mean, variance, err := gp.Predict(X)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		assert.InDelta(t, y.AtVec(i), mean.AtVec(i), 1e-3, "mean at training point %d", i)
		assert.Less(t, variance.AtVec(i), 1e-3, "variance at training point %d", i)
	}
}

func TestGPVarianceGrowsAwayFromData(t *testing.T) {
	X := mat.NewDense(2, 2, []float64{0, 0, 0.1, 0.1})
	y := mat.NewVecDense(2, []float64{1, 2})

	gp := NewGP(kernels.NewRBF(0.2, 1), 1e-6, nil)
	require.NoError(t, gp.Fit(X, y))

	_, variance, err := gp.Predict(mat.NewDense(2, 2, []float64{0.05, 0.05, 0.9, 0.9}))
	require.NoError(t, err)
	assert.Less(t, variance.AtVec(0), variance.AtVec(1))
	assert.False(t, math.IsNaN(variance.AtVec(1)))
}

func TestGPWithNoise(t *testing.T) {
	X := mat.NewDense(3, 1, []float64{-1, 0, 1})
	y := mat.NewVecDense(3, []float64{1, 0, 1})

	gp := NewGP(kernels.NewRBF(1, 1), 0.1, nil)
	require.NoError(t, gp.Fit(X, y))

	means, variances, err := gp.Predict(X)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, y.AtVec(i), means.AtVec(i), 0.5, "prediction should be close to training data")
		assert.Greater(t, variances.AtVec(i), 0.0, "variance should be positive")
	}
}

func TestGPDuplicatePoints(t *testing.T) {
	X := mat.NewDense(3, 1, []float64{0.5, 0.5, 0.2})
	y := mat.NewVecDense(3, []float64{1, 1, 3})

	gp := NewGP(kernels.NewRBF(0.3, 1), 0, nil)
	require.NoError(t, gp.Fit(X, y), "jitter should rescue a singular kernel matrix")
}

func TestGPErrorHandling(t *testing.T) {
	gp := NewGP(kernels.NewRBF(1, 1), 1e-6, nil)

	tests := []struct {
		name string
		X    *mat.Dense
		y    *mat.VecDense
		kind errors.Kind
		msg  string
	}{
		{"nil input", nil, nil, errors.KindValue, "must not be nil"},
		{"empty input", &mat.Dense{}, &mat.VecDense{}, errors.KindShape, "must not be empty"},
		{"mismatched", mat.NewDense(3, 1, []float64{1, 2, 3}), mat.NewVecDense(2, []float64{1, 2}), errors.KindShape, "X has 3 samples but y has length 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := gp.Fit(tt.X, tt.y)
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, tt.kind), "kind of %v", err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}

	_, _, err := gp.Predict(mat.NewDense(1, 1, []float64{0}))
	assert.ErrorContains(t, err, "not fitted")

	require.NoError(t, gp.Fit(mat.NewDense(2, 1, []float64{0, 1}), mat.NewVecDense(2, []float64{0, 1})))
	_, _, err = gp.Predict(mat.NewDense(1, 2, []float64{0, 0}))
	assert.True(t, errors.IsKind(err, errors.KindShape))
}
