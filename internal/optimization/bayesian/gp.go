// Package bayesian implements a Gaussian process surrogate and the
// expected improvement generator built on it.
package bayesian

import (
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/rsopt/internal/errors"
	"github.com/copyleftdev/rsopt/internal/optimization/kernels"
)

const maxJitterAttempts = 8

// GP is a Gaussian process regression model. Targets are standardized
// before fitting and predictions are returned in the original scale.
type GP struct {
	kernel   kernels.Kernel
	noiseVar float64
	logger   *zap.Logger

	X     *mat.Dense
	yMean float64
	yStd  float64

	alpha *mat.VecDense
	chol  *mat.Cholesky
}

// NewGP creates a new Gaussian Process model
func NewGP(kernel kernels.Kernel, noiseVar float64, logger *zap.Logger) *GP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GP{
		kernel:   kernel,
		noiseVar: noiseVar,
		logger:   logger.Named("gaussian_process"),
	}
}

// Fit conditions the model on the rows of X and their targets y.
func (gp *GP) Fit(X *mat.Dense, y *mat.VecDense) error {
	if X == nil || y == nil {
		return errors.New(errors.KindValue, "input matrices must not be nil").
			WithComponent("gaussian_process").WithOperation("fit")
	}
	n, d := X.Dims()
	if n == 0 || d == 0 {
		return errors.New(errors.KindShape, "input matrix X must not be empty").
			WithComponent("gaussian_process").WithOperation("fit")
	}
	if n != y.Len() {
		return errors.Errorf(errors.KindShape, "X has %d samples but y has length %d", n, y.Len()).
			WithComponent("gaussian_process").WithOperation("fit")
	}

	targets := mat.Col(nil, 0, y)
	mean, std := stat.MeanStdDev(targets, nil)
	if n < 2 || math.IsNaN(std) || std < 1e-12 {
		std = 1
	}
	for i := range targets {
		targets[i] = (targets[i] - mean) / std
	}

	K := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		xi := X.RawRowView(i)
		for j := i; j < n; j++ {
			K.SetSym(i, j, gp.kernel.Eval(xi, X.RawRowView(j)))
		}
	}

	chol, jitter, err := gp.factorize(K)
	if err != nil {
		return err
	}
	alpha := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(alpha, mat.NewVecDense(n, targets)); err != nil {
		return errors.Wrap(err, errors.KindUnknown, "solve for GP weights").
			WithComponent("gaussian_process").WithOperation("fit")
	}

	gp.X = mat.DenseCopyOf(X)
	gp.yMean, gp.yStd = mean, std
	gp.alpha = alpha
	gp.chol = chol

	gp.logger.Debug("Fitted GP model",
		zap.Int("samples", n),
		zap.Int("features", d),
		zap.Float64("jitter", jitter),
	)
	return nil
}

// factorize adds the noise variance to the diagonal and, when K is not
// numerically positive definite, retries with growing jitter.
func (gp *GP) factorize(K *mat.SymDense) (*mat.Cholesky, float64, error) {
	n := K.SymmetricDim()
	jitter := 0.0
	for attempt := 0; attempt < maxJitterAttempts; attempt++ {
		Kj := mat.NewSymDense(n, nil)
		Kj.CopySym(K)
		for i := 0; i < n; i++ {
			Kj.SetSym(i, i, Kj.At(i, i)+gp.noiseVar+jitter)
		}

		var chol mat.Cholesky
		if chol.Factorize(Kj) {
			return &chol, jitter, nil
		}
		gp.logger.Debug("Cholesky factorization failed, increasing jitter",
			zap.Int("attempt", attempt+1),
			zap.Float64("jitter", jitter))
		if jitter == 0 {
			jitter = 1e-10
		} else {
			jitter *= 10
		}
	}
	return nil, jitter, errors.New(errors.KindUnknown, "kernel matrix is not positive definite").
		WithComponent("gaussian_process").WithOperation("fit")
}

// Predict returns the posterior mean and variance at the rows of X.
func (gp *GP) Predict(X *mat.Dense) (*mat.VecDense, *mat.VecDense, error) {
	if X == nil {
		return nil, nil, errors.New(errors.KindValue, "input matrix X is nil").
			WithComponent("gaussian_process").WithOperation("predict")
	}
	if gp.alpha == nil {
		return nil, nil, errors.New(errors.KindValue, "model is not fitted").
			WithComponent("gaussian_process").WithOperation("predict")
	}
	nTest, d := X.Dims()
	nTrain, features := gp.X.Dims()
	if d != features {
		return nil, nil, errors.Errorf(errors.KindShape, "test points have %d features, model has %d", d, features).
			WithComponent("gaussian_process").WithOperation("predict")
	}

	Kstar := mat.NewDense(nTest, nTrain, nil)
	prior := make([]float64, nTest)
	for i := 0; i < nTest; i++ {
		x := X.RawRowView(i)
		prior[i] = gp.kernel.Eval(x, x)
		for j := 0; j < nTrain; j++ {
			Kstar.Set(i, j, gp.kernel.Eval(x, gp.X.RawRowView(j)))
		}
	}

	mean := mat.NewVecDense(nTest, nil)
	mean.MulVec(Kstar, gp.alpha)

	var v mat.Dense
	if err := gp.chol.SolveTo(&v, Kstar.T()); err != nil {
		return nil, nil, errors.Wrap(err, errors.KindUnknown, "solve for posterior variance").
			WithComponent("gaussian_process").WithOperation("predict")
	}

	variance := mat.NewVecDense(nTest, nil)
	for i := 0; i < nTest; i++ {
		var reduction float64
		for j := 0; j < nTrain; j++ {
			reduction += Kstar.At(i, j) * v.At(j, i)
		}
		mean.SetVec(i, gp.yMean+gp.yStd*mean.AtVec(i))
		variance.SetVec(i, math.Max(0, prior[i]-reduction)*gp.yStd*gp.yStd)
	}
	return mean, variance, nil
}
