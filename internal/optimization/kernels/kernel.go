// Package kernels holds the covariance functions of the surrogate model.
package kernels

import (
	"fmt"
	"math"
	"strings"
)

// Kernel is a stationary covariance function. Both parameters of the
// kernels here are a length scale and a signal variance.
type Kernel interface {
	Eval(x1, x2 []float64) float64
	Hyperparameters() []float64
	SetHyperparameters(params []float64) error
}

// New returns the kernel named name: "rbf" or "matern52" (the default).
func New(name string, lengthScale, signalVar float64) (Kernel, error) {
	if err := checkParams(lengthScale, signalVar); err != nil {
		return nil, err
	}
	switch strings.ToLower(name) {
	case "", "matern52", "matern":
		return &Matern52{lengthScale: lengthScale, signalVar: signalVar}, nil
	case "rbf", "squared_exponential":
		return &RBF{lengthScale: lengthScale, signalVar: signalVar}, nil
	}
	return nil, fmt.Errorf("unknown kernel %q", name)
}

func checkParams(lengthScale, signalVar float64) error {
	if lengthScale <= 0 || signalVar <= 0 {
		return fmt.Errorf("kernel hyperparameters must be positive, got length scale %v and signal variance %v",
			lengthScale, signalVar)
	}
	return nil
}

func sqDist(x1, x2 []float64) float64 {
	var sum float64
	for i := range x1 {
		d := x1[i] - x2[i]
		sum += d * d
	}
	return sum
}

// RBF is the squared exponential kernel.
type RBF struct {
	lengthScale float64
	signalVar   float64
}

// NewRBF panics on non-positive parameters; use New to get an error.
func NewRBF(lengthScale, signalVar float64) *RBF {
	if err := checkParams(lengthScale, signalVar); err != nil {
		panic(err)
	}
	return &RBF{lengthScale: lengthScale, signalVar: signalVar}
}

func (k *RBF) Eval(x1, x2 []float64) float64 {
	return k.signalVar * math.Exp(-sqDist(x1, x2)/(2*k.lengthScale*k.lengthScale))
}

func (k *RBF) Hyperparameters() []float64 { return []float64{k.lengthScale, k.signalVar} }

func (k *RBF) SetHyperparameters(params []float64) error {
	if len(params) != 2 {
		return fmt.Errorf("expected 2 hyperparameters, got %d", len(params))
	}
	if err := checkParams(params[0], params[1]); err != nil {
		return err
	}
	k.lengthScale, k.signalVar = params[0], params[1]
	return nil
}

// Matern52 is the Matérn kernel with smoothness 5/2.
type Matern52 struct {
	lengthScale float64
	signalVar   float64
}

// NewMatern52 panics on non-positive parameters; use New to get an error.
func NewMatern52(lengthScale, signalVar float64) *Matern52 {
	if err := checkParams(lengthScale, signalVar); err != nil {
		panic(err)
	}
	return &Matern52{lengthScale: lengthScale, signalVar: signalVar}
}

func (k *Matern52) Eval(x1, x2 []float64) float64 {
	r := math.Sqrt(5*sqDist(x1, x2)) / k.lengthScale
	return k.signalVar * (1 + r + r*r/3) * math.Exp(-r)
}

func (k *Matern52) Hyperparameters() []float64 { return []float64{k.lengthScale, k.signalVar} }

func (k *Matern52) SetHyperparameters(params []float64) error {
	if len(params) != 2 {
		return fmt.Errorf("expected 2 hyperparameters, got %d", len(params))
	}
	if err := checkParams(params[0], params[1]); err != nil {
		return err
	}
	k.lengthScale, k.signalVar = params[0], params[1]
	return nil
}
