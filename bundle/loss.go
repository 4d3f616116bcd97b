// Package bundle implements bundle adjustment: camera parameter models,
// residual cost functions, a dense Levenberg-Marquardt solver over
// heterogeneous parameter blocks, and the driver that assembles a full
// adjustment problem from a control network.
package bundle

import (
	"math"

	"github.com/pkg/errors"
)

// Loss robustifies a residual block. Weight returns the IRLS factor for
// a block with the given squared residual norm; the solver multiplies
// the block's residuals and Jacobian rows by sqrt(Weight).
type Loss interface {
	Weight(squaredNorm float64) float64
}

// TrivialLoss is plain least squares.
type TrivialLoss struct{}

func (TrivialLoss) Weight(float64) float64 { return 1.0 }

// HuberLoss is quadratic below the threshold and linear above it.
type HuberLoss struct {
	Threshold float64
}

func (l HuberLoss) Weight(s2 float64) float64 {
	s := math.Sqrt(s2)
	if s <= l.Threshold {
		return 1.0
	}
	return l.Threshold / s
}

// CauchyLoss falls off faster than Huber for large residuals.
type CauchyLoss struct {
	Threshold float64
}

func (l CauchyLoss) Weight(s2 float64) float64 {
	return 1.0 / (1.0 + s2/(l.Threshold*l.Threshold))
}

// LossByName selects a loss function from a run configuration string.
func LossByName(name string, threshold float64) (Loss, error) {
	switch name {
	case "", "trivial", "l2":
		return TrivialLoss{}, nil
	case "huber":
		return HuberLoss{Threshold: threshold}, nil
	case "cauchy":
		return CauchyLoss{Threshold: threshold}, nil
	}
	return nil, errors.Errorf("unknown cost function %q (want trivial, huber, or cauchy)", name)
}
