package gotwin

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// BatchGroundTruth stores the true states and noiseless measurements of a run
// and computes the error of estimates against them.
type BatchGroundTruth struct {
	states       []*mat.VecDense
	measurements []*mat.VecDense
}

// NewBatchGroundTruth initializes a new batch ground truth.
func NewBatchGroundTruth(states, measurements []*mat.VecDense) *BatchGroundTruth {
	return &BatchGroundTruth{states, measurements}
}

// Append records the truth of the next step.
func (t *BatchGroundTruth) Append(state, measurement mat.Vector) {
	t.states = append(t.states, mat.VecDenseCopyOf(state))
	t.measurements = append(t.measurements, mat.VecDenseCopyOf(measurement))
}

// Len returns the number of steps stored.
func (t *BatchGroundTruth) Len() int {
	return len(t.states)
}

// State returns the true state of step k.
func (t *BatchGroundTruth) State(k int) *mat.VecDense {
	return t.states[k]
}

// Reset drops every stored step.
func (t *BatchGroundTruth) Reset() {
	t.states = t.states[:0]
	t.measurements = t.measurements[:0]
}

// Error returns an ErrorEstimate after comparing the provided estimate with the ground truth of step k.
func (t *BatchGroundTruth) Error(k int, est Estimate) (ErrorEstimate, error) {
	if k < 0 || k >= len(t.states) {
		return ErrorEstimate{}, errors.Wrapf(ErrInvalidInput, "no ground truth at step k=%d", k)
	}
	return NewErrorEstimate(t.states[k], t.measurements[k], est)
}

// NewErrorEstimate returns the error of est against the true state and true measurement.
func NewErrorEstimate(trueState, trueMeas mat.Vector, est Estimate) (ErrorEstimate, error) {
	if err := checkMatDims(est.State(), trueState, "estimated state", "true state", rows2rows); err != nil {
		return ErrorEstimate{}, err
	}
	if err := checkMatDims(est.Measurement(), trueMeas, "estimated measurement", "true measurement", rows2rows); err != nil {
		return ErrorEstimate{}, err
	}
	var stateErr, measErr mat.VecDense
	stateErr.SubVec(est.State(), trueState)
	measErr.SubVec(est.Measurement(), trueMeas)
	return ErrorEstimate{VanillaEstimate{state: &stateErr, meas: &measErr, covar: est.Covariance(), predCovar: est.PredCovariance()}}, nil
}

// ErrorEstimate implements the Estimate interface and is used to show the error of an estimate.
type ErrorEstimate struct {
	VanillaEstimate // This is effectively the same as a VanillaEstimate, so no change.
}

// IsWithinNσ returns whether every component of the error is within ±Nσ of its variance.
func (e ErrorEstimate) IsWithinNσ(N float64) bool {
	for i := 0; i < e.state.Len(); i++ {
		nσ := N * math.Sqrt(e.covar.At(i, i))
		if !(math.Abs(e.state.AtVec(i)) <= nσ) {
			return false
		}
	}
	return true
}

// IsWithin2σ returns whether the error is within the 2σ bounds.
func (e ErrorEstimate) IsWithin2σ() bool {
	return e.IsWithinNσ(2)
}

// NEES returns the normalized estimation error squared eᵀP⁻¹e.
func (e ErrorEstimate) NEES() (float64, error) {
	return NEES(e.State(), e.Covariance())
}

// NEES returns eᵀP⁻¹e. The returned error wraps ErrNumerical if P is not positive definite.
func NEES(e mat.Vector, P mat.Symmetric) (float64, error) {
	if err := checkMatDims(e, P, "error", "P", rows2rows); err != nil {
		return 0, err
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(P); !ok {
		return 0, errors.Wrap(ErrNumerical, "covariance is not positive definite")
	}
	var Pinve mat.VecDense
	if err := chol.SolveVecTo(&Pinve, e); err != nil {
		return 0, errors.Wrapf(ErrNumerical, "could not invert the covariance: %s", err)
	}
	return mat.Dot(e, &Pinve), nil
}
