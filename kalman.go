package gotwin

import "gonum.org/v1/gonum/mat"

// FilterType allows for quick comparison of filters.
type FilterType uint8

const (
	// CKFType definition would be a tautology
	CKFType FilterType = iota + 1
	// UKFType definition would be a tautology
	UKFType
	// EKFType definition would be a tautology
	EKFType
)

func (t FilterType) String() string {
	switch t {
	case CKFType:
		return "CKF"
	case UKFType:
		return "UKF"
	case EKFType:
		return "EKF"
	}
	return "unknown"
}

// State and measurement layout of the pump.
const (
	StateDim = 3 // [ω, θ, φ]
	MeasDim  = 2 // [speed, vibration]

	IdxOmega = 0
	IdxTheta = 1
	IdxPhi   = 2

	IdxSpeed     = 0
	IdxVibration = 1
)

// Estimate is returned from Predict() and Update() in any KF.
type Estimate interface {
	Type() FilterType
	State() *mat.VecDense          // Returns \hat{x}_{k+1}^{+}
	Measurement() *mat.VecDense    // Returns \hat{y}_{k+1}^{-}
	Innovation() *mat.VecDense     // Returns y_{k} - \hat{y}_{k+1}^{-}
	Covariance() mat.Symmetric     // Return P_{k+1}^{+}
	PredCovariance() mat.Symmetric // Return P_{k+1}^{-}
	String() string                // Must implement the stringer interface.
}

// Propagator advances a state by dt without any stochastic term.
type Propagator interface {
	Propagate(x mat.Vector, dt float64) (*mat.VecDense, error)
}

// Observer maps a state to its noiseless measurement.
type Observer interface {
	Observe(x mat.Vector) (*mat.VecDense, error)
}

// Model is a nonlinear system which can be propagated and observed.
type Model interface {
	Propagator
	Observer
}

// Linearized is a Model which also provides its Jacobians, as needed by the Extended KF.
type Linearized interface {
	Model
	Jacobian(x mat.Vector) *mat.Dense            // continuous time ∂f/∂x
	MeasurementJacobian(x mat.Vector) *mat.Dense // ∂h/∂x
}
