package gotwin

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// NewExtended returns a new Extended KF of a nonlinear model. The state estimate
// is propagated through the model and the covariance through Φ = I + AΔt, the
// Jacobian of an Euler step. To get the next estimate, call Update with the next
// measurement (or Predict when it is missing).
// Parameters:
// - x0: initial state estimate
// - Covar0: initial covariance matrix, must be positive definite
// - Q: process noise matrix, positive semi-definite
// - R: measurement noise matrix, positive definite
// - model: nonlinear model and its Jacobians
func NewExtended(x0 mat.Vector, Covar0, Q, R mat.Symmetric, model Linearized) (*Extended, *ExtendedEstimate, error) {
	if model == nil {
		return nil, nil, errors.Wrap(ErrConfiguration, "EKF needs a model")
	}
	// Let's check the dimensions of everything here to fail ASAP.
	if err := checkMatDims(x0, Covar0, "x0", "Covar0", rows2cols); err != nil {
		return nil, nil, err
	}
	if err := checkMatDims(Q, Covar0, "Q", "Covar0", rowsAndcols); err != nil {
		return nil, nil, err
	}
	if !IsPositiveDefinite(Covar0) {
		return nil, nil, errors.Wrap(ErrConfiguration, "Covar0 is not positive definite")
	}
	y0, err := model.Observe(x0)
	if err != nil {
		return nil, nil, err
	}
	if err := checkMatDims(y0, R, "h(x0)", "R", rows2rows); err != nil {
		return nil, nil, err
	}
	if !IsFinite(Q) || !IsPositiveSemiDefinite(Q) {
		return nil, nil, errors.Wrap(ErrConfiguration, "Q is not positive semi-definite")
	}
	if !IsPositiveDefinite(R) {
		return nil, nil, errors.Wrap(ErrConfiguration, "R is not positive definite")
	}

	// Populate with the initial values.
	est0 := ExtendedEstimate{VanillaEstimate: VanillaEstimate{
		state:      mat.VecDenseCopyOf(x0),
		meas:       y0,
		innovation: mat.NewVecDense(y0.Len(), nil),
		covar:      copySym(Covar0),
		predCovar:  copySym(Covar0),
	}}
	return &Extended{model: model, Q: copySym(Q), R: copySym(R), est0: est0, prevEst: est0}, &est0, nil
}

// Extended defines an extended kalman filter. Use NewExtended to initialize.
type Extended struct {
	model   Linearized
	Q       *mat.SymDense
	R       *mat.SymDense
	est0    ExtendedEstimate
	prevEst ExtendedEstimate
	step    int
}

func (kf *Extended) String() string {
	return fmt.Sprintf("EKF [k=%d]\nQ=%v\nR=%v", kf.step, mat.Formatted(kf.Q, mat.Prefix("  ")), mat.Formatted(kf.R, mat.Prefix("  ")))
}

// Reset reinitializes the KF with its initial estimate.
func (kf *Extended) Reset() {
	kf.prevEst = kf.est0
	kf.step = 0
}

// predict returns \hat{x}_{k+1}^{-} and P_{k+1}^{-}.
func (kf *Extended) predict(dt float64) (*mat.VecDense, *mat.SymDense, error) {
	x := kf.prevEst.State()
	xKp1Minus, err := kf.model.Propagate(x, dt)
	if err != nil {
		return nil, nil, err
	}

	var Φ, ΦP, Pkp1Minus mat.Dense
	Φ.Scale(dt, kf.model.Jacobian(x))
	Φ.Add(&Φ, Identity(x.Len()))
	ΦP.Mul(&Φ, kf.prevEst.Covariance())
	Pkp1Minus.Mul(&ΦP, Φ.T())
	Pkp1Minus.Add(&Pkp1Minus, kf.Q)

	Pkp1MinusSym, err := Symmetrize(&Pkp1Minus)
	if err != nil {
		return nil, nil, err
	}
	if !IsFinite(xKp1Minus) || !IsFinite(Pkp1MinusSym) {
		return nil, nil, errors.Wrap(ErrNumerical, "EKF predicted belief is not finite")
	}
	return xKp1Minus, Pkp1MinusSym, nil
}

// Predict propagates the estimate by dt without any measurement.
func (kf *Extended) Predict(dt float64) (*ExtendedEstimate, error) {
	xKp1Minus, Pkp1Minus, err := kf.predict(dt)
	if err != nil {
		return nil, err
	}
	ykHat, err := kf.model.Observe(xKp1Minus)
	if err != nil {
		return nil, err
	}
	// Note that in the case of a pure prediction, we set the prediction
	// covariance and the covariance to Pkp1Minus.
	est := ExtendedEstimate{VanillaEstimate: VanillaEstimate{xKp1Minus, ykHat, mat.NewVecDense(ykHat.Len(), nil), Pkp1Minus, Pkp1Minus, nil}}
	kf.prevEst = est
	kf.step++
	return &est, nil
}

// Update propagates the estimate by dt and corrects it with the measurement.
func (kf *Extended) Update(measurement mat.Vector, dt float64) (*ExtendedEstimate, error) {
	if err := checkVecLen(measurement, kf.R.SymmetricDim(), "measurement (y)"); err != nil {
		return nil, err
	}
	if !IsFinite(measurement) {
		return nil, errors.Wrap(ErrInvalidInput, "measurement is not finite")
	}

	// Prediction step.
	xKp1Minus, Pkp1Minus, err := kf.predict(dt)
	if err != nil {
		return nil, err
	}
	ykHat, err := kf.model.Observe(xKp1Minus)
	if err != nil {
		return nil, err
	}
	H := kf.model.MeasurementJacobian(xKp1Minus)

	// Kalman gain, solved as (H*P*H' + R)*K' = H*P.
	var PHt, HPHt mat.Dense
	PHt.Mul(Pkp1Minus, H.T())
	HPHt.Mul(H, &PHt)
	HPHt.Add(&HPHt, kf.R)
	S, err := Symmetrize(&HPHt)
	if err != nil {
		return nil, err
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(S); !ok {
		return nil, errors.Wrap(ErrNumerical, "`H*P_kp1_minus*H' + R` is not positive definite")
	}
	var Kt mat.Dense
	if err := chol.SolveTo(&Kt, PHt.T()); err != nil {
		return nil, errors.Wrapf(ErrNumerical, "could not invert `H*P_kp1_minus*H' + R`: %s", err)
	}
	Kkp1 := mat.DenseCopyOf(Kt.T())

	// Measurement update
	var innov, correction, xkp1Plus mat.VecDense
	innov.SubVec(measurement, ykHat)
	correction.MulVec(Kkp1, &innov)
	xkp1Plus.AddVec(xKp1Minus, &correction)

	// Joseph form
	var Pkp1Plus, Pkp1Plus1, Kkp1H, Kkp1R, Kkp1RKkp1 mat.Dense
	Kkp1H.Mul(Kkp1, H)
	n, _ := Kkp1H.Dims()
	Kkp1H.Sub(Identity(n), &Kkp1H)
	Pkp1Plus1.Mul(&Kkp1H, Pkp1Minus)
	Pkp1Plus.Mul(&Pkp1Plus1, Kkp1H.T())
	Kkp1R.Mul(Kkp1, kf.R)
	Kkp1RKkp1.Mul(&Kkp1R, Kkp1.T())
	Pkp1Plus.Add(&Pkp1Plus, &Kkp1RKkp1)
	Pkp1PlusSym, err := Symmetrize(&Pkp1Plus)
	if err != nil {
		return nil, err
	}
	if !IsFinite(&xkp1Plus) || !IsFinite(Pkp1PlusSym) {
		return nil, errors.Wrap(ErrNumerical, "EKF updated belief is not finite")
	}

	var Sinvν mat.VecDense
	if err := chol.SolveVecTo(&Sinvν, &innov); err != nil {
		return nil, errors.Wrapf(ErrNumerical, "could not compute the NIS: %s", err)
	}

	est := ExtendedEstimate{VanillaEstimate{&xkp1Plus, ykHat, &innov, Pkp1PlusSym, Pkp1Minus, Kkp1}, mat.Dot(&innov, &Sinvν)}
	kf.prevEst = est
	kf.step++
	return &est, nil
}

// ExtendedEstimate is the output of each update state of the Extended KF.
// It implements the Estimate interface.
type ExtendedEstimate struct {
	VanillaEstimate
	nis float64
}

// Type implements the Estimate interface.
func (e ExtendedEstimate) Type() FilterType {
	return EKFType
}

// NIS returns the normalized innovation squared, zero after a prediction.
func (e ExtendedEstimate) NIS() float64 {
	return e.nis
}
