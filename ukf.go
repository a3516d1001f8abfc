package gotwin

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Status is the state of the UKF state machine.
type Status uint8

const (
	// Initialized is the status of a new or reset UKF.
	Initialized Status = iota
	// Predicted follows a successful Predict.
	Predicted
	// Updated follows a successful Update.
	Updated
	// Diverged is terminal until Reset: every Predict and Update returns ErrDiverged.
	Diverged
)

func (s Status) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Predicted:
		return "predicted"
	case Updated:
		return "updated"
	case Diverged:
		return "diverged"
	}
	return "unknown"
}

// NewUKF returns a new Unscented KF with additive process and measurement noise.
// Parameters:
// - x0: initial state estimate
// - P0: initial covariance, must be positive definite
// - Q: process noise added to the predicted covariance, positive semi-definite
// - R: measurement noise added to the innovation covariance, positive definite
// - model: nonlinear process (Propagate) and measurement (Observe) models
// - params: sigma point spread α, β, κ
func NewUKF(x0 mat.Vector, P0, Q, R mat.Symmetric, model Model, params UnscentedParams) (*UKF, *UKFEstimate, error) {
	if model == nil {
		return nil, nil, errors.Wrap(ErrConfiguration, "UKF needs a model")
	}
	if x0 == nil || P0 == nil || Q == nil || R == nil {
		return nil, nil, errors.Wrap(ErrConfiguration, "UKF needs x0, P0, Q and R")
	}
	// Let's check the dimensions of everything here to fail ASAP.
	if err := checkMatDims(x0, P0, "x0", "P0", rows2rows); err != nil {
		return nil, nil, err
	}
	if err := checkMatDims(Q, P0, "Q", "P0", rowsAndcols); err != nil {
		return nil, nil, err
	}
	n := x0.Len()
	if !(params.Alpha > 0) || !(float64(n)+params.Lambda(n) > 0) {
		return nil, nil, errors.Wrapf(ErrConfiguration, "invalid spread α=%v κ=%v for n=%d", params.Alpha, params.Kappa, n)
	}
	if !IsFinite(x0) || !IsFinite(Q) || !IsFinite(R) {
		return nil, nil, errors.Wrap(ErrConfiguration, "x0, Q and R must be finite")
	}
	if !IsPositiveDefinite(P0) {
		return nil, nil, errors.Wrap(ErrConfiguration, "P0 is not positive definite")
	}
	y0, err := model.Observe(x0)
	if err != nil {
		return nil, nil, err
	}
	if err := checkMatDims(y0, R, "h(x0)", "R", rows2rows); err != nil {
		return nil, nil, err
	}
	if !IsPositiveSemiDefinite(Q) {
		return nil, nil, errors.Wrap(ErrConfiguration, "Q is not positive semi-definite")
	}
	if !IsPositiveDefinite(R) {
		return nil, nil, errors.Wrap(ErrConfiguration, "R is not positive definite")
	}

	kf := &UKF{
		model:  model,
		params: params,
		Q:      copySym(Q),
		R:      copySym(R),
		x0:     mat.VecDenseCopyOf(x0),
		P0:     copySym(P0),
	}
	kf.Reset()
	est0 := kf.estimate(y0)
	est0.predCovar = copySym(kf.P)
	return kf, est0, nil
}

// UKF defines an Unscented KF. Use NewUKF to initialize.
type UKF struct {
	model  Model
	params UnscentedParams
	Q, R   *mat.SymDense
	x0     *mat.VecDense
	P0     *mat.SymDense
	x      *mat.VecDense // belief mean
	P      *mat.SymDense // belief covariance
	status Status
	cause  error
	step   int
}

func (kf *UKF) String() string {
	return fmt.Sprintf("UKF{%s step=%d α=%g β=%g κ=%g}\nQ=%v\nR=%v", kf.status, kf.step, kf.params.Alpha, kf.params.Beta, kf.params.Kappa, mat.Formatted(kf.Q, mat.Prefix("  ")), mat.Formatted(kf.R, mat.Prefix("  ")))
}

// Status returns the current status of the filter.
func (kf *UKF) Status() Status {
	return kf.status
}

// Cause returns the error which made the filter diverge, if any.
func (kf *UKF) Cause() error {
	return kf.cause
}

// Step returns the number of predictions since the last reset.
func (kf *UKF) Step() int {
	return kf.step
}

// State returns a copy of the belief mean.
func (kf *UKF) State() *mat.VecDense {
	return mat.VecDenseCopyOf(kf.x)
}

// Covariance returns a copy of the belief covariance.
func (kf *UKF) Covariance() *mat.SymDense {
	return copySym(kf.P)
}

// Estimate returns the current belief as an estimate, with the measurement it predicts
// and without any innovation.
func (kf *UKF) Estimate() (*UKFEstimate, error) {
	yHat, err := kf.model.Observe(kf.x)
	if err != nil {
		return nil, err
	}
	est := kf.estimate(yHat)
	est.predCovar = copySym(kf.P)
	return est, nil
}

// Reset restores the initial belief and clears a divergence.
func (kf *UKF) Reset() {
	kf.x = mat.VecDenseCopyOf(kf.x0)
	kf.P = copySym(kf.P0)
	kf.status = Initialized
	kf.cause = nil
	kf.step = 0
}

// ResetTo re-initializes the belief to (x, P), which also becomes the belief restored by Reset.
func (kf *UKF) ResetTo(x mat.Vector, P mat.Symmetric) error {
	if err := checkVecLen(x, kf.x0.Len(), "x"); err != nil {
		return err
	}
	if err := checkMatDims(P, kf.P0, "P", "P0", rowsAndcols); err != nil {
		return err
	}
	if !IsFinite(x) || !IsPositiveDefinite(P) {
		return errors.Wrap(ErrInvalidInput, "reset belief must be finite with a positive definite covariance")
	}
	kf.x0 = mat.VecDenseCopyOf(x)
	kf.P0 = copySym(P)
	kf.Reset()
	return nil
}

// Predict propagates the belief by dt through the process model and adds Q.
func (kf *UKF) Predict(dt float64) (*UKFEstimate, error) {
	if kf.status == Diverged {
		return nil, ErrDiverged
	}
	if !(dt > 0) || math.IsInf(dt, 0) {
		return nil, errors.Wrapf(ErrInvalidInput, "dt must be positive, got %v", dt)
	}
	sp, err := kf.sigmaPoints()
	if err != nil {
		return nil, kf.diverge(err, "predict")
	}
	tf, err := UnscentedTransform(sp, func(χ mat.Vector) (*mat.VecDense, error) {
		return kf.model.Propagate(χ, dt)
	})
	if err != nil {
		if errors.Is(err, ErrNumerical) {
			return nil, kf.diverge(err, "predict")
		}
		return nil, err
	}
	Pminus := tf.Covariance
	Pminus.AddSym(Pminus, kf.Q)
	if !IsFinite(tf.Mean) || !IsFinite(Pminus) {
		return nil, kf.diverge(errors.Wrap(ErrNumerical, "predicted belief is not finite"), "predict")
	}
	yHat, err := kf.model.Observe(tf.Mean)
	if err != nil {
		return nil, err
	}

	kf.x = tf.Mean
	kf.P = Pminus
	kf.status = Predicted
	kf.step++
	est := kf.estimate(yHat)
	est.predCovar = copySym(Pminus)
	return est, nil
}

// Update corrects the belief with the measurement z.
func (kf *UKF) Update(z mat.Vector) (*UKFEstimate, error) {
	if kf.status == Diverged {
		return nil, ErrDiverged
	}
	m := kf.R.SymmetricDim()
	if err := checkVecLen(z, m, "measurement"); err != nil {
		return nil, err
	}
	if !IsFinite(z) {
		return nil, errors.Wrap(ErrInvalidInput, "measurement is not finite")
	}
	sp, err := kf.sigmaPoints()
	if err != nil {
		return nil, kf.diverge(err, "update")
	}
	tf, err := UnscentedTransform(sp, kf.model.Observe)
	if err != nil {
		if errors.Is(err, ErrNumerical) {
			return nil, kf.diverge(err, "update")
		}
		return nil, err
	}
	if err := checkVecLen(tf.Mean, m, "predicted measurement"); err != nil {
		return nil, err
	}

	// Innovation covariance S = Pzz + R
	S := mat.NewSymDense(m, nil)
	S.AddSym(tf.Covariance, kf.R)
	var chol mat.Cholesky
	if ok := chol.Factorize(S); !ok {
		return nil, kf.diverge(errors.Wrapf(ErrNumerical, "innovation covariance is singular\n%v", mat.Formatted(S, mat.Prefix(" "))), "update")
	}

	// Kalman gain K = Pxz*S^-1, solved as S*Kᵀ = Pxzᵀ.
	var Kt mat.Dense
	if err := chol.SolveTo(&Kt, tf.CrossCovariance.T()); err != nil {
		return nil, kf.diverge(errors.Wrapf(ErrNumerical, "could not invert the innovation covariance: %s", err), "update")
	}
	K := mat.DenseCopyOf(Kt.T())

	var innov, correction, xPlus mat.VecDense
	innov.SubVec(z, tf.Mean)
	correction.MulVec(K, &innov)
	xPlus.AddVec(kf.x, &correction)

	// P+ = P- - K*S*Kᵀ
	var KS, KSKt, Pplus mat.Dense
	KS.Mul(K, S)
	KSKt.Mul(&KS, K.T())
	Pplus.Sub(kf.P, &KSKt)
	PplusSym, err := Symmetrize(&Pplus)
	if err != nil {
		return nil, err
	}
	if !IsFinite(&xPlus) || !IsFinite(PplusSym) {
		return nil, kf.diverge(errors.Wrap(ErrNumerical, "updated belief is not finite"), "update")
	}

	// Normalized innovation squared
	var Sinvν mat.VecDense
	if err := chol.SolveVecTo(&Sinvν, &innov); err != nil {
		return nil, kf.diverge(errors.Wrapf(ErrNumerical, "could not compute the NIS: %s", err), "update")
	}
	nis := mat.Dot(&innov, &Sinvν)

	Pminus := kf.P
	kf.x = &xPlus
	kf.P = PplusSym
	kf.status = Updated

	est := kf.estimate(tf.Mean)
	est.predCovar = copySym(Pminus)
	est.innovation = mat.VecDenseCopyOf(&innov)
	est.innovCovar = copySym(S)
	est.gain = K
	est.nis = nis
	return est, nil
}

func (kf *UKF) sigmaPoints() (*SigmaPoints, error) {
	return GenerateSigmaPoints(kf.x, kf.P, kf.params.Alpha, kf.params.Beta, kf.params.Kappa)
}

// diverge moves the filter to Diverged. The returned error wraps the cause.
func (kf *UKF) diverge(cause error, phase string) error {
	kf.status = Diverged
	kf.cause = cause
	return errors.Wrapf(cause, "UKF diverged during %s at step %d", phase, kf.step)
}

// estimate returns the current belief as an estimate without any measurement information.
func (kf *UKF) estimate(yHat *mat.VecDense) *UKFEstimate {
	n := kf.x.Len()
	m := kf.R.SymmetricDim()
	return &UKFEstimate{
		state:      mat.VecDenseCopyOf(kf.x),
		meas:       mat.VecDenseCopyOf(yHat),
		innovation: mat.NewVecDense(m, nil),
		covar:      copySym(kf.P),
		innovCovar: mat.NewSymDense(m, nil),
		gain:       mat.NewDense(n, m, nil),
	}
}

// UKFEstimate is the output of each predict and update of the UKF.
// It implements the Estimate interface. All its data is owned by the estimate.
type UKFEstimate struct {
	state, meas, innovation *mat.VecDense
	covar, predCovar        *mat.SymDense
	innovCovar              *mat.SymDense
	gain                    *mat.Dense
	nis                     float64
}

// Type implements the Estimate interface.
func (e UKFEstimate) Type() FilterType {
	return UKFType
}

// State implements the Estimate interface.
func (e UKFEstimate) State() *mat.VecDense {
	return e.state
}

// Measurement implements the Estimate interface.
func (e UKFEstimate) Measurement() *mat.VecDense {
	return e.meas
}

// Innovation implements the Estimate interface. It is zero after a prediction.
func (e UKFEstimate) Innovation() *mat.VecDense {
	return e.innovation
}

// Covariance implements the Estimate interface.
func (e UKFEstimate) Covariance() mat.Symmetric {
	return e.covar
}

// PredCovariance implements the Estimate interface.
func (e UKFEstimate) PredCovariance() mat.Symmetric {
	return e.predCovar
}

// InnovationCovariance returns S = Pzz + R, zero after a prediction.
func (e UKFEstimate) InnovationCovariance() mat.Symmetric {
	return e.innovCovar
}

// Gain returns the Kalman gain.
func (e UKFEstimate) Gain() mat.Matrix {
	return e.gain
}

// NIS returns the normalized innovation squared νᵀS⁻¹ν.
func (e UKFEstimate) NIS() float64 {
	return e.nis
}

func (e UKFEstimate) String() string {
	state := mat.Formatted(e.State().T(), mat.Prefix("  "))
	meas := mat.Formatted(e.Measurement().T(), mat.Prefix("  "))
	covar := mat.Formatted(e.Covariance(), mat.Prefix("  "))
	gain := mat.Formatted(e.Gain(), mat.Prefix("  "))
	innov := mat.Formatted(e.Innovation().T(), mat.Prefix("  "))
	predp := mat.Formatted(e.PredCovariance(), mat.Prefix("  "))
	return fmt.Sprintf("{\ns=%v\ny=%v\nP=%v\nK=%v\nP-=%v\ni=%v\nNIS=%g\n}", state, meas, covar, gain, predp, innov, e.nis)
}
