package gotwin

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// NewVanilla returns a new Vanilla KF. To get the next estimate, call Update with
// the next measurement (or Predict when it is missing) and read the state
// estimate (\hat{x}_{k+1}^{+}) and measurement estimate (\hat{y}_{k+1}) from the
// returned VanillaEstimate.
// Parameters:
// - x0: initial state
// - Covar0: initial covariance matrix
// - F: state update matrix
// - H: measurement update matrix
// - Q: process noise matrix
// - R: measurement noise matrix
func NewVanilla(x0 mat.Vector, Covar0 mat.Symmetric, F, H mat.Matrix, Q, R mat.Symmetric) (*Vanilla, *VanillaEstimate, error) {
	// Let's check the dimensions of everything here to fail ASAP.
	if err := checkMatDims(x0, Covar0, "x0", "Covar0", rows2cols); err != nil {
		return nil, nil, err
	}
	if err := checkMatDims(F, Covar0, "F", "Covar0", rows2cols); err != nil {
		return nil, nil, err
	}
	if err := checkMatDims(H, x0, "H", "x0", cols2rows); err != nil {
		return nil, nil, err
	}
	if err := checkMatDims(Q, F, "Q", "F", rowsAndcols); err != nil {
		return nil, nil, err
	}
	if err := checkMatDims(R, H, "R", "H", rows2rows); err != nil {
		return nil, nil, err
	}

	// Populate with the initial values.
	rowsH, _ := H.Dims()
	est0 := VanillaEstimate{
		state:      mat.VecDenseCopyOf(x0),
		meas:       mat.NewVecDense(rowsH, nil),
		innovation: mat.NewVecDense(rowsH, nil),
		covar:      copySym(Covar0),
		predCovar:  copySym(Covar0),
	}
	return &Vanilla{F: F, H: H, Q: copySym(Q), R: copySym(R), est0: est0, prevEst: est0}, &est0, nil
}

// NewChannelBaseline returns a Vanilla KF which tracks every measurement channel
// independently as a random walk: F = H = I, Q = q*I and R = r*I, starting at z0
// with a unit variance.
func NewChannelBaseline(z0 mat.Vector, q, r float64) (*Vanilla, *VanillaEstimate, error) {
	if !(q > 0) || !(r > 0) {
		return nil, nil, errors.Wrapf(ErrConfiguration, "baseline noises must be positive, got q=%v r=%v", q, r)
	}
	n := z0.Len()
	return NewVanilla(z0, Identity(n), Identity(n), Identity(n), ScaledIdentity(n, q), ScaledIdentity(n, r))
}

// Vanilla defines a vanilla kalman filter. Use NewVanilla to initialize.
type Vanilla struct {
	F       mat.Matrix
	H       mat.Matrix
	Q       *mat.SymDense
	R       *mat.SymDense
	est0    VanillaEstimate
	prevEst VanillaEstimate
	step    int
}

func (kf *Vanilla) String() string {
	return fmt.Sprintf("F=%v\nH=%v\nQ=%v\nR=%v", mat.Formatted(kf.F, mat.Prefix("  ")), mat.Formatted(kf.H, mat.Prefix("  ")), mat.Formatted(kf.Q, mat.Prefix("  ")), mat.Formatted(kf.R, mat.Prefix("  ")))
}

// Reset restores the initial estimate.
func (kf *Vanilla) Reset() {
	kf.prevEst = kf.est0
	kf.step = 0
}

// predict returns \hat{x}_{k+1}^{-} and P_{k+1}^{-}.
func (kf *Vanilla) predict() (*mat.VecDense, *mat.Dense) {
	var xKp1Minus mat.VecDense
	xKp1Minus.MulVec(kf.F, kf.prevEst.State())

	var Pkp1Minus, FP mat.Dense
	FP.Mul(kf.F, kf.prevEst.Covariance())
	Pkp1Minus.Mul(&FP, kf.F.T())
	Pkp1Minus.Add(&Pkp1Minus, kf.Q)
	return &xKp1Minus, &Pkp1Minus
}

// Predict propagates the estimate without any measurement.
func (kf *Vanilla) Predict() (*VanillaEstimate, error) {
	xKp1Minus, Pkp1Minus := kf.predict()
	var ykHat mat.VecDense
	ykHat.MulVec(kf.H, xKp1Minus)
	// Note that in the case of a pure prediction, we set the prediction
	// covariance and the covariance to Pkp1Minus.
	Pkp1MinusSym, err := Symmetrize(Pkp1Minus)
	if err != nil {
		return nil, err
	}
	rowsH, _ := kf.H.Dims()
	est := VanillaEstimate{xKp1Minus, &ykHat, mat.NewVecDense(rowsH, nil), Pkp1MinusSym, Pkp1MinusSym, nil}
	kf.prevEst = est
	kf.step++
	return &est, nil
}

// Update performs a prediction and corrects it with the measurement.
func (kf *Vanilla) Update(measurement mat.Vector) (*VanillaEstimate, error) {
	if err := checkMatDims(measurement, kf.H, "measurement (y)", "H", rows2rows); err != nil {
		return nil, err
	}
	if !IsFinite(measurement) {
		return nil, errors.Wrap(ErrInvalidInput, "measurement is not finite")
	}

	// Prediction step.
	xKp1Minus, Pkp1Minus := kf.predict()

	// Kalman gain
	var PHt, HPHt, Kkp1 mat.Dense
	PHt.Mul(Pkp1Minus, kf.H.T())
	HPHt.Mul(kf.H, &PHt)
	HPHt.Add(&HPHt, kf.R)
	if ierr := HPHt.Inverse(&HPHt); ierr != nil {
		return nil, errors.Wrapf(ErrNumerical, "could not invert `H*P_kp1_minus*H' + R`: %s", ierr)
	}
	Kkp1.Mul(&PHt, &HPHt)

	// Measurement update
	var ykHat, innov, xkp1Plus, correction mat.VecDense
	ykHat.MulVec(kf.H, xKp1Minus)     // Predicted measurement
	innov.SubVec(measurement, &ykHat) // Innovation vector
	correction.MulVec(&Kkp1, &innov)
	xkp1Plus.AddVec(xKp1Minus, &correction)

	// Joseph form
	var Pkp1Plus, Pkp1Plus1, Kkp1H, Kkp1R, Kkp1RKkp1 mat.Dense
	Kkp1H.Mul(&Kkp1, kf.H)
	n, _ := Kkp1H.Dims()
	Kkp1H.Sub(Identity(n), &Kkp1H)
	Pkp1Plus1.Mul(&Kkp1H, Pkp1Minus)
	Pkp1Plus.Mul(&Pkp1Plus1, Kkp1H.T())
	Kkp1R.Mul(&Kkp1, kf.R)
	Kkp1RKkp1.Mul(&Kkp1R, Kkp1.T())
	Pkp1Plus.Add(&Pkp1Plus, &Kkp1RKkp1)

	Pkp1MinusSym, err := Symmetrize(Pkp1Minus)
	if err != nil {
		return nil, err
	}
	Pkp1PlusSym, err := Symmetrize(&Pkp1Plus)
	if err != nil {
		return nil, err
	}
	est := VanillaEstimate{&xkp1Plus, &ykHat, &innov, Pkp1PlusSym, Pkp1MinusSym, &Kkp1}
	kf.prevEst = est
	kf.step++
	return &est, nil
}

// VanillaEstimate is the output of each update state of the Vanilla KF.
// It implements the Estimate interface.
type VanillaEstimate struct {
	state, meas, innovation *mat.VecDense
	covar, predCovar        mat.Symmetric
	gain                    mat.Matrix
}

// Type implements the Estimate interface.
func (e VanillaEstimate) Type() FilterType {
	return CKFType
}

// State implements the Estimate interface.
func (e VanillaEstimate) State() *mat.VecDense {
	return e.state
}

// Measurement implements the Estimate interface.
func (e VanillaEstimate) Measurement() *mat.VecDense {
	return e.meas
}

// Innovation implements the Estimate interface.
func (e VanillaEstimate) Innovation() *mat.VecDense {
	return e.innovation
}

// Covariance implements the Estimate interface.
func (e VanillaEstimate) Covariance() mat.Symmetric {
	return e.covar
}

// PredCovariance implements the Estimate interface.
func (e VanillaEstimate) PredCovariance() mat.Symmetric {
	return e.predCovar
}

// Gain the Estimate interface.
func (e VanillaEstimate) Gain() mat.Matrix {
	return e.gain
}

func (e VanillaEstimate) String() string {
	state := mat.Formatted(e.State(), mat.Prefix("  "))
	covar := mat.Formatted(e.Covariance(), mat.Prefix("  "))
	if e.gain == nil {
		return fmt.Sprintf("{\ns=%v\nP=%v\n}", state, covar)
	}
	meas := mat.Formatted(e.Measurement(), mat.Prefix("  "))
	gain := mat.Formatted(e.Gain(), mat.Prefix("  "))
	innov := mat.Formatted(e.Innovation(), mat.Prefix("  "))
	predp := mat.Formatted(e.PredCovariance(), mat.Prefix("  "))
	return fmt.Sprintf("{\ns=%v\ny=%v\nP=%v\nK=%v\nP-=%v\ni=%v\n}", state, meas, covar, gain, predp, innov)
}
