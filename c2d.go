package gotwin

import (
	"math"
	"math/cmplx"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrNyquist is returned alongside the discretized matrices when Δt is too coarse for the system dynamics.
var ErrNyquist = errors.New("Nyquist sampling criterion not fulfilled")

// VanLoan computes the F and Q matrices from the provided CT system A, Γ, W and
// the sampling rate Δt.
// The matrices are still returned with an error wrapping ErrNyquist.
func VanLoan(A, Γ, W *mat.Dense, Δt float64) (*mat.Dense, *mat.SymDense, error) {
	if !(Δt > 0) {
		return nil, nil, errors.Wrapf(ErrInvalidInput, "Δt must be positive, got %v", Δt)
	}
	if err := checkMatDims(A, A, "A", "A", rows2cols); err != nil {
		return nil, nil, err
	}
	if err := checkMatDims(A, Γ, "A", "Γ", rows2rows); err != nil {
		return nil, nil, err
	}
	if err := checkMatDims(Γ, W, "Γ", "W", cols2rows); err != nil {
		return nil, nil, err
	}

	var err error
	// Check aliasing
	var eig mat.Eigen
	if ok := eig.Factorize(A, mat.EigenNone); !ok {
		return nil, nil, errors.Wrap(ErrNumerical, "could not compute the eigenvalues of A")
	}
	var λmax float64
	for _, λ := range eig.Values(nil) {
		λmax = math.Max(λmax, cmplx.Abs(λ))
	}
	if 2*λmax*Δt >= math.Pi {
		err = errors.Wrapf(ErrNyquist, "|λ|max=%f with Δt=%f", λmax, Δt)
	}

	// Compute F and Q.
	var ΓW, ΓWΓ, Ap mat.Dense
	ΓW.Mul(Γ, W)
	ΓWΓ.Mul(&ΓW, Γ.T())
	ΓWΓ.Scale(Δt, &ΓWΓ)
	Ap.Scale(Δt, A)
	// Find the size of the M matrix.
	rA, cA := A.Dims()
	r1, c1 := ΓWΓ.Dims()
	M := mat.NewDense(rA+cA, cA+c1, nil)

	// Populate M
	for i := 0; i < rA; i++ {
		for j := 0; j < cA; j++ {
			M.Set(i, j, -Ap.At(i, j))
			M.Set(i+rA, j+cA, Ap.At(j, i))
		}
	}
	for i := 0; i < r1; i++ {
		for j := 0; j < c1; j++ {
			M.Set(i, j+cA, ΓWΓ.At(i, j))
		}
	}

	// Compute exponential
	var expM mat.Dense
	expM.Exp(M)
	reM, ceM := expM.Dims()

	// Extract F transpose (and F^-1*Q) knowing it has the same size as A.
	Ft := mat.NewDense(rA, cA, nil)
	F1Q := mat.NewDense(rA, cA, nil)
	for i := 0; i < rA; i++ {
		for j := 0; j < cA; j++ {
			F1Q.Set(i, j, expM.At(i, ceM-cA+j))
			Ft.Set(i, j, expM.At(reM-rA+i, ceM-cA+j))
		}
	}
	F := mat.DenseCopyOf(Ft.T())
	var Q mat.Dense
	Q.Mul(F, F1Q)
	QSym, serr := Symmetrize(&Q)
	if serr != nil {
		return nil, nil, serr
	}
	return F, QSym, err
}
