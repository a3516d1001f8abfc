package gotwin

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Identity returns an identity matrix of the provided size.
func Identity(n int) *mat.SymDense {
	return ScaledIdentity(n, 1)
}

// ScaledIdentity returns an identity matrix time the scaling factor of the provided size.
func ScaledIdentity(n int, s float64) *mat.SymDense {
	vals := make([]float64, n*n)
	for j := 0; j < n*n; j++ {
		if j%(n+1) == 0 {
			vals[j] = s
		}
	}
	return mat.NewSymDense(n, vals)
}

// Diagonal returns a symmetric matrix with the provided values on its diagonal.
func Diagonal(values ...float64) *mat.SymDense {
	n := len(values)
	S := mat.NewSymDense(n, nil)
	for i, v := range values {
		S.SetSym(i, i, v)
	}
	return S
}

// Symmetrize returns (m + m')/2 as a SymDense.
func Symmetrize(m mat.Matrix) (*mat.SymDense, error) {
	r, c := m.Dims()
	if r != c {
		return nil, errors.Wrapf(ErrInvalidInput, "matrix must be square, got (%dx%d)", r, c)
	}
	S := mat.NewSymDense(r, nil)
	for i := 0; i < r; i++ {
		for j := i; j < c; j++ {
			S.SetSym(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}
	return S, nil
}

// MaxAsymmetry returns the largest |m(i,j) - m(j,i)|.
func MaxAsymmetry(m mat.Matrix) float64 {
	r, c := m.Dims()
	var worst float64
	for i := 0; i < r; i++ {
		for j := i + 1; j < c; j++ {
			if d := math.Abs(m.At(i, j) - m.At(j, i)); d > worst {
				worst = d
			}
		}
	}
	return worst
}

// IsFinite returns whether all the values of the provided matrix are neither NaN nor Inf.
func IsFinite(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// IsPositiveDefinite returns whether a Cholesky factorization of S exists.
func IsPositiveDefinite(S mat.Symmetric) bool {
	var chol mat.Cholesky
	return chol.Factorize(S)
}

// IsPositiveSemiDefinite returns whether no eigenvalue of S is negative, up to rounding.
func IsPositiveSemiDefinite(S mat.Symmetric) bool {
	var eig mat.EigenSym
	if ok := eig.Factorize(S, false); !ok {
		return false
	}
	vals := eig.Values(nil)
	var tol float64
	for _, λ := range vals {
		tol = math.Max(tol, math.Abs(λ))
	}
	tol *= 1e-12
	for _, λ := range vals {
		if !(λ >= -tol) {
			return false
		}
	}
	return true
}

// DiagOf returns the diagonal of a square matrix.
func DiagOf(m mat.Matrix) []float64 {
	r, _ := m.Dims()
	d := make([]float64, r)
	for i := range d {
		d[i] = m.At(i, i)
	}
	return d
}

// flatten returns the row major values of m.
func flatten(m mat.Matrix) []float64 {
	r, c := m.Dims()
	vals := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			vals = append(vals, m.At(i, j))
		}
	}
	return vals
}

// copySym returns a deep copy of S.
func copySym(S mat.Symmetric) *mat.SymDense {
	C := mat.NewSymDense(S.SymmetricDim(), nil)
	C.CopySym(S)
	return C
}
