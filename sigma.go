package gotwin

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// SigmaPoints is the deterministic sample set of a Gaussian belief.
// It only lives for the duration of one predict or update.
type SigmaPoints struct {
	Mean   *mat.VecDense   // Mean of the belief, also Points[0]
	Points []*mat.VecDense // 2n+1 points
	Wm     []float64       // Mean weights, sum to 1
	Wc     []float64       // Covariance weights
	Lambda float64         // λ = α²(n+κ) - n
}

// GenerateSigmaPoints returns the 2n+1 sigma points of the belief (mean, cov).
// The square root is the upper Cholesky factor U of (n+λ)*cov, with UᵀU = (n+λ)*cov,
// and points are mean ± the rows of U.
// The returned error wraps ErrNumerical if cov is not positive definite or if n+λ <= 0.
func GenerateSigmaPoints(mean mat.Vector, cov mat.Symmetric, α, β, κ float64) (*SigmaPoints, error) {
	if mean == nil || cov == nil {
		return nil, errors.Wrap(ErrInvalidInput, "sigma points need a mean and a covariance")
	}
	if err := checkMatDims(mean, cov, "mean", "covariance", rows2rows); err != nil {
		return nil, err
	}
	n := mean.Len()
	nf := float64(n)
	λ := UnscentedParams{α, β, κ}.Lambda(n)
	if !(nf+λ > 0) {
		return nil, errors.Wrapf(ErrNumerical, "n+λ=%v must be positive (α=%v κ=%v)", nf+λ, α, κ)
	}
	if !IsFinite(mean) || !IsFinite(cov) {
		return nil, errors.Wrap(ErrNumerical, "belief is not finite")
	}

	var scaled mat.SymDense
	scaled.ScaleSym(nf+λ, cov)
	var chol mat.Cholesky
	if ok := chol.Factorize(&scaled); !ok {
		return nil, errors.Wrapf(ErrNumerical, "covariance is not positive definite\n%v", mat.Formatted(cov, mat.Prefix(" ")))
	}
	var tri mat.TriDense
	chol.UTo(&tri)
	U := mat.DenseCopyOf(&tri)

	sp := &SigmaPoints{
		Mean:   mat.VecDenseCopyOf(mean),
		Points: make([]*mat.VecDense, 2*n+1),
		Wm:     make([]float64, 2*n+1),
		Wc:     make([]float64, 2*n+1),
		Lambda: λ,
	}
	sp.Points[0] = mat.VecDenseCopyOf(mean)
	for i := 0; i < n; i++ {
		row := U.RowView(i)
		plus := mat.NewVecDense(n, nil)
		plus.AddVec(mean, row)
		minus := mat.NewVecDense(n, nil)
		minus.SubVec(mean, row)
		sp.Points[i+1] = plus
		sp.Points[n+i+1] = minus
	}

	w := 1 / (2 * (nf + λ))
	for i := range sp.Wm {
		sp.Wm[i] = w
		sp.Wc[i] = w
	}
	sp.Wm[0] = λ / (nf + λ)
	sp.Wc[0] = sp.Wm[0] + (1 - α*α + β)
	return sp, nil
}

// Len returns the number of sigma points.
func (sp *SigmaPoints) Len() int {
	return len(sp.Points)
}

func (sp *SigmaPoints) String() string {
	return fmt.Sprintf("SigmaPoints{n=%d λ=%g Wm0=%g Wc0=%g}", sp.Mean.Len(), sp.Lambda, sp.Wm[0], sp.Wc[0])
}
