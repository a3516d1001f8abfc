package gotwin

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Transformed is the Gaussian reconstructed from sigma points pushed through a function.
type Transformed struct {
	Points          []*mat.VecDense // fn(χ_i)
	Mean            *mat.VecDense   // Σ Wm_i fn(χ_i)
	Covariance      *mat.SymDense   // Σ Wc_i (𝒴_i - ȳ)(𝒴_i - ȳ)ᵀ
	CrossCovariance *mat.Dense      // Σ Wc_i (χ_i - x̄)(𝒴_i - ȳ)ᵀ
}

// UnscentedTransform applies fn to every sigma point and returns the weighted
// mean, covariance and cross covariance against the input sigma points.
func UnscentedTransform(sp *SigmaPoints, fn func(mat.Vector) (*mat.VecDense, error)) (*Transformed, error) {
	if sp == nil || sp.Len() == 0 {
		return nil, errors.Wrap(ErrInvalidInput, "no sigma points to transform")
	}
	tf := &Transformed{Points: make([]*mat.VecDense, sp.Len())}
	for i, χ := range sp.Points {
		y, err := fn(χ)
		if err != nil {
			return nil, errors.Wrapf(err, "sigma point %d", i)
		}
		if i > 0 && y.Len() != tf.Points[0].Len() {
			return nil, errors.Wrapf(ErrInvalidInput, "sigma point %d mapped to %d rows instead of %d", i, y.Len(), tf.Points[0].Len())
		}
		if !IsFinite(y) {
			return nil, errors.Wrapf(ErrNumerical, "sigma point %d mapped to a non finite value", i)
		}
		tf.Points[i] = y
	}

	n := sp.Mean.Len()
	m := tf.Points[0].Len()
	tf.Mean = mat.NewVecDense(m, nil)
	for i, y := range tf.Points {
		tf.Mean.AddScaledVec(tf.Mean, sp.Wm[i], y)
	}

	tf.Covariance = mat.NewSymDense(m, nil)
	tf.CrossCovariance = mat.NewDense(n, m, nil)
	dy := mat.NewVecDense(m, nil)
	dx := mat.NewVecDense(n, nil)
	outer := mat.NewDense(n, m, nil)
	for i, y := range tf.Points {
		dy.SubVec(y, tf.Mean)
		dx.SubVec(sp.Points[i], sp.Mean)
		tf.Covariance.SymRankOne(tf.Covariance, sp.Wc[i], dy)
		outer.Outer(sp.Wc[i], dx, dy)
		tf.CrossCovariance.Add(tf.CrossCovariance, outer)
	}
	return tf, nil
}
