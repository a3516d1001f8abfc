package gotwin

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrConfiguration is returned for invalid or missing parameters. It is fatal at startup.
	ErrConfiguration = errors.New("configuration error")
	// ErrInvalidInput is returned when a model is called with arguments it cannot accept, e.g. dt <= 0.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNumerical signals filter divergence: a covariance which is not positive definite,
	// a singular innovation covariance or a non finite estimate.
	ErrNumerical = errors.New("numerical error")
	// ErrDiverged is returned by a UKF which already diverged and was not reset.
	ErrDiverged = errors.Wrap(ErrNumerical, "filter diverged (call Reset first)")
)

// DimensionAgreement defines how two matrices' dimensions should agree.
type DimensionAgreement uint8

const (
	dimErrMsg                    = "dimensions must agree: "
	rows2cols DimensionAgreement = iota + 1
	cols2rows
	cols2cols
	rows2rows
	rowsAndcols
)

// checkMatDims checks the matrix dimensions match provided a DimensionAgreement.
// The returned error wraps ErrInvalidInput.
func checkMatDims(m1, m2 mat.Matrix, name1, name2 string, method DimensionAgreement) error {
	r1, c1 := m1.Dims()
	r2, c2 := m2.Dims()
	switch method {
	case rows2cols:
		if r1 != c2 {
			return errors.Wrapf(ErrInvalidInput, "%s%s(%dx...) %s(...x%d)", dimErrMsg, name1, r1, name2, c2)
		}
	case cols2rows:
		if c1 != r2 {
			return errors.Wrapf(ErrInvalidInput, "%s%s(...x%d) %s(%dx...)", dimErrMsg, name1, c1, name2, r2)
		}
	case cols2cols:
		if c1 != c2 {
			return errors.Wrapf(ErrInvalidInput, "%s%s(...x%d) %s(...x%d)", dimErrMsg, name1, c1, name2, c2)
		}
	case rows2rows:
		if r1 != r2 {
			return errors.Wrapf(ErrInvalidInput, "%s%s(%dx...) %s(%dx...)", dimErrMsg, name1, r1, name2, r2)
		}
	case rowsAndcols:
		if c1 != c2 || r1 != r2 {
			return errors.Wrapf(ErrInvalidInput, "%s%s(%dx%d) %s(%dx%d)", dimErrMsg, name1, r1, c1, name2, r2, c2)
		}
	}
	return nil
}

// checkVecLen checks that v has exactly n rows.
func checkVecLen(v mat.Vector, n int, name string) error {
	if v == nil {
		return errors.Wrapf(ErrInvalidInput, "%s is nil", name)
	}
	if v.Len() != n {
		return errors.Wrapf(ErrInvalidInput, "%s must have %d rows, got %d", name, n, v.Len())
	}
	return nil
}
