package gotwin

import (
	"fmt"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"
)

// Noise is the random source of the twin: the stochastic degradation of the
// true state and the additive noise of the sensors.
type Noise interface {
	Degradation(k int) float64       // Returns the degradation increment w at step k
	Measurement(k int) *mat.VecDense // Returns the measurement noise v at step k
	Reset()                          // Restarts the sequence from its beginning
	String() string                  // Stringer interface implementation
}

// Noiseless is noiseless and implements the Noise interface.
type Noiseless struct {
	measurementSize int
}

// NewNoiseless returns a Noise without any noise for the pump measurements.
func NewNoiseless() *Noiseless {
	return &Noiseless{MeasDim}
}

// Degradation returns zero.
func (n Noiseless) Degradation(k int) float64 {
	return 0
}

// Measurement returns a zero vector of the correct size.
func (n Noiseless) Measurement(k int) *mat.VecDense {
	size := n.measurementSize
	if size == 0 {
		size = MeasDim
	}
	return mat.NewVecDense(size, nil)
}

// Reset implements the Noise interface.
func (n Noiseless) Reset() {}

// String implements the Stringer interface.
func (n Noiseless) String() string {
	return "Noiseless"
}

// BatchNoise replays fixed noise sequences and implements the Noise interface.
// A nil sequence is noiseless.
type BatchNoise struct {
	degradation []float64       // Array of degradation increments
	measurement []*mat.VecDense // Array of measurement noise
}

// NewBatchNoise returns a BatchNoise from the provided sequences.
func NewBatchNoise(degradation []float64, measurement []*mat.VecDense) *BatchNoise {
	return &BatchNoise{degradation, measurement}
}

// Degradation implements the Noise interface.
func (n BatchNoise) Degradation(k int) float64 {
	if n.degradation == nil {
		return 0
	}
	if k >= len(n.degradation) {
		panic(fmt.Errorf("no degradation noise defined at step k=%d", k))
	}
	return n.degradation[k]
}

// Measurement implements the Noise interface.
func (n BatchNoise) Measurement(k int) *mat.VecDense {
	if n.measurement == nil {
		return mat.NewVecDense(MeasDim, nil)
	}
	if k >= len(n.measurement) {
		panic(fmt.Errorf("no measurement noise defined at step k=%d", k))
	}
	return mat.VecDenseCopyOf(n.measurement[k])
}

// Reset implements the Noise interface.
func (n BatchNoise) Reset() {}

// String implements the Stringer interface.
func (n BatchNoise) String() string {
	return fmt.Sprintf("BatchNoise{degradation: %d, measurement: %d}", len(n.degradation), len(n.measurement))
}

// AWGN implements the Noise interface and generates seeded additive white Gaussian noise.
type AWGN struct {
	σ           float64
	R           mat.Symmetric
	seed        uint64
	degradation distuv.Normal
	measurement *distmv.Normal
}

// NewAWGN creates new AWGN noise from the degradation standard deviation and
// the measurement covariance R. Two AWGN of the same seed draw the same values.
func NewAWGN(σ float64, R mat.Symmetric, seed uint64) (*AWGN, error) {
	if σ < 0 {
		return nil, errors.Wrapf(ErrConfiguration, "degradation standard deviation must be non negative, got %f", σ)
	}
	n := &AWGN{σ: σ, R: copySym(R), seed: seed}
	if err := n.init(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *AWGN) init() error {
	n.degradation = distuv.Normal{Mu: 0, Sigma: n.σ, Src: rand.NewPCG(n.seed, 1)}
	sizeR := n.R.SymmetricDim()
	meas, ok := distmv.NewNormal(make([]float64, sizeR), n.R, rand.NewPCG(n.seed, 2))
	if !ok {
		return errors.Wrap(ErrConfiguration, "measurement noise covariance is not positive definite")
	}
	n.measurement = meas
	return nil
}

// Degradation implements the Noise interface.
func (n *AWGN) Degradation(k int) float64 {
	return n.degradation.Rand()
}

// Measurement implements the Noise interface.
func (n *AWGN) Measurement(k int) *mat.VecDense {
	r := n.measurement.Rand(nil)
	return mat.NewVecDense(len(r), r)
}

// Reset restarts both sequences from the seed.
func (n *AWGN) Reset() {
	// R was already factorized once, init cannot fail.
	_ = n.init()
}

// String implements the Stringer interface.
func (n *AWGN) String() string {
	return fmt.Sprintf("AWGN{seed=%d σ=%g\nR=%v}\n", n.seed, n.σ, mat.Formatted(n.R, mat.Prefix("  ")))
}
