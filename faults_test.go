package gotwin

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

func TestFaultInjectorDisabled(t *testing.T) {
	f := NewFaultInjector(FaultParams{Seed: 1, SpikeMult: 3, DriftPerStep: 0.002})
	z := mat.NewVecDense(MeasDim, []float64{10, 0.04})
	for k := 0; k < 100; k++ {
		out, labels := f.Inject(z)
		assert.False(t, labels.Any())
		assert.True(t, mat.Equal(out, z))
	}
}

func TestFaultInjectorDropout(t *testing.T) {
	f := NewFaultInjector(FaultParams{Seed: 1, DropoutProb: 1, SpikeProb: 1, SpikeMult: 3})
	out, labels := f.Inject(mat.NewVecDense(MeasDim, []float64{10, 0.04}))
	assert.Equal(t, FaultLabels{Dropout: true}, labels)
	assert.Equal(t, "dropout", labels.String())
	for i := 0; i < out.Len(); i++ {
		assert.True(t, math.IsNaN(out.AtVec(i)))
	}
}

func TestFaultInjectorSpike(t *testing.T) {
	f := NewFaultInjector(FaultParams{Seed: 3, SpikeProb: 1, SpikeMult: 3})
	z := mat.NewVecDense(MeasDim, []float64{10, 0.04})
	for k := 0; k < 20; k++ {
		out, labels := f.Inject(z)
		assert.True(t, labels.Spike)
		assert.False(t, labels.Drift)
		changed := 0
		for i := 0; i < z.Len(); i++ {
			if out.AtVec(i) != z.AtVec(i) {
				changed++
				ratio := out.AtVec(i) / z.AtVec(i)
				if math.Abs(ratio-4) > 1e-12 && math.Abs(ratio+2) > 1e-12 {
					t.Fatalf("unexpected spike ratio %f", ratio)
				}
			}
		}
		assert.Equal(t, 1, changed, "a spike hits a single channel")
	}
}

func TestFaultInjectorDrift(t *testing.T) {
	f := NewFaultInjector(FaultParams{Seed: 5, DriftProb: 1, DriftPerStep: 0.002})
	z := mat.NewVecDense(MeasDim, []float64{10, 0.04})
	for k := 1; k <= 10; k++ {
		out, labels := f.Inject(z)
		assert.True(t, labels.Drift)
		drift := f.Drift()
		for i := 0; i < z.Len(); i++ {
			assert.InDelta(t, z.AtVec(i)+drift[i], out.AtVec(i), 1e-12)
			// A random walk of k steps of ±0.002.
			assert.LessOrEqual(t, math.Abs(drift[i]), float64(k)*0.002+1e-12)
		}
	}
	// Once started a drift never stops, even when its start probability is zero.
	f.params.DriftProb = 0
	_, labels := f.Inject(z)
	assert.True(t, labels.Drift)
	f.Reset()
	_, labels = f.Inject(z)
	assert.False(t, labels.Drift)
	assert.Empty(t, f.Drift())
}

func TestFaultInjectorReproducible(t *testing.T) {
	params := FaultParams{Seed: 11, SpikeProb: 0.2, SpikeMult: 3, DriftProb: 0.05, DriftPerStep: 0.002, DropoutProb: 0.1}
	a, b := NewFaultInjector(params), NewFaultInjector(params)
	z := mat.NewVecDense(MeasDim, []float64{10, 0.04})
	for k := 0; k < 200; k++ {
		outA, labelsA := a.Inject(z)
		outB, labelsB := b.Inject(z)
		assert.Equal(t, labelsA, labelsB)
		if !labelsA.Dropout {
			assert.True(t, mat.Equal(outA, outB))
		}
	}
}
