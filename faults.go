package gotwin

import (
	"math"
	"math/rand/v2"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// FaultLabels flags the sensor faults injected in one measurement.
type FaultLabels struct {
	Spike   bool
	Drift   bool
	Dropout bool
}

// Any returns whether any fault was injected.
func (l FaultLabels) Any() bool {
	return l.Spike || l.Drift || l.Dropout
}

func (l FaultLabels) String() string {
	var labels []string
	if l.Spike {
		labels = append(labels, "spike")
	}
	if l.Drift {
		labels = append(labels, "drift")
	}
	if l.Dropout {
		labels = append(labels, "dropout")
	}
	return strings.Join(labels, "|")
}

// FaultInjector corrupts synthetic measurements with spikes, drifts and dropouts.
// It draws from its own seeded source so the true trajectory does not depend on it.
type FaultInjector struct {
	params   FaultParams
	src      *rand.PCG
	channel  *rand.Rand
	drift    []float64
	drifting bool
}

// NewFaultInjector returns a FaultInjector seeded with params.Seed.
func NewFaultInjector(params FaultParams) *FaultInjector {
	f := &FaultInjector{params: params}
	f.Reset()
	return f
}

// Reset restarts the fault sequence and clears any drift.
func (f *FaultInjector) Reset() {
	f.src = rand.NewPCG(f.params.Seed, 0xfa17)
	f.channel = rand.New(f.src)
	f.drift = nil
	f.drifting = false
}

func (f *FaultInjector) draw(p float64) bool {
	if p <= 0 {
		return false
	}
	return distuv.Bernoulli{P: p, Src: f.src}.Rand() == 1
}

func (f *FaultInjector) sign() float64 {
	if f.draw(0.5) {
		return 1
	}
	return -1
}

// Inject returns a corrupted copy of z and the faults applied.
// A dropout returns a measurement of NaNs and no other fault.
// A drift, once started, keeps accumulating on every channel.
func (f *FaultInjector) Inject(z mat.Vector) (*mat.VecDense, FaultLabels) {
	var labels FaultLabels
	out := mat.VecDenseCopyOf(z)
	n := out.Len()

	if f.draw(f.params.DropoutProb) {
		labels.Dropout = true
		for i := 0; i < n; i++ {
			out.SetVec(i, math.NaN())
		}
		return out, labels
	}

	if f.draw(f.params.SpikeProb) {
		labels.Spike = true
		i := f.channel.IntN(n)
		out.SetVec(i, out.AtVec(i)*(1+f.params.SpikeMult*f.sign()))
	}

	if f.drifting || f.draw(f.params.DriftProb) {
		f.drifting = true
		labels.Drift = true
		if f.drift == nil {
			f.drift = make([]float64, n)
		}
		for i := 0; i < n; i++ {
			f.drift[i] += f.params.DriftPerStep * f.sign()
			out.SetVec(i, out.AtVec(i)+f.drift[i])
		}
	}
	return out, labels
}

// Drift returns a copy of the accumulated drift per channel.
func (f *FaultInjector) Drift() []float64 {
	return append([]float64(nil), f.drift...)
}
