package gotwin

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func newTestSimulation(t *testing.T, p ModelParameters, opts ...Option) (*Simulation, *test.Hook) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	s, err := NewSimulation(p, nil, append([]Option{WithLogger(log)}, opts...)...)
	require.NoError(t, err)
	return s, hook
}

// sameVec returns whether both vectors hold the same values, NaN included.
func sameVec(a, b *mat.VecDense) bool {
	if a == nil || b == nil {
		return a == b
	}
	return floats.Same(a.RawVector().Data, b.RawVector().Data)
}

func faultyParameters() ModelParameters {
	p := DefaultParameters()
	p.SimulationSteps = 150
	p.OnDiverge = DivergenceReset
	p.Faults = FaultParams{Seed: 3, SpikeProb: 0.1, SpikeMult: 3, DriftProb: 0.02, DriftPerStep: 0.002, DropoutProb: 0.1}
	return p
}

func assertSameRecords(t *testing.T, exp, got []Record) {
	require.Len(t, got, len(exp))
	for k := range exp {
		e, g := exp[k], got[k]
		if !sameVec(e.True, g.True) || !sameVec(e.Estimate, g.Estimate) || !sameVec(e.Measurement, g.Measurement) || !sameVec(e.Baseline, g.Baseline) {
			t.Fatalf("k=%d: records differ\n%s\n%s", k, e, g)
		}
		if !floats.Same(e.Covariance, g.Covariance) || e.NIS != g.NIS || e.Faults != g.Faults || len(e.Anomalies) != len(g.Anomalies) {
			t.Fatalf("k=%d: records differ\n%s\n%s", k, e, g)
		}
	}
}

func TestNewSimulationErrors(t *testing.T) {
	p := DefaultParameters()
	p.DT = 0
	if _, err := NewSimulation(p, nil); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected a configuration error, got %v", err)
	}
	p = DefaultParameters()
	p.DegradationStdDev = -1
	if _, err := NewSimulation(p, NewNoiseless()); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected a configuration error, got %v", err)
	}
}

func TestSimulationReproducible(t *testing.T) {
	p := faultyParameters()
	s1, _ := newTestSimulation(t, p)
	s2, _ := newTestSimulation(t, p)
	recs1, err := s1.Records()
	require.NoError(t, err)
	recs2, err := s2.Records()
	require.NoError(t, err)
	require.Len(t, recs1, p.SimulationSteps)
	assert.True(t, s1.Done())
	assertSameRecords(t, recs1, recs2)

	s1.Reset()
	assert.False(t, s1.Done())
	replay, err := s1.Records()
	require.NoError(t, err)
	assertSameRecords(t, recs1, replay)

	p.Seed++
	s3, _ := newTestSimulation(t, p)
	other, err := s3.Records()
	require.NoError(t, err)
	if sameVec(recs1[len(recs1)-1].True, other[len(other)-1].True) {
		t.Fatal("a different seed must give a different degradation")
	}
}

// assertGolden compares v to exp within tol relative to max(1, |exp|).
func assertGolden(t *testing.T, exp []float64, v *mat.VecDense, tol float64, name string) {
	require.Equal(t, len(exp), v.Len())
	for i, e := range exp {
		assert.InDelta(t, e, v.AtVec(i), tol*math.Max(1, math.Abs(e)), "%s[%d]", name, i)
	}
}

func TestSimulationRegression(t *testing.T) {
	p := DefaultParameters()
	degradation := make([]float64, p.SimulationSteps)
	measurement := make([]*mat.VecDense, p.SimulationSteps)
	for k := range degradation {
		degradation[k] = float64(k%5-2) * 1e-5
		measurement[k] = mat.NewVecDense(MeasDim, []float64{float64(k%3-1) * 0.01, float64(k%4-2) * 0.001})
	}
	s, err := NewSimulation(p, NewBatchNoise(degradation, measurement))
	require.NoError(t, err)
	recs, err := s.Records()
	require.NoError(t, err)
	require.Len(t, recs, 200)

	first, last := recs[0], recs[len(recs)-1]
	assertGolden(t, []float64{0.30000000000000004, 0, 0.009980000000000001}, first.True, 1e-12, "true k=0")
	assertGolden(t, []float64{0.289966784878382, -0.0010033215021275667, 0.009596661595066811}, first.Estimate, 1e-9, "estimate k=0")
	assertGolden(t, []float64{59.23448967738933, 592.4014397459705, 0.01592401439745971}, last.True, 1e-12, "true k=199")
	assertGolden(t, []float64{59.23395546360314, 592.4002883269113, 0.015897770344467568}, last.Estimate, 1e-9, "estimate k=199")
}

func TestSimulationFaultsKeepTruth(t *testing.T) {
	p := faultyParameters()
	faulty, _ := newTestSimulation(t, p)
	clean, _ := newTestSimulation(t, p, WithoutFaults())
	withFaults, err := faulty.Records()
	require.NoError(t, err)
	without, err := clean.Records()
	require.NoError(t, err)

	injected := 0
	for k := range withFaults {
		if !sameVec(withFaults[k].True, without[k].True) {
			t.Fatalf("k=%d: fault injection changed the true state", k)
		}
		if without[k].Faults.Any() {
			t.Fatalf("k=%d: faults injected while disabled", k)
		}
		if withFaults[k].Faults.Any() {
			injected++
		}
	}
	assert.NotZero(t, injected)
	assert.Equal(t, p.SimulationSteps, faulty.GroundTruth().Len())
}

func TestSimulationDropout(t *testing.T) {
	p := DefaultParameters()
	p.SimulationSteps = 20
	p.Faults.DropoutProb = 1
	s, _ := newTestSimulation(t, p)
	recs, err := s.Records()
	require.NoError(t, err)
	prevθVar := p.P0().At(IdxTheta, IdxTheta)
	for _, rec := range recs {
		assert.True(t, rec.Dropout)
		assert.False(t, rec.Updated)
		assert.Zero(t, rec.NIS)
		assert.Nil(t, rec.Baseline)
		assert.True(t, math.IsNaN(rec.Measurement.AtVec(IdxSpeed)))
		assert.Equal(t, Predicted, s.Filter().Status())
		if rec.Variance[IdxTheta] <= prevθVar {
			t.Fatalf("k=%d: θ variance must grow without updates", rec.Step)
		}
		prevθVar = rec.Variance[IdxTheta]
	}
}

func TestSimulationRecord(t *testing.T) {
	p := DefaultParameters()
	p.SimulationSteps = 50
	s, _ := newTestSimulation(t, p)
	var recs []Record
	require.NoError(t, s.Run(func(rec Record) error {
		recs = append(recs, rec)
		return nil
	}))
	for k, rec := range recs {
		assert.Equal(t, k, rec.Step)
		assert.InDelta(t, float64(k+1)*p.DT, rec.Time, 1e-12)
		assert.True(t, rec.Updated)
		assert.NotNil(t, rec.Baseline)
		assert.Len(t, rec.Covariance, StateDim*StateDim)
		assert.Len(t, rec.Variance, StateDim)
		var e mat.VecDense
		e.SubVec(rec.Estimate, rec.True)
		assert.True(t, mat.EqualApprox(&e, rec.Error, 1e-12))
		assert.False(t, math.IsNaN(rec.NEES))
		assert.GreaterOrEqual(t, rec.NIS, 0.0)
	}
	within := 0
	for _, rec := range recs {
		if rec.Within2σ {
			within++
		}
	}
	assert.NotZero(t, within)
	// The baseline starts at the first reading.
	assert.True(t, mat.Equal(recs[0].Baseline, recs[0].Measurement))

	stop := errors.New("stop")
	s.Reset()
	calls := 0
	err := s.Run(func(Record) error {
		calls++
		return stop
	})
	assert.Equal(t, stop, err)
	assert.Equal(t, 1, calls)
}

func TestSimulationAnomalies(t *testing.T) {
	p := DefaultParameters()
	p.SimulationSteps = 100
	p.Thresholds.MaxSpeed = 10
	s, hook := newTestSimulation(t, p)
	recs, err := s.Records()
	require.NoError(t, err)

	first := -1
	for _, rec := range recs {
		for _, a := range rec.Anomalies {
			if a.Kind == Overspeed && first < 0 {
				first = rec.Step
			}
		}
	}
	// ω reaches 10 rad/s after about 3.3 s.
	require.NotEqual(t, -1, first)
	assert.Greater(t, first, 20)
	assert.True(t, recs[len(recs)-1].Anomalous())
	assert.Equal(t, Critical, recs[len(recs)-1].MaxSeverity())
	assert.Equal(t, None, recs[0].MaxSeverity())

	warned := false
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Message == "threshold exceeded" && entry.Data["kind"] == Overspeed {
			warned = true
		}
	}
	assert.True(t, warned)
}

// brokenFilter gives the UKF of s a negative process noise, which breaks the update.
func brokenFilter(s *Simulation) {
	s.kf.Q = Diagonal(-5, -5, -5)
}

func TestSimulationDivergenceAbort(t *testing.T) {
	p := DefaultParameters()
	p.SimulationSteps = 5
	s, hook := newTestSimulation(t, p)
	brokenFilter(s)

	_, err := s.Step()
	if !errors.Is(err, ErrNumerical) {
		t.Fatalf("expected a numerical error, got %v", err)
	}
	assert.Equal(t, Diverged, s.Filter().Status())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)

	if _, err := s.Step(); !errors.Is(err, ErrDiverged) {
		t.Fatalf("expected ErrDiverged, got %v", err)
	}
	if _, err := s.Records(); !errors.Is(err, ErrDiverged) {
		t.Fatalf("expected ErrDiverged, got %v", err)
	}
}

func TestSimulationDivergenceReset(t *testing.T) {
	p := DefaultParameters()
	p.SimulationSteps = 5
	p.OnDiverge = DivergenceReset
	s, hook := newTestSimulation(t, p)
	brokenFilter(s)

	recs, err := s.Records()
	require.NoError(t, err)
	require.Len(t, recs, p.SimulationSteps)
	for _, rec := range recs {
		assert.True(t, rec.Reset)
		assert.False(t, rec.Updated)
		assert.True(t, mat.Equal(rec.Estimate, p.X0Hat()))
	}
	assert.Equal(t, Initialized, s.Filter().Status())

	resets := 0
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Message == "UKF diverged, resetting its belief" {
			resets++
		}
	}
	assert.Equal(t, p.SimulationSteps, resets)
}

func TestSimulationWithExtended(t *testing.T) {
	p := DefaultParameters()
	p.SimulationSteps = 60
	p.Faults.DropoutProb = 0.1
	s, _ := newTestSimulation(t, p, WithExtended())
	recs, err := s.Records()
	require.NoError(t, err)
	for _, rec := range recs {
		require.NotNil(t, rec.Extended)
	}
	last := recs[len(recs)-1]
	assert.InDelta(t, last.True.AtVec(IdxOmega), last.Extended.AtVec(IdxOmega), 0.5)

	// Replays with the EKF too.
	s.Reset()
	replay, err := s.Records()
	require.NoError(t, err)
	for k := range recs {
		if !sameVec(recs[k].Extended, replay[k].Extended) {
			t.Fatalf("k=%d: EKF estimate differs after a reset", k)
		}
	}

	plain, _ := newTestSimulation(t, p)
	rec, err := plain.Step()
	require.NoError(t, err)
	assert.Nil(t, rec.Extended)
}
