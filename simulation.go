package gotwin

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// Random walk noises of the per channel baseline filter.
const (
	baselineQ = 1e-3
	baselineR = 1e-2
)

// Record is the output of one simulation step.
type Record struct {
	Step        int
	Time        float64       // s, at the end of the step
	True        *mat.VecDense // true state x
	Estimate    *mat.VecDense // UKF belief mean after the step
	Variance    []float64     // diagonal of the belief covariance
	Covariance  []float64     // row major belief covariance
	Measurement *mat.VecDense // sensor readings, NaN on a dropout
	TrueMeas    *mat.VecDense // noiseless h(x)
	Predicted   *mat.VecDense // \hat{y}_{k+1}^{-}
	Innovation  *mat.VecDense // zero without an update
	NIS         float64       // zero without an update
	NEES        float64       // NaN if the covariance is not positive definite
	Within2σ    bool          // every component of Error is within ±2σ
	Error       *mat.VecDense // Estimate - True
	Baseline    *mat.VecDense // per channel linear KF estimate, nil before the first reading
	Extended    *mat.VecDense // EKF estimate, nil unless WithExtended
	Updated     bool          // whether the measurement update ran
	Dropout     bool
	Faults      FaultLabels
	Anomalies   []Anomaly
	Reset       bool // the UKF diverged and its belief was re-initialized
}

// Anomalous returns whether any threshold was exceeded.
func (r Record) Anomalous() bool {
	return len(r.Anomalies) > 0
}

// MaxSeverity returns the highest severity of the anomalies of the record.
func (r Record) MaxSeverity() Severity {
	max := None
	for _, a := range r.Anomalies {
		if a.Severity > max {
			max = a.Severity
		}
	}
	return max
}

func (r Record) String() string {
	return fmt.Sprintf("k=%d t=%.2f ω=%.4f/%.4f φ=%.6f/%.6f anomalies=%d reset=%v", r.Step, r.Time,
		r.True.AtVec(IdxOmega), r.Estimate.AtVec(IdxOmega), r.True.AtVec(IdxPhi), r.Estimate.AtVec(IdxPhi), len(r.Anomalies), r.Reset)
}

// Option configures a Simulation.
type Option func(*Simulation)

// WithLogger sets the logger of the simulation, the logrus standard logger by default.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Simulation) {
		s.log = log
	}
}

// WithExtended runs an EKF of the same model, noises and initial belief next to the UKF.
func WithExtended() Option {
	return func(s *Simulation) {
		s.compare = true
	}
}

// WithoutFaults disables the fault injection whatever the parameters.
func WithoutFaults() Option {
	return func(s *Simulation) {
		s.faults = nil
	}
}

// Simulation runs the pump twin and its UKF side by side.
type Simulation struct {
	params   ModelParameters
	model    *PumpModel
	noise    Noise
	kf       *UKF
	faults   *FaultInjector
	monitor  *Monitor
	baseline *Vanilla
	ekf      *Extended
	compare  bool
	truth    *BatchGroundTruth
	log      logrus.FieldLogger
	x        *mat.VecDense
	step     int
}

// NewSimulation validates the parameters and returns a new Simulation.
// A nil noise draws seeded AWGN from the degradation standard deviation and R.
func NewSimulation(params ModelParameters, noise Noise, opts ...Option) (*Simulation, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	model, err := NewPumpModel(params)
	if err != nil {
		return nil, err
	}
	if noise == nil {
		if noise, err = NewAWGN(params.DegradationStdDev, params.R(), params.Seed); err != nil {
			return nil, err
		}
	}
	Q, err := params.Q()
	if err != nil {
		return nil, err
	}
	kf, _, err := NewUKF(params.X0Hat(), params.P0(), Q, params.R(), model, params.UKF)
	if err != nil {
		return nil, err
	}
	s := &Simulation{
		params:  params,
		model:   model,
		noise:   noise,
		kf:      kf,
		monitor: NewMonitor(params.Thresholds),
		truth:   NewBatchGroundTruth(nil, nil),
		log:     logrus.StandardLogger(),
		x:       params.X0(),
	}
	if params.Faults.Enabled() {
		s.faults = NewFaultInjector(params.Faults)
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.compare {
		if s.ekf, _, err = NewExtended(params.X0Hat(), params.P0(), Q, params.R(), model); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Filter returns the UKF of the simulation.
func (s *Simulation) Filter() *UKF {
	return s.kf
}

// GroundTruth returns the true states and measurements of the steps run so far.
func (s *Simulation) GroundTruth() *BatchGroundTruth {
	return s.truth
}

// Params returns the parameters of the simulation.
func (s *Simulation) Params() ModelParameters {
	return s.params
}

// Done returns whether all the configured steps were run.
func (s *Simulation) Done() bool {
	return s.step >= s.params.SimulationSteps
}

// Reset restarts the simulation from the initial state and belief with the same random sequences.
func (s *Simulation) Reset() {
	s.noise.Reset()
	if s.faults != nil {
		s.faults.Reset()
	}
	s.kf.Reset()
	if s.ekf != nil {
		s.ekf.Reset()
	}
	s.monitor.Reset()
	s.truth.Reset()
	s.baseline = nil
	s.x = s.params.X0()
	s.step = 0
}

// Step advances the twin by one DT, filters the new measurement and checks the thresholds.
// A divergence of the UKF is either returned or recovered from, per the DivergencePolicy.
func (s *Simulation) Step() (Record, error) {
	k := s.step
	dt := s.params.DT
	x, err := s.model.Advance(s.x, dt, s.noise, k)
	if err != nil {
		return Record{}, err
	}
	yTrue, err := s.model.Observe(x)
	if err != nil {
		return Record{}, err
	}
	z, err := s.model.Sense(x, s.noise, k)
	if err != nil {
		return Record{}, err
	}
	var labels FaultLabels
	if s.faults != nil {
		z, labels = s.faults.Inject(z)
	}
	s.x = x
	s.step++
	s.truth.Append(x, yTrue)

	rec := Record{
		Step:        k,
		Time:        float64(k+1) * dt,
		True:        mat.VecDenseCopyOf(x),
		Measurement: z,
		TrueMeas:    yTrue,
		Dropout:     labels.Dropout,
		Faults:      labels,
	}

	est, err := s.kf.Predict(dt)
	if err == nil && !labels.Dropout {
		est, err = s.kf.Update(z)
		rec.Updated = err == nil
	}
	if err != nil {
		if !errors.Is(err, ErrNumerical) {
			return rec, err
		}
		entry := s.log.WithFields(logrus.Fields{"step": k, "policy": s.params.OnDiverge}).WithError(err)
		if s.params.OnDiverge != DivergenceReset {
			entry.Error("UKF diverged")
			return rec, errors.Wrapf(err, "step %d", k)
		}
		entry.Warn("UKF diverged, resetting its belief")
		s.kf.Reset()
		rec.Reset = true
		rec.Updated = false
		if est, err = s.kf.Estimate(); err != nil {
			return rec, err
		}
	}

	P := s.kf.Covariance()
	rec.Estimate = s.kf.State()
	rec.Variance = DiagOf(P)
	rec.Covariance = flatten(P)
	rec.Predicted = est.Measurement()
	rec.Innovation = est.Innovation()
	rec.NIS = est.NIS()

	errEst, err := s.truth.Error(k, est)
	if err != nil {
		return rec, err
	}
	rec.Error = errEst.State()
	rec.Within2σ = errEst.IsWithin2σ()
	if rec.NEES, err = errEst.NEES(); err != nil {
		rec.NEES = math.NaN()
		s.log.WithFields(logrus.Fields{"step": k}).WithError(err).Debug("NEES unavailable")
	}

	if err := s.filterBaseline(&rec); err != nil {
		return rec, err
	}
	if err := s.filterExtended(&rec, dt); err != nil {
		return rec, err
	}

	rec.Anomalies = s.monitor.Check(z, est)
	for _, a := range rec.Anomalies {
		s.log.WithFields(logrus.Fields{
			"step":      k,
			"kind":      a.Kind,
			"value":     a.Value,
			"threshold": a.Threshold,
			"severity":  a.Severity,
		}).Warn("threshold exceeded")
	}
	s.log.WithFields(logrus.Fields{
		"step":  k,
		"omega": rec.Estimate.AtVec(IdxOmega),
		"phi":   rec.Estimate.AtVec(IdxPhi),
		"nis":   rec.NIS,
	}).Debug("step")
	return rec, nil
}

// filterBaseline runs the per channel baseline, which starts at the first reading.
func (s *Simulation) filterBaseline(rec *Record) error {
	var est *VanillaEstimate
	var err error
	switch {
	case rec.Dropout && s.baseline == nil:
		return nil
	case rec.Dropout:
		est, err = s.baseline.Predict()
	case s.baseline == nil:
		s.baseline, est, err = NewChannelBaseline(rec.Measurement, baselineQ, baselineR)
	default:
		est, err = s.baseline.Update(rec.Measurement)
	}
	if err != nil {
		return err
	}
	rec.Baseline = mat.VecDenseCopyOf(est.State())
	return nil
}

// filterExtended runs the EKF, which is reset whenever it fails numerically.
func (s *Simulation) filterExtended(rec *Record, dt float64) error {
	if s.ekf == nil {
		return nil
	}
	var est *ExtendedEstimate
	var err error
	if rec.Dropout {
		est, err = s.ekf.Predict(dt)
	} else {
		est, err = s.ekf.Update(rec.Measurement, dt)
	}
	switch {
	case errors.Is(err, ErrNumerical):
		s.log.WithFields(logrus.Fields{"step": rec.Step}).WithError(err).Warn("EKF diverged, resetting it")
		s.ekf.Reset()
		rec.Extended = s.params.X0Hat()
	case err != nil:
		return err
	default:
		rec.Extended = mat.VecDenseCopyOf(est.State())
	}
	return nil
}

// Run runs the remaining steps and hands every record to fn, if not nil.
// It stops on the first error of a step or of fn.
func (s *Simulation) Run(fn func(Record) error) error {
	for !s.Done() {
		rec, err := s.Step()
		if err != nil {
			return err
		}
		if fn != nil {
			if err := fn(rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// Records runs the remaining steps and returns their records.
func (s *Simulation) Records() ([]Record, error) {
	var records []Record
	err := s.Run(func(rec Record) error {
		records = append(records, rec)
		return nil
	})
	return records, err
}
