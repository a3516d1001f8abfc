package gotwin

import (
	"fmt"
	"math"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

// DivergencePolicy decides what the Simulation does when the UKF diverges.
type DivergencePolicy string

const (
	// DivergenceAbort stops the simulation and returns the numerical error.
	DivergenceAbort DivergencePolicy = "abort"
	// DivergenceReset re-initializes the belief and keeps going.
	DivergenceReset DivergencePolicy = "reset"
)

// UnscentedParams are the spread parameters of the sigma points.
type UnscentedParams struct {
	Alpha float64 `yaml:"alpha"`
	Beta  float64 `yaml:"beta"`
	Kappa float64 `yaml:"kappa"`
}

// Lambda returns α²(n+κ) - n.
func (u UnscentedParams) Lambda(n int) float64 {
	nf := float64(n)
	return u.Alpha*u.Alpha*(nf+u.Kappa) - nf
}

// Thresholds are the alert limits checked at every step. A zero limit is disabled.
type Thresholds struct {
	MaxSpeed     float64 `yaml:"max_speed"`     // rad/s, overspeed
	MaxVibration float64 `yaml:"max_vibration"` // on the vibration reading
	MaxFriction  float64 `yaml:"max_friction"`  // on the estimated φ
	// Critical is the ratio value/limit above which a breach is critical instead of a warning.
	Critical float64 `yaml:"critical_ratio"`
	// WarmupSteps > 0 derives the vibration limit as mean + SigmaK*stddev of the first readings.
	WarmupSteps int     `yaml:"warmup_steps"`
	SigmaK      float64 `yaml:"sigma_k"`
	// ResidualK > 0 flags measurement channels whose innovation exceeds ResidualK*sqrt(S_ii).
	ResidualK float64 `yaml:"residual_k"`
}

// FaultParams are the per step probabilities of sensor faults injected in the synthetic measurements.
type FaultParams struct {
	Seed         uint64  `yaml:"seed"`
	SpikeProb    float64 `yaml:"spike_prob"`
	SpikeMult    float64 `yaml:"spike_mult"`
	DriftProb    float64 `yaml:"drift_prob"`
	DriftPerStep float64 `yaml:"drift_per_step"`
	DropoutProb  float64 `yaml:"dropout_prob"`
}

// Enabled returns whether any fault may be injected.
func (f FaultParams) Enabled() bool {
	return f.SpikeProb > 0 || f.DriftProb > 0 || f.DropoutProb > 0
}

// ModelParameters is the immutable configuration of the twin and of its estimator.
// Matrices are given row major.
type ModelParameters struct {
	Inertia           float64 `yaml:"inertia"`            // J (kg*m^2)
	MotorTorque       float64 `yaml:"motor_torque"`       // τm (Nm)
	LoadTorque        float64 `yaml:"load_torque"`        // τl (Nm)
	InitialFriction   float64 `yaml:"initial_friction"`   // φ0
	VibrationConstant float64 `yaml:"vibration_constant"` // vibration = c*φ*|ω|
	WearRate          float64 `yaml:"wear_rate"`          // dφ/dt = WearRate*|ω|
	DegradationStdDev float64 `yaml:"degradation_stddev"` // σ of the φ increment per step
	DT                float64 `yaml:"dt"`                 // Δt (s)
	SimulationSteps   int     `yaml:"simulation_steps"`
	Seed              uint64  `yaml:"seed"`

	UKF UnscentedParams `yaml:"ukf"`
	// ProcessNoise Q (3x3) added to the predicted covariance. When empty and
	// ProcessNoiseDensity is set, Q is computed with VanLoan.
	ProcessNoise        []float64 `yaml:"process_noise"`
	ProcessNoiseDensity []float64 `yaml:"process_noise_density"` // diagonal of W (3)
	// MeasurementNoise R (2x2), used both by the filter and the synthetic sensors.
	MeasurementNoise []float64 `yaml:"measurement_noise"`
	InitialState     []float64 `yaml:"initial_state"`      // \hat{x}_0 (3)
	InitialCovar     []float64 `yaml:"initial_covariance"` // P_0 (3x3)
	TrueInitialState []float64 `yaml:"true_initial_state"` // x_0 of the twin, defaults to [0, 0, φ0]

	Thresholds Thresholds       `yaml:"thresholds"`
	Faults     FaultParams      `yaml:"faults"`
	OnDiverge  DivergencePolicy `yaml:"on_divergence"`
}

// DefaultParameters returns the constants of the reference pump.
func DefaultParameters() ModelParameters {
	return ModelParameters{
		Inertia:           10.0,
		MotorTorque:       50.0,
		LoadTorque:        20.0,
		InitialFriction:   0.01,
		VibrationConstant: 0.4,
		WearRate:          1e-5,
		DegradationStdDev: 1e-4,
		DT:                0.1,
		SimulationSteps:   200,
		Seed:              42,
		UKF:               UnscentedParams{Alpha: 1, Beta: 2, Kappa: 0},
		ProcessNoise:      []float64{1e-4, 0, 0, 0, 1e-6, 0, 0, 0, 1e-8},
		MeasurementNoise:  []float64{0.05 * 0.05, 0, 0, 0.01 * 0.01},
		InitialState:      []float64{0, 0, 0.01},
		InitialCovar:      []float64{1, 0, 0, 0, 1, 0, 0, 0, 1e-4},
		Thresholds: Thresholds{
			MaxSpeed:     100,
			MaxVibration: 0.5,
			MaxFriction:  0.05,
			Critical:     1.5,
			SigmaK:       3,
		},
		Faults:    FaultParams{Seed: 7, SpikeMult: 3, DriftPerStep: 0.002},
		OnDiverge: DivergenceAbort,
	}
}

// LoadParameters reads a YAML file on top of DefaultParameters and validates the result.
func LoadParameters(path string) (ModelParameters, error) {
	params := DefaultParameters()
	content, err := os.ReadFile(path)
	if err != nil {
		return params, errors.Wrapf(ErrConfiguration, "could not read %s: %s", path, err)
	}
	if err := yaml.Unmarshal(content, &params); err != nil {
		return params, errors.Wrapf(ErrConfiguration, "could not parse %s: %s", path, err)
	}
	if err := params.Validate(); err != nil {
		return params, err
	}
	return params, nil
}

// Validate returns every problem of the parameters. Each error wraps ErrConfiguration.
func (p ModelParameters) Validate() error {
	var errs error
	fail := func(format string, args ...interface{}) {
		errs = multierr.Append(errs, errors.Wrapf(ErrConfiguration, format, args...))
	}
	positive := func(name string, v float64) {
		if !(v > 0) || math.IsInf(v, 0) {
			fail("%s must be positive and finite, got %v", name, v)
		}
	}
	finite := func(name string, v float64) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			fail("%s must be finite, got %v", name, v)
		}
	}

	positive("inertia", p.Inertia)
	positive("dt", p.DT)
	finite("motor_torque", p.MotorTorque)
	finite("load_torque", p.LoadTorque)
	finite("initial_friction", p.InitialFriction)
	finite("vibration_constant", p.VibrationConstant)
	if p.SimulationSteps <= 0 {
		fail("simulation_steps must be positive, got %d", p.SimulationSteps)
	}
	if p.WearRate < 0 || math.IsNaN(p.WearRate) {
		fail("wear_rate must be non negative, got %v", p.WearRate)
	}
	if p.DegradationStdDev < 0 || math.IsNaN(p.DegradationStdDev) {
		fail("degradation_stddev must be non negative, got %v", p.DegradationStdDev)
	}

	if !(p.UKF.Alpha > 0) {
		fail("ukf.alpha must be positive, got %v", p.UKF.Alpha)
	} else if nλ := float64(StateDim) + p.UKF.Lambda(StateDim); !(nλ > 0) {
		fail("ukf spread parameters give n+λ=%v which must be positive", nλ)
	}

	checkSym := func(name string, vals []float64, n int) {
		if len(vals) != n*n {
			fail("%s must have %d values (%dx%d), got %d", name, n*n, n, n, len(vals))
			return
		}
		m := mat.NewDense(n, n, vals)
		if MaxAsymmetry(m) > 0 {
			fail("%s is not symmetric", name)
			return
		}
		if !IsPositiveDefinite(mat.NewSymDense(n, vals)) {
			fail("%s is not positive definite", name)
		}
	}
	checkVec := func(name string, vals []float64, n int) {
		if len(vals) != n {
			fail("%s must have %d values, got %d", name, n, len(vals))
			return
		}
		if !IsFinite(mat.NewVecDense(n, vals)) {
			fail("%s must be finite", name)
		}
	}

	switch {
	case len(p.ProcessNoise) > 0:
		checkSym("process_noise", p.ProcessNoise, StateDim)
	case len(p.ProcessNoiseDensity) > 0:
		checkVec("process_noise_density", p.ProcessNoiseDensity, StateDim)
		for i, w := range p.ProcessNoiseDensity {
			if !(w > 0) {
				fail("process_noise_density[%d] must be positive, got %v", i, w)
			}
		}
	default:
		fail("either process_noise or process_noise_density must be set")
	}
	checkSym("measurement_noise", p.MeasurementNoise, MeasDim)
	checkVec("initial_state", p.InitialState, StateDim)
	checkSym("initial_covariance", p.InitialCovar, StateDim)
	if len(p.TrueInitialState) > 0 {
		checkVec("true_initial_state", p.TrueInitialState, StateDim)
	}

	t := p.Thresholds
	for _, lim := range []struct {
		name string
		v    float64
	}{{"max_speed", t.MaxSpeed}, {"max_vibration", t.MaxVibration}, {"max_friction", t.MaxFriction}, {"residual_k", t.ResidualK}} {
		if lim.v < 0 || math.IsNaN(lim.v) {
			fail("thresholds.%s must be non negative, got %v", lim.name, lim.v)
		}
	}
	if t.Critical != 0 && t.Critical < 1 {
		fail("thresholds.critical_ratio must be at least 1, got %v", t.Critical)
	}
	if t.WarmupSteps < 0 {
		fail("thresholds.warmup_steps must be non negative, got %d", t.WarmupSteps)
	} else if t.WarmupSteps > 0 && !(t.SigmaK > 0) {
		fail("thresholds.sigma_k must be positive with a warm up, got %v", t.SigmaK)
	}

	for _, prob := range []struct {
		name string
		v    float64
	}{{"spike_prob", p.Faults.SpikeProb}, {"drift_prob", p.Faults.DriftProb}, {"dropout_prob", p.Faults.DropoutProb}} {
		if prob.v < 0 || prob.v > 1 || math.IsNaN(prob.v) {
			fail("faults.%s must be in [0, 1], got %v", prob.name, prob.v)
		}
	}

	switch p.OnDiverge {
	case DivergenceAbort, DivergenceReset:
	default:
		fail("on_divergence must be %q or %q, got %q", DivergenceAbort, DivergenceReset, p.OnDiverge)
	}
	return errs
}

// Q returns the process noise matrix, computing it from the noise density if needed.
func (p ModelParameters) Q() (*mat.SymDense, error) {
	if len(p.ProcessNoise) > 0 {
		return mat.NewSymDense(StateDim, append([]float64(nil), p.ProcessNoise...)), nil
	}
	model, err := NewPumpModel(p)
	if err != nil {
		return nil, err
	}
	A := model.Jacobian(p.X0Hat())
	Γ := mat.DenseCopyOf(Identity(StateDim))
	W := mat.DenseCopyOf(Diagonal(p.ProcessNoiseDensity...))
	_, Q, err := VanLoan(A, Γ, W, p.DT)
	if errors.Is(err, ErrNyquist) {
		logrus.WithField("dt", p.DT).Warn(err)
	} else if err != nil {
		return nil, err
	}
	return Q, nil
}

// R returns the measurement noise matrix.
func (p ModelParameters) R() *mat.SymDense {
	return mat.NewSymDense(MeasDim, append([]float64(nil), p.MeasurementNoise...))
}

// X0Hat returns the initial state estimate.
func (p ModelParameters) X0Hat() *mat.VecDense {
	return mat.NewVecDense(StateDim, append([]float64(nil), p.InitialState...))
}

// P0 returns the initial covariance.
func (p ModelParameters) P0() *mat.SymDense {
	return mat.NewSymDense(StateDim, append([]float64(nil), p.InitialCovar...))
}

// X0 returns the initial true state of the twin.
func (p ModelParameters) X0() *mat.VecDense {
	if len(p.TrueInitialState) == StateDim {
		return mat.NewVecDense(StateDim, append([]float64(nil), p.TrueInitialState...))
	}
	return mat.NewVecDense(StateDim, []float64{0, 0, p.InitialFriction})
}

func (p ModelParameters) String() string {
	return fmt.Sprintf("J=%g τm=%g τl=%g φ0=%g c=%g Δt=%g steps=%d α=%g β=%g κ=%g", p.Inertia, p.MotorTorque, p.LoadTorque, p.InitialFriction, p.VibrationConstant, p.DT, p.SimulationSteps, p.UKF.Alpha, p.UKF.Beta, p.UKF.Kappa)
}
