package gotwin

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// PumpModel is the rigid body model of the pump shaft with a latent friction term.
// State x = [ω, θ, φ]: angular velocity (rad/s), angular position (rad) and
// degradation (viscous friction coefficient). θ is not wrapped.
// Measurement y = [speed, vibration].
type PumpModel struct {
	inertia, motorTorque, loadTorque float64
	vibration, wearRate              float64
}

// NewPumpModel returns the pump model of the provided parameters.
func NewPumpModel(p ModelParameters) (*PumpModel, error) {
	if !(p.Inertia > 0) {
		return nil, errors.Wrapf(ErrConfiguration, "inertia must be positive, got %v", p.Inertia)
	}
	return &PumpModel{p.Inertia, p.MotorTorque, p.LoadTorque, p.VibrationConstant, p.WearRate}, nil
}

func (m *PumpModel) String() string {
	return fmt.Sprintf("PumpModel{J=%g τm=%g τl=%g c=%g wear=%g}", m.inertia, m.motorTorque, m.loadTorque, m.vibration, m.wearRate)
}

// FrictionTorque returns the friction torque of degradation φ at speed ω.
func FrictionTorque(φ, ω float64) float64 {
	return φ * ω
}

// Acceleration returns the angular acceleration at state (ω, φ).
func (m *PumpModel) Acceleration(ω, φ float64) float64 {
	return (m.motorTorque - m.loadTorque - FrictionTorque(φ, ω)) / m.inertia
}

// Transition returns the state after dt given the stochastic degradation increment w.
func (m *PumpModel) Transition(x mat.Vector, dt, w float64) (*mat.VecDense, error) {
	if !(dt > 0) || math.IsInf(dt, 0) {
		return nil, errors.Wrapf(ErrInvalidInput, "dt must be positive, got %v", dt)
	}
	if err := checkVecLen(x, StateDim, "state"); err != nil {
		return nil, err
	}
	ω, θ, φ := x.AtVec(IdxOmega), x.AtVec(IdxTheta), x.AtVec(IdxPhi)
	next := mat.NewVecDense(StateDim, nil)
	next.SetVec(IdxOmega, ω+m.Acceleration(ω, φ)*dt)
	next.SetVec(IdxTheta, θ+ω*dt)
	next.SetVec(IdxPhi, φ+m.wearRate*math.Abs(ω)*dt+w)
	return next, nil
}

// Propagate implements the Propagator interface: Transition without any stochastic term.
func (m *PumpModel) Propagate(x mat.Vector, dt float64) (*mat.VecDense, error) {
	return m.Transition(x, dt, 0)
}

// Advance propagates the true state, consuming one degradation draw of step k.
func (m *PumpModel) Advance(x mat.Vector, dt float64, noise Noise, k int) (*mat.VecDense, error) {
	return m.Transition(x, dt, noise.Degradation(k))
}

// Observe implements the Observer interface.
func (m *PumpModel) Observe(x mat.Vector) (*mat.VecDense, error) {
	if err := checkVecLen(x, StateDim, "state"); err != nil {
		return nil, err
	}
	ω, φ := x.AtVec(IdxOmega), x.AtVec(IdxPhi)
	return mat.NewVecDense(MeasDim, []float64{ω, m.vibration * φ * math.Abs(ω)}), nil
}

// Sense returns the noisy sensor readings of the true state at step k.
func (m *PumpModel) Sense(x mat.Vector, noise Noise, k int) (*mat.VecDense, error) {
	y, err := m.Observe(x)
	if err != nil {
		return nil, err
	}
	y.AddVec(y, noise.Measurement(k))
	return y, nil
}

// Jacobian returns the continuous time Jacobian of the dynamics at x.
func (m *PumpModel) Jacobian(x mat.Vector) *mat.Dense {
	ω, φ := x.AtVec(IdxOmega), x.AtVec(IdxPhi)
	sign := 1.0
	if ω < 0 {
		sign = -1
	}
	return mat.NewDense(StateDim, StateDim, []float64{
		-φ / m.inertia, 0, -ω / m.inertia,
		1, 0, 0,
		m.wearRate * sign, 0, 0,
	})
}

// MeasurementJacobian returns ∂h/∂x at x.
func (m *PumpModel) MeasurementJacobian(x mat.Vector) *mat.Dense {
	ω, φ := x.AtVec(IdxOmega), x.AtVec(IdxPhi)
	sign := 1.0
	if ω < 0 {
		sign = -1
	}
	return mat.NewDense(MeasDim, StateDim, []float64{
		1, 0, 0,
		m.vibration * φ * sign, 0, m.vibration * math.Abs(ω),
	})
}
