package gotwin

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

func testModel(t *testing.T) *PumpModel {
	m, err := NewPumpModel(DefaultParameters())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestTransitionFromRest(t *testing.T) {
	p := DefaultParameters()
	m := testModel(t)
	x0 := mat.NewVecDense(StateDim, []float64{0, 0, p.InitialFriction})
	x1, err := m.Transition(x0, 1.0, 0)
	if err != nil {
		t.Fatal(err)
	}
	expω := (p.MotorTorque - p.LoadTorque - FrictionTorque(p.InitialFriction, 0)) / p.Inertia
	if x1.AtVec(IdxOmega) != expω {
		t.Fatalf("ω'=%f expected %f", x1.AtVec(IdxOmega), expω)
	}
	if expω != 3 {
		t.Fatalf("reference pump should accelerate at 3 rad/s², got %f", expω)
	}
	if x1.AtVec(IdxTheta) != 0 {
		t.Fatalf("θ'=%f expected 0", x1.AtVec(IdxTheta))
	}
	if x1.AtVec(IdxPhi) != p.InitialFriction {
		t.Fatalf("φ'=%f expected %f", x1.AtVec(IdxPhi), p.InitialFriction)
	}
	// Input must not be modified.
	if x0.AtVec(IdxOmega) != 0 {
		t.Fatal("Transition modified its input")
	}
}

func TestTransitionDynamics(t *testing.T) {
	p := DefaultParameters()
	m := testModel(t)
	x := mat.NewVecDense(StateDim, []float64{20, 5, 0.02})
	dt := 0.1
	next, err := m.Transition(x, dt, 1e-3)
	if err != nil {
		t.Fatal(err)
	}
	accel := (p.MotorTorque - p.LoadTorque - 0.02*20) / p.Inertia
	exp := mat.NewVecDense(StateDim, []float64{20 + accel*dt, 5 + 20*dt, 0.02 + p.WearRate*20*dt + 1e-3})
	if !mat.EqualApprox(next, exp, 1e-12) {
		t.Fatalf("unexpected state\n%v\n%v", mat.Formatted(next), mat.Formatted(exp))
	}
}

func TestThetaIsNotWrapped(t *testing.T) {
	m := testModel(t)
	x := mat.NewVecDense(StateDim, []float64{100, 6, 0.01})
	next, err := m.Propagate(x, 0.1)
	if err != nil {
		t.Fatal(err)
	}
	if θ := next.AtVec(IdxTheta); θ <= 2*math.Pi {
		t.Fatalf("θ=%f was wrapped", θ)
	}
}

func TestTransitionInvalidDt(t *testing.T) {
	m := testModel(t)
	x := mat.NewVecDense(StateDim, []float64{0, 0, 0.01})
	for _, dt := range []float64{0, -0.1, math.NaN(), math.Inf(1)} {
		if _, err := m.Transition(x, dt, 0); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("dt=%f: expected invalid input, got %v", dt, err)
		}
		if _, err := m.Advance(x, dt, NewNoiseless(), 0); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("dt=%f: Advance expected invalid input, got %v", dt, err)
		}
	}
	if _, err := m.Transition(mat.NewVecDense(2, nil), 0.1, 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("wrong state size: expected invalid input, got %v", err)
	}
}

func TestObserve(t *testing.T) {
	p := DefaultParameters()
	p.VibrationConstant = 0.5
	m, err := NewPumpModel(p)
	if err != nil {
		t.Fatal(err)
	}
	y, err := m.Observe(mat.NewVecDense(StateDim, []float64{10, 0, 2}))
	if err != nil {
		t.Fatal(err)
	}
	if y.AtVec(IdxSpeed) != 10 || y.AtVec(IdxVibration) != 10 {
		t.Fatalf("unexpected measurement %v", mat.Formatted(y.T()))
	}
	// Vibration grows with |ω| whatever the direction.
	y, _ = m.Observe(mat.NewVecDense(StateDim, []float64{-10, 0, 2}))
	if y.AtVec(IdxSpeed) != -10 || y.AtVec(IdxVibration) != 10 {
		t.Fatalf("unexpected measurement %v", mat.Formatted(y.T()))
	}
	if _, err := m.Observe(mat.NewVecDense(4, nil)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestSenseAddsNoise(t *testing.T) {
	m := testModel(t)
	x := mat.NewVecDense(StateDim, []float64{10, 0, 0.01})
	noise := NewBatchNoise(nil, []*mat.VecDense{mat.NewVecDense(MeasDim, []float64{0.5, -0.01})})
	y, err := m.Sense(x, noise, 0)
	if err != nil {
		t.Fatal(err)
	}
	exp := mat.NewVecDense(MeasDim, []float64{10.5, 0.4*0.01*10 - 0.01})
	if !mat.EqualApprox(y, exp, 1e-12) {
		t.Fatalf("unexpected sensed measurement\n%v", mat.Formatted(y))
	}
}

func TestJacobian(t *testing.T) {
	m := testModel(t)
	x := mat.NewVecDense(StateDim, []float64{20, 1, 0.02})
	J := m.Jacobian(x)
	// Central differences of Transition over a tiny step approximate I + J*dt.
	dt := 1e-3
	for j := 0; j < StateDim; j++ {
		h := 1e-4
		xp := mat.VecDenseCopyOf(x)
		xm := mat.VecDenseCopyOf(x)
		xp.SetVec(j, x.AtVec(j)+h)
		xm.SetVec(j, x.AtVec(j)-h)
		fp, _ := m.Propagate(xp, dt)
		fm, _ := m.Propagate(xm, dt)
		for i := 0; i < StateDim; i++ {
			num := (fp.AtVec(i) - fm.AtVec(i)) / (2 * h)
			if i == j {
				num--
			}
			num /= dt
			if math.Abs(num-J.At(i, j)) > 1e-4 {
				t.Fatalf("J(%d,%d)=%f numerical=%f", i, j, J.At(i, j), num)
			}
		}
	}
}

func TestMeasurementJacobian(t *testing.T) {
	m := testModel(t)
	for _, x := range []*mat.VecDense{
		mat.NewVecDense(StateDim, []float64{20, 1, 0.02}),
		mat.NewVecDense(StateDim, []float64{-5, 0, 0.03}),
	} {
		H := m.MeasurementJacobian(x)
		for j := 0; j < StateDim; j++ {
			h := 1e-6
			xp := mat.VecDenseCopyOf(x)
			xm := mat.VecDenseCopyOf(x)
			xp.SetVec(j, x.AtVec(j)+h)
			xm.SetVec(j, x.AtVec(j)-h)
			yp, _ := m.Observe(xp)
			ym, _ := m.Observe(xm)
			for i := 0; i < MeasDim; i++ {
				num := (yp.AtVec(i) - ym.AtVec(i)) / (2 * h)
				if math.Abs(num-H.At(i, j)) > 1e-6 {
					t.Fatalf("H(%d,%d)=%f numerical=%f", i, j, H.At(i, j), num)
				}
			}
		}
	}
}
