package gotwin

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// AnomalyKind names the limit which was exceeded.
type AnomalyKind string

// Checked limits.
const (
	Overspeed         AnomalyKind = "overspeed"          // estimated |ω| above MaxSpeed
	HighVibration     AnomalyKind = "vibration"          // vibration reading above its limit
	HighFriction      AnomalyKind = "friction"           // estimated φ above MaxFriction
	SpeedResidual     AnomalyKind = "speed_residual"     // speed innovation outside ResidualK*σ
	VibrationResidual AnomalyKind = "vibration_residual" // vibration innovation outside ResidualK*σ
)

// Severity of an anomaly.
type Severity uint8

const (
	// None is the severity of a record without any anomaly.
	None Severity = iota
	// Warning is a breach below the critical ratio.
	Warning
	// Critical is a breach above the critical ratio.
	Critical
)

func (s Severity) String() string {
	switch s {
	case None:
		return "none"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	}
	return "unknown"
}

// Anomaly is a threshold violation. It is data, not an error.
type Anomaly struct {
	Kind      AnomalyKind
	Value     float64
	Threshold float64
	Severity  Severity
}

func (a Anomaly) String() string {
	return fmt.Sprintf("%s %s: %g > %g", a.Severity, a.Kind, a.Value, a.Threshold)
}

// Monitor checks every step against the configured Thresholds.
// With a warm up, the vibration limit becomes mean + SigmaK*stddev of the first
// WarmupSteps finite readings; MaxVibration applies until then.
type Monitor struct {
	limits   Thresholds
	warmup   []float64
	vibLimit float64
	derived  bool
}

// NewMonitor returns a Monitor of the provided thresholds.
func NewMonitor(limits Thresholds) *Monitor {
	m := &Monitor{limits: limits}
	m.Reset()
	return m
}

// Reset forgets the warm up readings.
func (m *Monitor) Reset() {
	m.warmup = m.warmup[:0]
	m.vibLimit = m.limits.MaxVibration
	m.derived = false
}

// VibrationLimit returns the current vibration limit and whether it was derived from the warm up.
func (m *Monitor) VibrationLimit() (float64, bool) {
	return m.vibLimit, m.derived
}

func (m *Monitor) severity(value, limit float64) Severity {
	if m.limits.Critical > 0 && value > m.limits.Critical*limit {
		return Critical
	}
	return Warning
}

func (m *Monitor) exceeds(anomalies []Anomaly, kind AnomalyKind, value, limit float64) []Anomaly {
	if limit > 0 && value > limit {
		anomalies = append(anomalies, Anomaly{kind, value, limit, m.severity(value, limit)})
	}
	return anomalies
}

// observe feeds the warm up window with a vibration reading.
func (m *Monitor) observe(vibration float64) {
	if m.limits.WarmupSteps <= 0 || m.derived || math.IsNaN(vibration) || math.IsInf(vibration, 0) {
		return
	}
	m.warmup = append(m.warmup, vibration)
	if len(m.warmup) < m.limits.WarmupSteps {
		return
	}
	mean, std := stat.MeanStdDev(m.warmup, nil)
	m.derived = true
	if std > 0 {
		m.vibLimit = mean + m.limits.SigmaK*std
	}
}

// Check compares the measurement z and the estimate to the limits.
// z may hold NaNs on a dropout, and est may be nil when no estimate is available.
func (m *Monitor) Check(z mat.Vector, est *UKFEstimate) []Anomaly {
	var anomalies []Anomaly
	if est != nil {
		x := est.State()
		anomalies = m.exceeds(anomalies, Overspeed, math.Abs(x.AtVec(IdxOmega)), m.limits.MaxSpeed)
	}
	if z != nil {
		vib := z.AtVec(IdxVibration)
		if !math.IsNaN(vib) {
			anomalies = m.exceeds(anomalies, HighVibration, vib, m.vibLimit)
		}
		m.observe(vib)
	}
	if est != nil {
		anomalies = m.exceeds(anomalies, HighFriction, est.State().AtVec(IdxPhi), m.limits.MaxFriction)
		if k := m.limits.ResidualK; k > 0 {
			ν := est.Innovation()
			S := est.InnovationCovariance()
			for i, kind := range []AnomalyKind{SpeedResidual, VibrationResidual} {
				if σ := math.Sqrt(S.At(i, i)); σ > 0 {
					anomalies = m.exceeds(anomalies, kind, math.Abs(ν.AtVec(i)), k*σ)
				}
			}
		}
	}
	return anomalies
}
