// Package rotation integrates gyro samples into bounded Euler angles and
// signals significant-rotation events used to gate recalibration.
package rotation

import (
	"math"
	"sync"
	"time"
)

const (
	// MaxDt is the largest integration step accepted; larger steps are
	// skipped (not clamped) to avoid introducing a spurious large angle.
	MaxDt = 100 * time.Millisecond
)

// Axis identifies the dominant rotation axis.
type Axis int

const (
	AxisNone Axis = iota
	AxisX
	AxisY
	AxisZ
)

// State is a snapshot of the detector's accumulated rotation.
type State struct {
	Pitch, Roll, Yaw        float64
	TotalRotationMagnitude  float64
	PrimaryAxis             Axis
	SampleCount             uint64
}

// Detector integrates gyro angular velocity into bounded Euler angles.
type Detector struct {
	mu sync.RWMutex

	pitch, roll, yaw float64
	sampleCount      uint64
	historyLen       uint64
}

// New returns an empty rotation detector.
func New() *Detector {
	return &Detector{}
}

func normalize(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a < -math.Pi {
		a += 2 * math.Pi
	}
	return a
}

// Update integrates one gyro reading. Returns true if the sample was
// integrated, false if it was skipped (dt too large or non-finite input).
func (d *Detector) Update(wx, wy, wz, dt float64) bool {
	if math.IsNaN(wx) || math.IsNaN(wy) || math.IsNaN(wz) || math.IsNaN(dt) {
		return false
	}
	if math.IsInf(wx, 0) || math.IsInf(wy, 0) || math.IsInf(wz, 0) {
		return false
	}
	if dt <= 0 || dt > MaxDt.Seconds() {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.roll = normalize(d.roll + wx*dt)
	d.pitch = normalize(d.pitch + wy*dt)
	d.yaw = normalize(d.yaw + wz*dt)
	d.sampleCount++
	d.historyLen++
	return true
}

// State returns a snapshot including the total rotation magnitude (the
// Euclidean norm of the three angles — a coarse approximation that loses
// accuracy beyond 60° but is only ever compared against a 30° threshold)
// and the dominant axis by absolute angle.
func (d *Detector) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()

	total := math.Sqrt(d.pitch*d.pitch + d.roll*d.roll + d.yaw*d.yaw)
	axis := AxisNone
	max := math.Max(math.Abs(d.pitch), math.Max(math.Abs(d.roll), math.Abs(d.yaw)))
	switch {
	case max == 0:
		axis = AxisNone
	case math.Abs(d.roll) == max:
		axis = AxisX
	case math.Abs(d.pitch) == max:
		axis = AxisY
	default:
		axis = AxisZ
	}

	return State{
		Pitch:                  d.pitch,
		Roll:                   d.roll,
		Yaw:                    d.yaw,
		TotalRotationMagnitude: total,
		PrimaryAxis:            axis,
		SampleCount:            d.sampleCount,
	}
}

// ResetAngles zeros the accumulated angles but keeps history/stats.
func (d *Detector) ResetAngles() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pitch, d.roll, d.yaw = 0, 0, 0
}

// ResetAll clears angles and history.
func (d *Detector) ResetAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pitch, d.roll, d.yaw = 0, 0, 0
	d.sampleCount = 0
	d.historyLen = 0
}

// HistoryLen reports the number of integrated samples since the last
// ResetAll (ResetAngles does not affect it).
func (d *Detector) HistoryLen() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.historyLen
}
