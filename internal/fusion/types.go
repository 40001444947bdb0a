// Package fusion implements the three interchangeable motion estimators —
// Complementary, EKF, and ES-EKF — behind a common Estimator interface, and
// the worker loop that drives each of them from its per-filter queues.
package fusion

import (
	"github.com/asgard/motiontracker/internal/sensors"
)

// Name identifies which estimator variant produced a FilteredOutput.
type Name string

const (
	NameComplementary Name = "complementary"
	NameEKF           Name = "ekf"
	NameESEKF         Name = "es-ekf"
)

// FilteredOutput is one record appended to the shared trajectory/filtered
// deques by a filter worker.
type FilteredOutput struct {
	T                 float64
	SourceFilter      Name
	Velocity          float64
	Distance          float64
	HasPosition       bool
	Lat, Lon          float64
	HasUncertainty    bool
	Uncertainty       float64
	HasQuaternionNorm bool
	QuaternionNorm    float64
}

// Estimator is the small interface every fusion variant implements, the
// tagged-variant replacement for dynamic-dispatch filter selection.
type Estimator interface {
	Name() Name
	OnAccel(s sensors.AccelSample, motionMagnitude float64)
	OnGyro(s sensors.GyroSample)
	OnGPS(f sensors.GpsFix)
	Snapshot() FilteredOutput
}

// MemoryPressureAware is implemented by estimators that can be paused under
// memory pressure and resumed once it clears (currently only ES-EKF). The
// worker/coordinator reach it via a type assertion on Estimator rather than
// growing the base interface for a policy only one variant supports.
type MemoryPressureAware interface {
	Pause()
	Resume()
	Paused() bool
}

// FailureRecorder is implemented by estimators that track consecutive
// per-update failures toward a degraded state (currently only ES-EKF).
type FailureRecorder interface {
	RecordFailure()
}

// Degradable is implemented by estimators whose worker should stop feeding
// them and drain their input queue once degraded.
type Degradable interface {
	Degraded() bool
}

// StationaryBiasObserver is implemented by estimators that accept a
// zero-motion pseudo-measurement of gyro bias (EKF and ES-EKF).
type StationaryBiasObserver interface {
	ZeroMotionBiasUpdate(biasX, biasY, biasZ float64)
}
