// Package sensors owns the sensor daemons (C1) and the raw-queue fanout
// (C2): spawning and supervising the long-lived sensor subprocesses, parsing
// their streaming output, and replicating samples into per-filter queues.
package sensors

import "math"

// Kind identifies a physical sensor stream.
type Kind string

const (
	KindAccel Kind = "accel"
	KindGyro  Kind = "gyro"
	KindGPS   Kind = "gps"
)

// AccelSample is a single accelerometer reading. T is seconds since session
// start on the monotonic session clock, not wall time.
type AccelSample struct {
	T         float64
	X, Y, Z   float64
	Magnitude float64
}

// NewAccelSample builds an AccelSample, deriving Magnitude.
func NewAccelSample(t, x, y, z float64) AccelSample {
	return AccelSample{T: t, X: x, Y: y, Z: z, Magnitude: math.Sqrt(x*x + y*y + z*z)}
}

// GyroSample is a single gyroscope reading in rad/s.
type GyroSample struct {
	T       float64
	X, Y, Z float64
}

// Provider identifies the origin of a GPS fix.
type Provider string

const (
	ProviderGPS     Provider = "gps"
	ProviderNetwork Provider = "network"
	ProviderPassive Provider = "passive"
)

// GpsFix is a single location provider reading.
type GpsFix struct {
	T         float64
	Latitude  float64
	Longitude float64
	Altitude  float64
	Accuracy  float64
	Speed     float64
	Bearing   float64
	Provider  Provider
}
