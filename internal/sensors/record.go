package sensors

import (
	"strings"
)

// Sample is the tagged union of everything a Daemon can enqueue. Exactly one
// of Accel/Gyro/Gps is meaningful, selected by Kind.
type Sample struct {
	Kind  Kind
	Accel AccelSample
	Gyro  GyroSample
	Gps   GpsFix
}

// rawRecord mirrors the subprocess wire format: IMU records
// carry a sensor-name substring and a 3-vector; GPS records carry named
// fields directly. A single line of subprocess output decodes into one
// rawRecord, which in turn may yield zero, one, or two Samples — an IMU
// record naming neither accel nor gyro yields zero, a combined IMU record
// naming both yields two.
type rawRecord struct {
	Sensor      string    `json:"sensor"`
	Values      []float64 `json:"values"`
	TimestampMs int64     `json:"timestamp_ms"`

	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Altitude  float64  `json:"altitude"`
	Accuracy  float64  `json:"accuracy"`
	Speed     float64  `json:"speed"`
	Bearing   float64  `json:"bearing"`
	Provider  string   `json:"provider"`
}

// toSamples converts a decoded record into zero or more typed samples. t is
// the session-monotonic time (seconds since session start) to stamp onto
// each sample, derived by the caller from the record's timestamp_ms offset
// from the first record read, added to the session time at which that first
// record arrived.
func (r rawRecord) toSamples(t float64) []Sample {
	if r.Latitude != nil && r.Longitude != nil {
		return []Sample{{
			Kind: KindGPS,
			Gps: GpsFix{
				T:         t,
				Latitude:  *r.Latitude,
				Longitude: *r.Longitude,
				Altitude:  r.Altitude,
				Accuracy:  r.Accuracy,
				Speed:     r.Speed,
				Bearing:   r.Bearing,
				Provider:  Provider(strings.ToLower(r.Provider)),
			},
		}}
	}

	if len(r.Values) < 3 {
		return nil
	}
	name := strings.ToLower(r.Sensor)
	var out []Sample
	if strings.Contains(name, "accel") {
		out = append(out, Sample{Kind: KindAccel, Accel: NewAccelSample(t, r.Values[0], r.Values[1], r.Values[2])})
	}
	if strings.Contains(name, "gyro") {
		out = append(out, Sample{Kind: KindGyro, Gyro: GyroSample{T: t, X: r.Values[0], Y: r.Values[1], Z: r.Values[2]}})
	}
	return out
}
