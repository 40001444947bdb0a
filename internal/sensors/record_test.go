package sensors

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRawRecordAccelOnly(t *testing.T) {
	r := rawRecord{Sensor: "ACCELEROMETER", Values: []float64{1, 2, 3}}
	samples := r.toSamples(1.5)
	require.Len(t, samples, 1)
	require.Equal(t, KindAccel, samples[0].Kind)
	require.InDelta(t, 1.5, samples[0].Accel.T, 1e-9)
}

func TestRawRecordCombinedImu(t *testing.T) {
	r := rawRecord{Sensor: "imu_accel_gyro", Values: []float64{0, 0, 9.81}}
	samples := r.toSamples(0)
	require.Len(t, samples, 2)
}

func TestRawRecordGps(t *testing.T) {
	lat, lon := 37.7749, -122.4194
	r := rawRecord{Latitude: &lat, Longitude: &lon, Provider: "GPS", Speed: 5}
	samples := r.toSamples(2.0)
	require.Len(t, samples, 1)
	require.Equal(t, KindGPS, samples[0].Kind)
	require.Equal(t, ProviderGPS, samples[0].Gps.Provider)
}

func TestRawRecordUnrecognizedYieldsNone(t *testing.T) {
	r := rawRecord{Sensor: "barometer", Values: []float64{1, 2, 3}}
	require.Empty(t, r.toSamples(0))
}
