package fusion

import (
	"testing"

	"github.com/asgard/motiontracker/internal/sensors"
	"github.com/stretchr/testify/require"
)

func TestESKFDegradesAfterConsecutiveFailures(t *testing.T) {
	f := NewESKF(DefaultEKFConfig(), nil)
	for i := 0; i < ESKFMaxConsecutiveFailures-1; i++ {
		f.RecordFailure()
		require.False(t, f.Degraded())
	}
	f.RecordFailure()
	require.True(t, f.Degraded())
}

func TestESKFIgnoresInputWhenDegraded(t *testing.T) {
	f := NewESKF(DefaultEKFConfig(), nil)
	for i := 0; i < ESKFMaxConsecutiveFailures; i++ {
		f.RecordFailure()
	}
	require.True(t, f.Degraded())

	before := f.Snapshot()
	f.OnAccel(sensors.AccelSample{T: 1, X: 5, Y: 0, Z: 9.81}, 5)
	after := f.Snapshot()
	require.Equal(t, before, after)
}

func TestESKFPauseResume(t *testing.T) {
	f := NewESKF(DefaultEKFConfig(), nil)
	require.False(t, f.Paused())
	f.Pause()
	require.True(t, f.Paused())
	f.Resume()
	require.False(t, f.Paused())
}

func TestESKFOnGPSResetsErrorState(t *testing.T) {
	f := NewESKF(DefaultEKFConfig(), nil)
	f.OnGPS(sensors.GpsFix{T: 0, Latitude: 37.7749, Longitude: -122.4194, Accuracy: 5})
	f.OnGPS(sensors.GpsFix{T: 1, Latitude: 37.77495, Longitude: -122.41935, Accuracy: 5})
	for i := 0; i < 9; i++ {
		require.Equal(t, 0.0, f.deltaX.AtVec(i))
	}
}
