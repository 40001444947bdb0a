package fusion

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/asgard/motiontracker/internal/sensors"
	"github.com/stretchr/testify/require"
)

func TestEKFQuaternionNormAfterUpdates(t *testing.T) {
	f := NewEKF(DefaultEKFConfig(), nil)
	tt := 0.0
	for i := 0; i < 200; i++ {
		tt += 0.02
		f.OnGyro(sensors.GyroSample{T: tt, X: 0.05, Y: -0.02, Z: 0.1})
		f.OnAccel(sensors.AccelSample{T: tt, X: 0, Y: 0, Z: 9.81}, 0)
		snap := f.Snapshot()
		require.InDelta(t, 1.0, snap.QuaternionNorm, 1e-3)
	}
}

func TestEKFCovarianceSymmetryAfterUpdates(t *testing.T) {
	f := NewEKF(DefaultEKFConfig(), nil)
	tt := 0.0
	for i := 0; i < 50; i++ {
		tt += 0.02
		f.OnGyro(sensors.GyroSample{T: tt, X: 0.01, Y: 0, Z: 0})
		f.OnAccel(sensors.AccelSample{T: tt, X: 0.1, Y: 0, Z: 9.81}, 0)
	}
	f.OnGPS(sensors.GpsFix{T: tt, Latitude: 37.7749, Longitude: -122.4194, Accuracy: 5})
	tt += 1
	f.OnGPS(sensors.GpsFix{T: tt, Latitude: 37.77495, Longitude: -122.41935, Accuracy: 5})

	var maxAsym float64
	r, c := f.p.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			d := math.Abs(f.p.At(i, j) - f.p.At(j, i))
			if d > maxAsym {
				maxAsym = d
			}
		}
	}
	trace := mat.Trace(f.p)
	require.Less(t, maxAsym, 1e-9*math.Max(trace, 1))
}

func TestEKFSnapshotReportsPositionAfterGPS(t *testing.T) {
	f := NewEKF(DefaultEKFConfig(), nil)
	f.OnGPS(sensors.GpsFix{T: 0, Latitude: 37.7749, Longitude: -122.4194, Accuracy: 5})
	snap := f.Snapshot()
	require.True(t, snap.HasPosition)
	require.InDelta(t, 37.7749, snap.Lat, 1e-3)
}

func TestEKFGyroBiasClampedWithinBound(t *testing.T) {
	f := NewEKF(DefaultEKFConfig(), nil)
	f.ZeroMotionBiasUpdate(1.0, 1.0, 1.0) // well beyond the 0.1 rad/s bound
	for i := 0; i < 10; i++ {
		f.ZeroMotionBiasUpdate(1.0, 1.0, 1.0)
	}
	require.LessOrEqual(t, math.Abs(f.x.AtVec(10)), 0.1+1e-9)
}
