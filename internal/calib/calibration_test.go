package calib

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func stationarySamples(n int, seed int64) []Sample {
	r := rand.New(rand.NewSource(seed))
	samples := make([]Sample, n)
	for i := range samples {
		samples[i] = Sample{
			X: r.NormFloat64() * 0.01,
			Y: r.NormFloat64() * 0.01,
			Z: 9.81 + r.NormFloat64()*0.01,
		}
	}
	return samples
}

func TestCalibrateGravityMagnitude(t *testing.T) {
	cal := Calibrate(stationarySamples(50, 1))
	require.InDelta(t, 9.81, cal.GravityMagnitude, 0.02)
	require.True(t, cal.Valid)
}

func TestMotionMagnitudeGravityInvariance(t *testing.T) {
	cal := Calibration{GravityMagnitude: 9.81, Valid: true}
	r := rand.New(rand.NewSource(2))
	var sum float64
	const n = 1000
	for i := 0; i < n; i++ {
		z := 9.81 + r.NormFloat64()*0.01
		sum += MotionMagnitude(0, 0, z, cal)
	}
	require.InDelta(t, 0, sum/n, 0.05)
}

func TestRecalibrateRejectsMovingWindow(t *testing.T) {
	c := New(nil)
	now := time.Now()
	require.True(t, c.Seed(now, stationarySamples(50, 3)))
	before := c.Current()

	moving := make([]Sample, 50)
	for i := range moving {
		// Constructed so the mean-magnitude comes out around 7.0, outside
		// the [9.5, 10.1] validity gate.
		moving[i] = Sample{X: 3, Y: 3, Z: 5.5}
	}
	accepted := c.RecalibrateIfEligible(now.Add(time.Hour), moving, true, 0)
	require.False(t, accepted)
	after := c.Current()
	require.Equal(t, before, after)
}

func TestRecalibrateRequiresMinInterval(t *testing.T) {
	c := New(nil)
	now := time.Now()
	require.True(t, c.Seed(now, stationarySamples(50, 4)))

	accepted := c.RecalibrateIfEligible(now.Add(5*time.Second), stationarySamples(50, 5), true, 0)
	require.False(t, accepted, "recalibration before T_recal_min must be rejected")
}

func TestRecalibrateAcceptsAfterRotationEvent(t *testing.T) {
	c := New(nil)
	now := time.Now()
	require.True(t, c.Seed(now, stationarySamples(50, 6)))

	accepted := c.RecalibrateIfEligible(now.Add(time.Hour), stationarySamples(50, 7), false, 0.6)
	require.True(t, accepted)
}

func TestRecalibrateIneligibleWithoutConditions(t *testing.T) {
	c := New(nil)
	now := time.Now()
	require.True(t, c.Seed(now, stationarySamples(50, 8)))

	accepted := c.RecalibrateIfEligible(now.Add(time.Hour), stationarySamples(50, 9), false, 0.1)
	require.False(t, accepted)
}

func TestMotionMagnitudeClampedNonNegative(t *testing.T) {
	cal := Calibration{GravityMagnitude: 9.81, Valid: true}
	m := MotionMagnitude(0, 0, 9.0, cal)
	require.Equal(t, 0.0, m)
	require.False(t, math.IsNaN(m))
}
