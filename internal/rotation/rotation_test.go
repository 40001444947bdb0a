package rotation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpdateNormalizesAngles(t *testing.T) {
	d := New()
	// Spin past pi several times; angles must stay normalized throughout.
	for i := 0; i < 2000; i++ {
		ok := d.Update(0, 0, 3.0, 0.02)
		require.True(t, ok)
		s := d.State()
		require.GreaterOrEqual(t, s.Yaw, -math.Pi)
		require.LessOrEqual(t, s.Yaw, math.Pi)
	}
}

func TestUpdateSkipsLargeDt(t *testing.T) {
	d := New()
	require.True(t, d.Update(1, 0, 0, 0.02))
	before := d.State()

	ok := d.Update(1, 0, 0, 0.15)
	require.False(t, ok)

	after := d.State()
	require.Equal(t, before, after)
}

func TestResetAnglesKeepsHistory(t *testing.T) {
	d := New()
	for i := 0; i < 10; i++ {
		d.Update(0.1, 0, 0, 0.02)
	}
	require.NotZero(t, d.State().Roll)
	historyBefore := d.HistoryLen()

	d.ResetAngles()
	s := d.State()
	require.Zero(t, s.Pitch)
	require.Zero(t, s.Roll)
	require.Zero(t, s.Yaw)
	require.Equal(t, historyBefore, d.HistoryLen())
}

func TestResetAllClearsHistory(t *testing.T) {
	d := New()
	for i := 0; i < 10; i++ {
		d.Update(0.1, 0, 0, 0.02)
	}
	d.ResetAll()
	require.Zero(t, d.HistoryLen())
	require.Zero(t, d.State().TotalRotationMagnitude)
}

func TestTotalRotationMagnitudeAndAxis(t *testing.T) {
	d := New()
	for i := 0; i < 25; i++ {
		d.Update(0, 0, 0.8, 0.02) // yaw-dominant
	}
	s := d.State()
	require.Equal(t, AxisZ, s.PrimaryAxis)
	require.Greater(t, s.TotalRotationMagnitude, 0.0)
}
