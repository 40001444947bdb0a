package incident

import (
	"testing"

	"github.com/asgard/motiontracker/internal/sensors"
	"github.com/asgard/motiontracker/internal/store"
	"github.com/stretchr/testify/require"
)

func countIncidents(st *store.Store, kind Kind) int {
	st.Save.Lock()
	defer st.Save.Unlock()
	n := 0
	for _, r := range st.Incidents {
		if r.Kind == string(kind) {
			n++
		}
	}
	return n
}

func TestSwerveSuppressedBelowSpeedGate(t *testing.T) {
	st := store.New()
	d := New(st, nil)

	d.OnGps(sensors.GpsFix{T: 0, Speed: 0.5})
	t0 := 0.0
	for i := 0; i < 5; i++ {
		t0 += 0.02
		d.OnGyro(sensors.GyroSample{T: t0, Z: 1.2})
	}
	d.Stop()
	require.Equal(t, 0, countIncidents(st, KindSwerve))
}

func TestSwerveEmittedOncePerBurstAboveSpeedGate(t *testing.T) {
	st := store.New()
	d := New(st, nil)
	d.OnGps(sensors.GpsFix{T: 0, Speed: 3.0})

	// First burst: threshold crossed twice in quick succession, one record.
	d.OnGyro(sensors.GyroSample{T: 0.1, Z: 1.2})
	d.OnGyro(sensors.GyroSample{T: 0.15, Z: 1.3})

	// Within the 5s cooldown: must not open a second window.
	d.OnGyro(sensors.GyroSample{T: 1.0, Z: 1.3})

	// Past the cooldown: a new burst opens a new window.
	d.OnGyro(sensors.GyroSample{T: 6.2, Z: 1.25})

	d.Stop()
	require.Equal(t, 2, countIncidents(st, KindSwerve))
}

func TestHardBrakeRequiresSpeedGate(t *testing.T) {
	st := store.New()
	d := New(st, nil)
	d.OnGps(sensors.GpsFix{T: 0, Speed: 1.0})
	d.OnAccel(sensors.NewAccelSample(0.1, 0, 0, 0), 9.0)
	d.Stop()
	require.Equal(t, 0, countIncidents(st, KindHardBrake))

	st2 := store.New()
	d2 := New(st2, nil)
	d2.OnGps(sensors.GpsFix{T: 0.2, Speed: 15.0})
	d2.OnAccel(sensors.NewAccelSample(0.3, 0, 0, 0), 9.0)
	d2.Stop()
	require.Equal(t, 1, countIncidents(st2, KindHardBrake))
}

func TestImpactHasNoMotionGate(t *testing.T) {
	st := store.New()
	d := New(st, nil)
	d.OnGps(sensors.GpsFix{T: 0, Speed: 0})
	d.OnAccel(sensors.NewAccelSample(0.1, 20, 0, 0), 0)
	d.Stop()
	require.Equal(t, 1, countIncidents(st, KindImpact))
}

func TestPostWindowCompletionEmitsAutomatically(t *testing.T) {
	st := store.New()
	d := New(st, nil)
	d.OnGps(sensors.GpsFix{T: 0, Speed: 15.0})
	d.OnAccel(sensors.NewAccelSample(1.0, 0, 0, 0), 9.0) // triggers hard_brake

	// Nothing emitted while the post-window is still collecting.
	d.OnAccel(sensors.NewAccelSample(10.0, 0, 0, 9.81), 0)
	require.Equal(t, 0, countIncidents(st, KindHardBrake))

	// A sample past trigger+W_post closes the window and emits the record.
	d.OnAccel(sensors.NewAccelSample(1.0+WPostSeconds+0.1, 0, 0, 9.81), 0)
	require.Equal(t, 1, countIncidents(st, KindHardBrake))

	st.Save.Lock()
	defer st.Save.Unlock()
	require.True(t, st.Incidents[0].PostContextComplete)
	require.NotEmpty(t, st.Incidents[0].PostContext)
}

func TestPeakMagnitudeTracksWholePulse(t *testing.T) {
	st := store.New()
	d := New(st, nil)
	d.OnGps(sensors.GpsFix{T: 0, Speed: 15.0})

	// A pulse that crosses the 0.8g threshold at 8.0 m/s² and then peaks at
	// 9.0 m/s²: the record must carry the pulse's true peak, not the
	// first-crossing value.
	d.OnAccel(sensors.NewAccelSample(1.00, 0, 0, 0), 8.0)
	d.OnAccel(sensors.NewAccelSample(1.02, 0, 0, 0), 9.0)
	d.OnAccel(sensors.NewAccelSample(1.04, 0, 0, 0), 8.5)

	d.Stop()
	st.Save.Lock()
	defer st.Save.Unlock()
	require.Len(t, st.Incidents, 1)
	require.InDelta(t, 9.0, st.Incidents[0].PeakMagnitude, 1e-9)
}

func TestStopClosesInFlightIncidentWithPartialPostContext(t *testing.T) {
	st := store.New()
	d := New(st, nil)
	d.OnGps(sensors.GpsFix{T: 0, Speed: 15.0})
	d.OnAccel(sensors.NewAccelSample(1.0, 0, 0, 0), 9.0) // triggers hard_brake

	d.Stop()

	st.Save.Lock()
	defer st.Save.Unlock()
	require.Len(t, st.Incidents, 1)
	require.False(t, st.Incidents[0].PostContextComplete)
}

func TestPreContextBoundedToWindow(t *testing.T) {
	st := store.New()
	d := New(st, nil)
	d.OnGps(sensors.GpsFix{T: 0, Speed: 15.0})

	// 40s of 20 Hz-ish accel: the ring must retain only the trailing W_pre.
	tt := 0.0
	for i := 0; i < 800; i++ {
		tt += 0.05
		d.OnAccel(sensors.NewAccelSample(tt, 0, 0, 9.81), 0)
	}
	d.OnAccel(sensors.NewAccelSample(tt+0.02, 0, 0, 0), 9.0) // trigger
	d.Stop()

	st.Save.Lock()
	defer st.Save.Unlock()
	require.Len(t, st.Incidents, 1)
	for _, s := range st.Incidents[0].PreContext {
		require.GreaterOrEqual(t, sampleT(s), tt-WPreSeconds-0.1)
	}
}

func TestEmittedByKindCountsRecords(t *testing.T) {
	st := store.New()
	d := New(st, nil)
	d.OnGps(sensors.GpsFix{T: 0, Speed: 15.0})
	d.OnAccel(sensors.NewAccelSample(0.1, 20, 0, 0), 9.0) // impact + hard_brake
	d.Stop()

	counts := d.EmittedByKind()
	require.Equal(t, uint64(1), counts[string(KindImpact)])
	require.Equal(t, uint64(1), counts[string(KindHardBrake)])
}
