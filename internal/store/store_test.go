package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asgard/motiontracker/internal/sensors"
)

func TestAppendTrajectoryBoundsDeque(t *testing.T) {
	s := New()
	for i := 0; i < MaxTrajectoryPoints+10; i++ {
		s.AppendTrajectory("ekf", TrajectoryPoint{T: float64(i)})
	}
	require.Len(t, s.Trajectories["ekf"], MaxTrajectoryPoints)
	require.Equal(t, float64(10), s.Trajectories["ekf"][0].T)
}

func TestSnapshotAndClearDrainsAndResets(t *testing.T) {
	s := New()
	s.AppendAccel(sensors.AccelSample{T: 1})
	s.AppendGyro(sensors.GyroSample{T: 1})
	s.AppendGps(sensors.GpsFix{T: 1})
	s.AppendTrajectory("complementary", TrajectoryPoint{T: 1})

	accel, gyro, gps, traj := s.SnapshotAndClear()
	require.Len(t, accel, 1)
	require.Len(t, gyro, 1)
	require.Len(t, gps, 1)
	require.Len(t, traj["complementary"], 1)

	require.Empty(t, s.AccelSamples)
	require.Empty(t, s.GyroSamples)
	require.Empty(t, s.GpsSamples)
	require.Empty(t, s.Trajectories["complementary"])
}

func TestDrainIncidentsClearsList(t *testing.T) {
	s := New()
	s.AppendIncident(IncidentRecord{ID: "a"})
	s.AppendIncident(IncidentRecord{ID: "b"})

	drained := s.DrainIncidents()
	require.Len(t, drained, 2)
	require.Empty(t, s.Incidents)
}
