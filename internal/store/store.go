// Package store holds the shared, bounded, lock-protected structures that
// filter workers append to and the persistence layer drains: the
// trajectory/filtered-sample deques and the incident list. All access goes
// through a single named lock (Save), matching the "no two-lock situations"
// discipline used throughout this pipeline.
package store

import (
	"sync"

	"github.com/asgard/motiontracker/internal/sensors"
)

// MaxTrajectoryPoints bounds each filter's trajectory deque so per-filter
// memory cannot grow unbounded across a long session.
const MaxTrajectoryPoints = 1000

// TrajectoryPoint is one filtered-output record appended by a filter
// worker.
type TrajectoryPoint struct {
	T              float64
	Velocity       float64
	Distance       float64
	HasPosition    bool
	Lat, Lon       float64
	HasUncertainty bool
	Uncertainty    float64
}

// IncidentRecord is a persisted driving-incident detection.
type IncidentRecord struct {
	ID                  string
	Kind                string
	T                   float64
	PeakMagnitude       float64
	PreContext          []sensors.Sample
	PostContext         []sensors.Sample
	PostContextComplete bool
	GpsSpeedAtEvent     float64
	SavedAt             int64
}

// Store is owned by the session coordinator and shared by filter workers,
// the incident detector, and the persistence task, all under Save.
type Store struct {
	Save sync.Mutex

	AccelSamples []sensors.AccelSample
	GyroSamples  []sensors.GyroSample
	GpsSamples   []sensors.GpsFix

	Trajectories map[string][]TrajectoryPoint

	Incidents []IncidentRecord
}

// New returns an empty store.
func New() *Store {
	return &Store{Trajectories: make(map[string][]TrajectoryPoint)}
}

// AppendAccel records a raw accelerometer sample. Caller must hold Save.
func (s *Store) AppendAccel(a sensors.AccelSample) {
	s.AccelSamples = append(s.AccelSamples, a)
}

// AppendGyro records a raw gyro sample. Caller must hold Save.
func (s *Store) AppendGyro(g sensors.GyroSample) {
	s.GyroSamples = append(s.GyroSamples, g)
}

// AppendGps records a raw GPS fix. Caller must hold Save.
func (s *Store) AppendGps(f sensors.GpsFix) {
	s.GpsSamples = append(s.GpsSamples, f)
}

// AppendTrajectory appends one filtered-output point for the named filter,
// dropping the oldest point once the deque reaches MaxTrajectoryPoints.
// Caller must hold Save.
func (s *Store) AppendTrajectory(filter string, p TrajectoryPoint) {
	pts := s.Trajectories[filter]
	if len(pts) >= MaxTrajectoryPoints {
		pts = pts[1:]
	}
	s.Trajectories[filter] = append(pts, p)
}

// AppendIncident records a completed incident. Caller must hold Save.
func (s *Store) AppendIncident(r IncidentRecord) {
	s.Incidents = append(s.Incidents, r)
}

// SnapshotAndClear copies out the raw sample and trajectory deques, clears
// them, and returns the snapshot — the auto-save step. Caller must hold
// Save (the persistence task acquires it for the duration of this call).
func (s *Store) SnapshotAndClear() (accel []sensors.AccelSample, gyro []sensors.GyroSample, gps []sensors.GpsFix, traj map[string][]TrajectoryPoint) {
	accel = s.AccelSamples
	gyro = s.GyroSamples
	gps = s.GpsSamples
	traj = s.Trajectories

	s.AccelSamples = nil
	s.GyroSamples = nil
	s.GpsSamples = nil
	s.Trajectories = make(map[string][]TrajectoryPoint, len(traj))
	return
}

// DrainIncidents copies out and clears the incident list; the caller then
// writes each returned record to its own file. Caller must hold Save.
func (s *Store) DrainIncidents() []IncidentRecord {
	out := s.Incidents
	s.Incidents = nil
	return out
}
