// Package persistence implements the bounded auto-save/final-save layer:
// periodic snapshots of the shared store into an in-memory accumulator,
// each serialized to a chunk file, and a final concatenated save on
// session stop. All file writes are atomic (temp file + fsync + rename).
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/asgard/motiontracker/internal/sensors"
	"github.com/asgard/motiontracker/internal/store"
)

// Metadata describes one session's configuration and lifecycle times.
type Metadata struct {
	SessionID  string         `json:"session_id"`
	StartedAt  time.Time      `json:"started_at"`
	StoppedAt  *time.Time     `json:"stopped_at,omitempty"`
	Filter     string         `json:"filter"`
	EnableGyro bool           `json:"enable_gyro"`
	FinalStats map[string]any `json:"final_stats,omitempty"`
}

// chunk is one auto-save payload.
type chunk struct {
	Accel       []sensors.AccelSample              `json:"accel_samples"`
	Gyro        []sensors.GyroSample                `json:"gyro_samples"`
	Gps         []sensors.GpsFix                    `json:"gps_samples"`
	Trajectories map[string][]store.TrajectoryPoint `json:"trajectories"`
}

// finalFile is the consolidated final.json payload.
type finalFile struct {
	Metadata     Metadata                            `json:"metadata"`
	Accel        []sensors.AccelSample                `json:"accel_samples"`
	Gyro         []sensors.GyroSample                  `json:"gyro_samples"`
	Gps          []sensors.GpsFix                      `json:"gps_samples"`
	Trajectories map[string][]store.TrajectoryPoint   `json:"trajectories"`
	Incidents    []store.IncidentRecord                `json:"incidents"`
}

// Accumulator owns the growing, chunk-concatenated view of a session; it
// is mutated only during auto-save and final-save.
type Accumulator struct {
	mu sync.Mutex

	chunkAccel        []sensors.AccelSample
	chunkGyro         []sensors.GyroSample
	chunkGps          []sensors.GpsFix
	chunkTrajectories map[string][]store.TrajectoryPoint

	chunkCount int
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{chunkTrajectories: make(map[string][]store.TrajectoryPoint)}
}

func (a *Accumulator) absorb(accel []sensors.AccelSample, gyro []sensors.GyroSample, gps []sensors.GpsFix, traj map[string][]store.TrajectoryPoint) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chunkAccel = append(a.chunkAccel, accel...)
	a.chunkGyro = append(a.chunkGyro, gyro...)
	a.chunkGps = append(a.chunkGps, gps...)
	for k, v := range traj {
		a.chunkTrajectories[k] = append(a.chunkTrajectories[k], v...)
	}
}

// AccelCount reports the total accel samples absorbed across all chunks,
// used to verify final-save completeness.
func (a *Accumulator) AccelCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.chunkAccel)
}

// GyroCount reports the total gyro samples absorbed across all chunks.
func (a *Accumulator) GyroCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.chunkGyro)
}

// GpsCount reports the total GPS fixes absorbed across all chunks.
func (a *Accumulator) GpsCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.chunkGps)
}

// Task runs the periodic auto-save loop and the final save on stop.
type Task struct {
	log *logrus.Entry

	st        *store.Store
	acc       *Accumulator
	dir       string
	interval  time.Duration
	meta      Metadata

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewTask returns a persistence task writing chunk/final files under dir.
func NewTask(st *store.Store, dir string, interval time.Duration, meta Metadata, log *logrus.Logger) *Task {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Task{
		log:      log.WithField("component", "persistence"),
		st:       st,
		acc:      NewAccumulator(),
		dir:      dir,
		interval: interval,
		meta:     meta,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func atomicWriteJSON(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// AutoSave performs one snapshot-clear-serialize cycle: acquire save_lock,
// snapshot and clear the shared deques, release, then absorb the snapshot
// into the accumulator and write a chunk file.
func (t *Task) AutoSave() error {
	t.st.Save.Lock()
	accel, gyro, gps, traj := t.st.SnapshotAndClear()
	incidents := t.st.DrainIncidents()
	t.st.Save.Unlock()

	t.acc.absorb(accel, gyro, gps, traj)
	t.acc.mu.Lock()
	t.acc.chunkCount++
	n := t.acc.chunkCount
	t.acc.mu.Unlock()

	if err := t.writeIncidents(incidents); err != nil {
		t.log.WithError(err).Warn("failed writing incident files")
	}

	chunksDir := filepath.Join(t.dir, "chunks")
	if err := os.MkdirAll(chunksDir, 0o755); err != nil {
		return err
	}
	payload := chunk{Accel: accel, Gyro: gyro, Gps: gps, Trajectories: traj}
	path := filepath.Join(chunksDir, fmt.Sprintf("chunk_%d.json", n))
	if err := atomicWriteJSON(path, payload); err != nil {
		t.log.WithError(err).Warn("auto-save write failed, will retry next cycle")
		return err
	}
	return nil
}

func (t *Task) writeIncidents(incidents []store.IncidentRecord) error {
	if len(incidents) == 0 {
		return nil
	}
	incDir := filepath.Join(t.dir, "incidents")
	if err := os.MkdirAll(incDir, 0o755); err != nil {
		return err
	}
	var firstErr error
	for _, rec := range incidents {
		rec.SavedAt = time.Now().Unix()
		name := fmt.Sprintf("incident_%v_%s.json", rec.T, rec.Kind)
		path := filepath.Join(incDir, name)
		if err := atomicWriteJSON(path, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FinalSave concatenates accumulator_chunks + current deque contents
// (residue since the last auto-save) and writes final.json atomically.
func (t *Task) FinalSave(stoppedAt time.Time, finalStats map[string]any) error {
	t.st.Save.Lock()
	accel, gyro, gps, traj := t.st.SnapshotAndClear()
	incidents := t.st.DrainIncidents()
	t.st.Save.Unlock()

	t.acc.absorb(accel, gyro, gps, traj)
	if err := t.writeIncidents(incidents); err != nil {
		t.log.WithError(err).Warn("failed writing incident files during final save")
	}

	t.acc.mu.Lock()
	payload := finalFile{
		Metadata: Metadata{
			SessionID:  t.meta.SessionID,
			StartedAt:  t.meta.StartedAt,
			StoppedAt:  &stoppedAt,
			Filter:     t.meta.Filter,
			EnableGyro: t.meta.EnableGyro,
			FinalStats: finalStats,
		},
		Accel:        t.acc.chunkAccel,
		Gyro:         t.acc.chunkGyro,
		Gps:          t.acc.chunkGps,
		Trajectories: t.acc.chunkTrajectories,
		Incidents:    incidents,
	}
	t.acc.mu.Unlock()

	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return err
	}
	metaPath := filepath.Join(t.dir, "metadata.json")
	if err := atomicWriteJSON(metaPath, payload.Metadata); err != nil {
		t.log.WithError(err).Warn("failed writing metadata.json")
	}
	return atomicWriteJSON(filepath.Join(t.dir, "final.json"), payload)
}

// Run drives the periodic auto-save loop, one AutoSave per tick, until Stop
// is called.
func (t *Task) Run(tick <-chan time.Time) {
	defer close(t.doneCh)
	for {
		select {
		case <-t.stopCh:
			return
		case <-tick:
			if err := t.AutoSave(); err != nil {
				t.log.WithError(err).Warn("auto-save cycle failed")
			}
		}
	}
}

// Interval returns T_save, the configured auto-save period.
func (t *Task) Interval() time.Duration {
	return t.interval
}

// AccelCount, GyroCount, and GpsCount report total samples absorbed into
// the accumulator so far, across all chunks and any final-save residue.
func (t *Task) AccelCount() int { return t.acc.AccelCount() }
func (t *Task) GyroCount() int  { return t.acc.GyroCount() }
func (t *Task) GpsCount() int   { return t.acc.GpsCount() }

// Stop halts Run and waits for it to return.
func (t *Task) Stop() {
	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}
	<-t.doneCh
}
