// Package session owns the Idle→Recording→Paused→Recording→Idle session
// lifecycle: it spawns daemons, fanout, filter workers, the incident
// detector, the health monitor, and the persistence task, and enforces the
// shutdown ordering that guarantees no sample is lost to a half-closed
// pipeline.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/asgard/motiontracker/internal/calib"
	"github.com/asgard/motiontracker/internal/fusion"
	"github.com/asgard/motiontracker/internal/health"
	"github.com/asgard/motiontracker/internal/incident"
	"github.com/asgard/motiontracker/internal/memwatch"
	"github.com/asgard/motiontracker/internal/metrics"
	"github.com/asgard/motiontracker/internal/persistence"
	"github.com/asgard/motiontracker/internal/queue"
	"github.com/asgard/motiontracker/internal/rotation"
	"github.com/asgard/motiontracker/internal/sensors"
	"github.com/asgard/motiontracker/internal/store"
)

// stationaryTrackDuration is how long the motion tracker must continuously
// report stationary before a recalibration is eligible on that basis alone
// (the isStationary30s condition of calib.RecalibrateIfEligible).
const stationaryTrackDuration = 30 * time.Second

// State is a position in the session lifecycle.
type State int

const (
	StateIdle State = iota
	StateRecording
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// FilterSelection names which estimator(s) are active.
type FilterSelection string

const (
	FilterComplementary FilterSelection = "complementary"
	FilterEKF           FilterSelection = "ekf"
	FilterESEKF         FilterSelection = "es-ekf"
	FilterAll           FilterSelection = "all"
)

// DaemonFactory spawns a fresh sensor daemon bound to the given session
// start time; used both for initial startup and for health-monitor restarts.
type DaemonFactory func(sessionStart time.Time) (*sensors.Daemon, error)

// Config configures one session.
type Config struct {
	Filter       FilterSelection
	EnableGyro   bool
	SaveInterval time.Duration
	OutDir       string

	IMUFactory DaemonFactory
	GPSFactory DaemonFactory

	Metrics *metrics.Registry
}

var (
	ErrAlreadyRecording = errors.New("session: already recording")
	ErrNotRecording     = errors.New("session: not recording")
	ErrNotPaused        = errors.New("session: not paused")
)

// Coordinator owns one session's lifecycle.
type Coordinator struct {
	log *logrus.Entry
	cfg Config

	mu    sync.Mutex
	state State

	store      *store.Store
	calibrator *calib.Calibrator
	rotationD  *rotation.Detector
	detector   *incident.Detector

	imuHandle *health.DaemonHandle
	gpsHandle *health.DaemonHandle
	imuFanout *sensors.Fanout
	gpsFanout *sensors.Fanout
	healthMon *health.Monitor
	persist   *persistence.Task
	memMon    *memwatch.Monitor

	estimators map[fusion.Name]fusion.Estimator
	workers    []*fusion.Worker

	// motionTracker is an always-on complementary filter used purely as the
	// stationary-detection signal for zero-motion bias updates and
	// recalibration eligibility, independent of whether Complementary is
	// also one of the user-selected output filters.
	motionTracker *fusion.Complementary

	runCancel context.CancelFunc
	runWG     sync.WaitGroup

	sessionStart    time.Time
	sessionID       string
	stationaryBuf   []calib.Sample
	stationarySince time.Time

	lastGyroT float64
	haveGyroT bool
}

// New returns an Idle coordinator.
func New(cfg Config, log *logrus.Logger) *Coordinator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.SaveInterval == 0 {
		cfg.SaveInterval = 120 * time.Second
	}
	if cfg.OutDir == "" {
		cfg.OutDir = "./sessions"
	}
	return &Coordinator{
		log: log.WithField("component", "session"),
		cfg: cfg,
	}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the current session's identifier, empty before Start.
func (c *Coordinator) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func activeFilterNames(sel FilterSelection) []fusion.Name {
	switch sel {
	case FilterComplementary:
		return []fusion.Name{fusion.NameComplementary}
	case FilterEKF:
		return []fusion.Name{fusion.NameEKF}
	case FilterESEKF:
		return []fusion.Name{fusion.NameESEKF}
	default:
		return []fusion.Name{fusion.NameComplementary, fusion.NameEKF, fusion.NameESEKF}
	}
}

// Start transitions Idle→Recording: it spawns daemons, fanout, workers,
// health monitor, and the persistence task.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return ErrAlreadyRecording
	}
	if c.cfg.IMUFactory == nil || c.cfg.GPSFactory == nil {
		return fmt.Errorf("session: fatal init failure: no sensor factories configured")
	}

	c.sessionStart = time.Now()
	c.sessionID = uuid.New().String()
	c.store = store.New()
	c.calibrator = calib.New(nil)
	c.rotationD = rotation.New()
	c.detector = incident.New(c.store, nil)
	if c.cfg.Metrics != nil {
		c.detector.WithMetrics(c.cfg.Metrics.IncidentsTotal)
	}

	imu, err := c.cfg.IMUFactory(c.sessionStart)
	if err != nil {
		return fmt.Errorf("session: fatal init failure starting imu daemon: %w", err)
	}
	gps, err := c.cfg.GPSFactory(c.sessionStart)
	if err != nil {
		imu.Stop()
		return fmt.Errorf("session: fatal init failure starting gps daemon: %w", err)
	}
	c.imuHandle = health.NewDaemonHandle(imu)
	c.gpsHandle = health.NewDaemonHandle(gps)

	names := activeFilterNames(c.cfg.Filter)
	filterNameStrs := make([]string, 0, len(names)+1)
	for _, n := range names {
		filterNameStrs = append(filterNameStrs, string(n))
	}
	const rawTap = "raw"
	c.imuFanout = sensors.NewFanout(imu, append(append([]string{}, filterNameStrs...), rawTap), 200, nil)
	c.gpsFanout = sensors.NewFanout(gps, append(append([]string{}, filterNameStrs...), rawTap), 50, nil)

	c.estimators = make(map[fusion.Name]fusion.Estimator, len(names))
	for _, n := range names {
		switch n {
		case fusion.NameComplementary:
			c.estimators[n] = fusion.NewComplementary()
		case fusion.NameEKF:
			c.estimators[n] = fusion.NewEKF(fusion.DefaultEKFConfig(), c.log)
		case fusion.NameESEKF:
			c.estimators[n] = fusion.NewESKF(fusion.DefaultEKFConfig(), c.log)
		}
	}
	c.motionTracker = fusion.NewComplementary()
	c.stationarySince = time.Time{}
	c.lastGyroT = 0
	c.haveGyroT = false

	ctx, cancel := context.WithCancel(context.Background())
	c.runCancel = cancel

	go c.imuFanout.Run(ctx)
	go c.gpsFanout.Run(ctx)

	c.workers = nil
	mergeQueues := make(map[fusion.Name]*queue.Queue[sensors.Sample], len(names))
	for _, n := range names {
		imuQ := c.imuFanout.For(string(n))
		gpsQ := c.gpsFanout.For(string(n))
		mergeQ := queue.New[sensors.Sample](500)
		mergeQueues[n] = mergeQ
		c.runWG.Add(1)
		go func(imuQ, gpsQ, out *queue.Queue[sensors.Sample]) {
			defer c.runWG.Done()
			c.mergeLoop(ctx, imuQ, gpsQ, out)
		}(imuQ, gpsQ, mergeQ)

		w := fusion.NewWorker(c.estimators[n], mergeQ, c.calibrator, c.store, nil)
		c.workers = append(c.workers, w)
		c.runWG.Add(1)
		go func(w *fusion.Worker) {
			defer c.runWG.Done()
			w.Run(ctx)
		}(w)
	}

	if esEstimator, ok := c.estimators[fusion.NameESEKF]; ok {
		if mpa, ok := esEstimator.(fusion.MemoryPressureAware); ok {
			esQ := mergeQueues[fusion.NameESEKF]
			c.memMon = memwatch.New(mpa.Pause, func() {
				mpa.Resume()
				// Policy: on resume, discard whatever backed up while paused
				// rather than replay a burst of stale samples through the
				// filter.
				esQ.DrainAll()
			}, nil)
			if c.cfg.Metrics != nil {
				c.memMon.WithPeakRSSGauge(c.cfg.Metrics.SessionPeakRSS)
			}
			go c.memMon.Run(ctx)
		}
	}

	c.runWG.Add(1)
	go func() {
		defer c.runWG.Done()
		c.rawLoop(ctx, c.imuFanout.For(rawTap), c.gpsFanout.For(rawTap))
	}()

	c.healthMon = health.NewMonitor(nil)
	if c.cfg.Metrics != nil {
		c.healthMon.WithMetrics(c.cfg.Metrics.RestartAttempts, c.cfg.Metrics.CircuitOpen)
	}
	c.healthMon.Register("accel", c.imuHandle, func() (*sensors.Daemon, error) { return c.cfg.IMUFactory(c.sessionStart) })
	c.healthMon.Register("gyro", c.imuHandle, func() (*sensors.Daemon, error) { return c.cfg.IMUFactory(c.sessionStart) })
	c.healthMon.Register("gps", c.gpsHandle, func() (*sensors.Daemon, error) { return c.cfg.GPSFactory(c.sessionStart) })
	go c.healthMon.Run(ctx)

	sessionDir := filepath.Join(c.cfg.OutDir, c.sessionID)
	c.persist = persistence.NewTask(c.store, sessionDir, c.cfg.SaveInterval, persistence.Metadata{
		SessionID:  c.sessionID,
		StartedAt:  c.sessionStart,
		Filter:     string(c.cfg.Filter),
		EnableGyro: c.cfg.EnableGyro,
	}, nil)
	ticker := time.NewTicker(c.cfg.SaveInterval)
	go func() {
		defer ticker.Stop()
		c.persist.Run(ticker.C)
	}()

	c.state = StateRecording
	c.log.Info("session recording started")
	return nil
}

// mergeLoop multiplexes a filter's IMU and GPS queues into one input queue
// a worker can read without needing to know about two sources.
func (c *Coordinator) mergeLoop(ctx context.Context, imuQ, gpsQ, out *queue.Queue[sensors.Sample]) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		moved := false
		if s, ok := imuQ.Pop(); ok {
			if s.Kind != sensors.KindGyro || c.cfg.EnableGyro {
				out.Push(s)
			}
			moved = true
		}
		if s, ok := gpsQ.Pop(); ok {
			out.Push(s)
			moved = true
		}
		if !moved {
			time.Sleep(time.Millisecond)
		}
	}
}

// rawLoop feeds raw samples into the store's raw deques, the rotation
// detector, the calibrator's stationary window, and the incident detector
// — the one consumer of the fanout's "raw" tap.
func (c *Coordinator) rawLoop(ctx context.Context, imuQ, gpsQ *queue.Queue[sensors.Sample]) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		moved := false
		if s, ok := imuQ.Pop(); ok {
			c.handleRaw(s)
			moved = true
		}
		if s, ok := gpsQ.Pop(); ok {
			c.handleRaw(s)
			moved = true
		}
		if !moved {
			time.Sleep(time.Millisecond)
		}
	}
}

func (c *Coordinator) handleRaw(s sensors.Sample) {
	cal := c.calibrator.Current()

	switch s.Kind {
	case sensors.KindAccel:
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.SamplesReceived.WithLabelValues("accel").Inc()
		}
		c.store.Save.Lock()
		c.store.AppendAccel(s.Accel)
		c.store.Save.Unlock()

		mm := calib.MotionMagnitude(s.Accel.X, s.Accel.Y, s.Accel.Z, cal)
		c.detector.OnAccel(s.Accel, mm)
		c.motionTracker.OnAccel(s.Accel, mm)
		c.trackStationary()

		c.stationaryBuf = append(c.stationaryBuf, calib.Sample{X: s.Accel.X, Y: s.Accel.Y, Z: s.Accel.Z})
		if len(c.stationaryBuf) > 50 {
			c.stationaryBuf = c.stationaryBuf[len(c.stationaryBuf)-50:]
		}
	case sensors.KindGyro:
		if !c.cfg.EnableGyro {
			return
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.SamplesReceived.WithLabelValues("gyro").Inc()
		}
		c.store.Save.Lock()
		c.store.AppendGyro(s.Gyro)
		c.store.Save.Unlock()

		dt := 0.02
		if c.haveGyroT {
			dt = s.Gyro.T - c.lastGyroT
		}
		c.lastGyroT = s.Gyro.T
		c.haveGyroT = true
		c.rotationD.Update(s.Gyro.X, s.Gyro.Y, s.Gyro.Z, dt)
		c.detector.OnGyro(s.Gyro)
		c.motionTracker.OnGyro(s.Gyro)
		c.trackStationary()

		if c.motionTracker.State().IsStationary {
			bx, by, bz := s.Gyro.X, s.Gyro.Y, s.Gyro.Z
			for _, est := range c.estimators {
				if sbo, ok := est.(fusion.StationaryBiasObserver); ok {
					sbo.ZeroMotionBiasUpdate(bx, by, bz)
				}
			}
		}

		rs := c.rotationD.State()
		if len(c.stationaryBuf) >= 50 {
			isStationary30s := !c.stationarySince.IsZero() && time.Since(c.stationarySince) >= stationaryTrackDuration
			if c.calibrator.RecalibrateIfEligible(time.Now(), c.stationaryBuf, isStationary30s, rs.TotalRotationMagnitude) {
				c.rotationD.ResetAngles()
			}
		}
	case sensors.KindGPS:
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.SamplesReceived.WithLabelValues("gps").Inc()
		}
		c.store.Save.Lock()
		c.store.AppendGps(s.Gps)
		c.store.Save.Unlock()
		c.detector.OnGps(s.Gps)
		c.motionTracker.OnGPS(s.Gps)
		c.trackStationary()
	}
}

// trackStationary maintains stationarySince from the motion tracker's latest
// reading so the recalibration eligibility check can tell a momentary dip in
// speed apart from a sustained stop.
func (c *Coordinator) trackStationary() {
	if c.motionTracker.State().IsStationary {
		if c.stationarySince.IsZero() {
			c.stationarySince = time.Now()
		}
		return
	}
	c.stationarySince = time.Time{}
}

// Pause transitions Recording→Paused: filter workers stop being fed, but
// daemons and the health monitor keep running so the sample timebase stays
// aligned.
func (c *Coordinator) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRecording {
		return ErrNotRecording
	}
	for _, w := range c.workers {
		w.SetEnabled(false)
	}
	c.state = StatePaused
	return nil
}

// Resume transitions Paused→Recording, re-enabling the filter workers.
func (c *Coordinator) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePaused {
		return ErrNotPaused
	}
	for _, w := range c.workers {
		w.SetEnabled(true)
	}
	c.state = StateRecording
	return nil
}

// Stats summarizes sample counts, drops, incidents, and restarts reported
// in the stop-summary.
type Stats struct {
	AccelCount      int
	GyroCount       int
	GpsCount        int
	IMUDrops        uint64
	GPSDrops        uint64
	RestartsIMU     int
	RestartsGPS     int
	IncidentsByKind map[string]uint64
	PeakRSSBytes    uint64
}

// Stop transitions Recording/Paused→Idle, enforcing the shutdown ordering:
// stop fanout → drain filter workers → final save → stop health monitor →
// stop daemons.
func (c *Coordinator) Stop() (Stats, error) {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return Stats{}, ErrNotRecording
	}
	c.state = StateIdle
	c.mu.Unlock()

	c.imuFanout.Stop()
	c.gpsFanout.Stop()

	// Cancelling here, after the fanout producers have stopped, lets every
	// merge/worker/raw loop drain whatever is already queued (bounded by
	// the join below) rather than being cut off mid-sample.
	c.runCancel()

	done := make(chan struct{})
	go func() {
		c.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		c.log.Warn("workers did not drain within shutdown grace period")
	}

	// Close in-flight incidents only after the raw loop has drained, so any
	// residual samples still feed their post-context first.
	c.detector.Stop()

	c.persist.Stop()

	preStats := map[string]any{
		"imu_drops":    c.imuFanout.Drops("raw"),
		"gps_drops":    c.gpsFanout.Drops("raw"),
		"restarts_imu": c.healthMon.Attempts("accel"),
		"restarts_gps": c.healthMon.Attempts("gps"),
		"incidents":    c.detector.EmittedByKind(),
	}
	if c.memMon != nil {
		preStats["peak_rss_bytes"] = c.memMon.PeakRSS()
	}
	if err := c.persist.FinalSave(time.Now(), preStats); err != nil {
		c.log.WithError(err).Warn("final save failed; temp files preserved for recovery")
	}

	stats := Stats{
		AccelCount:      c.persist.AccelCount(),
		GyroCount:       c.persist.GyroCount(),
		GpsCount:        c.persist.GpsCount(),
		IMUDrops:        c.imuFanout.Drops("raw"),
		GPSDrops:        c.gpsFanout.Drops("raw"),
		RestartsIMU:     c.healthMon.Attempts("accel"),
		RestartsGPS:     c.healthMon.Attempts("gps"),
		IncidentsByKind: c.detector.EmittedByKind(),
	}
	if c.memMon != nil {
		stats.PeakRSSBytes = c.memMon.PeakRSS()
	}

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.SamplesDropped.WithLabelValues("imu", "raw").Add(float64(stats.IMUDrops))
		c.cfg.Metrics.SamplesDropped.WithLabelValues("gps", "raw").Add(float64(stats.GPSDrops))
		for _, w := range c.workers {
			c.cfg.Metrics.FilterFailures.WithLabelValues(string(w.EstimatorName())).Add(float64(w.Failures()))
		}
	}

	c.healthMon.Stop()

	if c.memMon != nil {
		c.memMon.Stop()
	}

	c.imuHandle.Get().Stop()
	c.gpsHandle.Get().Stop()

	c.log.WithField("stats", fmt.Sprintf("%+v", stats)).Info("session stopped")
	return stats, nil
}
