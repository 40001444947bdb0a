package fusion

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/asgard/motiontracker/internal/calib"
	"github.com/asgard/motiontracker/internal/queue"
	"github.com/asgard/motiontracker/internal/sensors"
	"github.com/asgard/motiontracker/internal/store"
)

// Worker drives one Estimator from its per-filter queue, reading samples
// and appending filtered output to the shared store under its save lock.
// Workers never call into each other; a worker's failure — panicking
// inside Estimator's update — is recovered and counted without affecting
// any other worker.
type Worker struct {
	log       *logrus.Entry
	estimator Estimator
	queue     *queue.Queue[sensors.Sample]
	calib     *calib.Calibrator
	store     *store.Store

	failureRecorder FailureRecorder
	degradable      Degradable
	pauseChecker    MemoryPressureAware

	enabled atomic.Bool

	failures atomic.Uint64
	lastWarn time.Time
}

// NewWorker returns a worker for the given estimator, reading from in and
// appending to st, deriving motion magnitude from cal.
func NewWorker(estimator Estimator, in *queue.Queue[sensors.Sample], cal *calib.Calibrator, st *store.Store, log *logrus.Logger) *Worker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	w := &Worker{
		log:       log.WithFields(logrus.Fields{"component": "filter_worker", "filter": string(estimator.Name())}),
		estimator: estimator,
		queue:     in,
		calib:     cal,
		store:     st,
	}
	if fr, ok := estimator.(FailureRecorder); ok {
		w.failureRecorder = fr
	}
	if dg, ok := estimator.(Degradable); ok {
		w.degradable = dg
	}
	if pz, ok := estimator.(MemoryPressureAware); ok {
		w.pauseChecker = pz
	}
	w.enabled.Store(true)
	return w
}

// SetEnabled toggles processing; pause() stops feeding filter workers while
// leaving their state intact so resume() can continue where it left off.
func (w *Worker) SetEnabled(enabled bool) {
	w.enabled.Store(enabled)
}

// Failures returns the count of per-sample update failures recovered.
func (w *Worker) Failures() uint64 {
	return w.failures.Load()
}

// EstimatorName reports which estimator this worker drives.
func (w *Worker) EstimatorName() Name {
	return w.estimator.Name()
}

// Run loops until ctx is done, draining the input queue and appending one
// FilteredOutput per handled sample.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !w.enabled.Load() {
			time.Sleep(time.Millisecond)
			continue
		}

		if w.degradable != nil && w.degradable.Degraded() {
			// Policy: a degraded estimator's input queue is drained rather
			// than left to back up behind a filter that has stopped making
			// progress.
			w.queue.DrainAll()
			time.Sleep(time.Millisecond)
			continue
		}

		s, ok := w.queue.Pop()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}

		w.handle(s)
	}
}

func (w *Worker) handle(s sensors.Sample) {
	defer func() {
		if r := recover(); r != nil {
			w.failures.Add(1)
			if w.failureRecorder != nil {
				w.failureRecorder.RecordFailure()
			}
			if time.Since(w.lastWarn) > time.Second {
				w.log.WithField("panic", r).Warn("filter update failed, continuing")
				w.lastWarn = time.Now()
			}
		}
	}()

	switch s.Kind {
	case sensors.KindAccel:
		cal := calib.Calibration{}
		if w.calib != nil {
			cal = w.calib.Current()
		}
		mm := calib.MotionMagnitude(s.Accel.X, s.Accel.Y, s.Accel.Z, cal)
		w.estimator.OnAccel(s.Accel, mm)
	case sensors.KindGyro:
		w.estimator.OnGyro(s.Gyro)
	case sensors.KindGPS:
		w.estimator.OnGPS(s.Gps)
	default:
		return
	}

	if w.pauseChecker != nil && w.pauseChecker.Paused() {
		// Under memory pressure the estimator ignored this sample; don't
		// append a repeat of its last snapshot to the trajectory.
		return
	}

	out := w.estimator.Snapshot()
	w.store.Save.Lock()
	w.store.AppendTrajectory(string(out.SourceFilter), store.TrajectoryPoint{
		T:              out.T,
		Velocity:       out.Velocity,
		Distance:       out.Distance,
		HasPosition:    out.HasPosition,
		Lat:            out.Lat,
		Lon:            out.Lon,
		HasUncertainty: out.HasUncertainty,
		Uncertainty:    out.Uncertainty,
	})
	w.store.Save.Unlock()
}
