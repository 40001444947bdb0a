// Package calib implements gravity-magnitude calibration and the
// orientation-independent motion-magnitude proxy the fusion estimators and
// incident detector build on.
package calib

import (
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	minGravityMagnitude = 9.5
	maxGravityMagnitude = 10.1
	maxBiasMagnitude    = 15.0

	// RecalibrateMinInterval is the minimum time between two accepted
	// recalibrations (T_recal_min).
	RecalibrateMinInterval = 30 * time.Second

	// RotationEventThresholdRad is the rotation magnitude that, on its
	// own, makes a recalibration eligible regardless of stationary time.
	RotationEventThresholdRad = 0.5
)

// Calibration is the exclusively-owned-by-the-calibrator snapshot of bias
// and gravity magnitude. Each update is an atomic replacement — readers
// snapshot a copy rather than holding a lock across their computation.
type Calibration struct {
	BiasX, BiasY, BiasZ float64
	GravityMagnitude    float64
	SampleCount         uint32
	Valid               bool
}

// Sample is the minimal accelerometer reading the calibrator needs.
type Sample struct {
	X, Y, Z float64
}

// Calibrator owns the current Calibration behind a lightweight lock and
// gates recalibration attempts.
type Calibrator struct {
	log *logrus.Entry

	mu       sync.RWMutex
	current  Calibration
	lastRecal time.Time
}

// New returns a calibrator with no valid calibration yet.
func New(log *logrus.Logger) *Calibrator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Calibrator{log: log.WithField("component", "calibration")}
}

// Current returns a copy of the current calibration.
func (c *Calibrator) Current() Calibration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Calibrate computes bias and gravity magnitude over a stationary window of
// samples (N≈50) by per-axis mean, then gravity_magnitude = |mean vector|.
func Calibrate(samples []Sample) Calibration {
	var sx, sy, sz float64
	for _, s := range samples {
		sx += s.X
		sy += s.Y
		sz += s.Z
	}
	n := float64(len(samples))
	if n == 0 {
		return Calibration{}
	}
	mx, my, mz := sx/n, sy/n, sz/n
	return Calibration{
		BiasX:            mx,
		BiasY:            my,
		BiasZ:            mz,
		GravityMagnitude: math.Sqrt(mx*mx + my*my + mz*mz),
		SampleCount:      uint32(len(samples)),
		Valid:            true,
	}
}

// MotionMagnitude derives the orientation-independent linear-acceleration
// proxy for a raw accelerometer reading against a calibration.
func MotionMagnitude(x, y, z float64, cal Calibration) float64 {
	mag := math.Sqrt(x*x + y*y + z*z)
	m := mag - cal.GravityMagnitude
	if m < 0 {
		return 0
	}
	return m
}

// valid reports whether a candidate calibration passes the acceptance gate.
func valid(cand Calibration) bool {
	if cand.GravityMagnitude < minGravityMagnitude || cand.GravityMagnitude > maxGravityMagnitude {
		return false
	}
	if math.Abs(cand.BiasX) > maxBiasMagnitude || math.Abs(cand.BiasY) > maxBiasMagnitude || math.Abs(cand.BiasZ) > maxBiasMagnitude {
		return false
	}
	return true
}

// RecalibrateIfEligible applies samples as a new candidate calibration if
// the caller attests a qualifying condition (stationary ≥30s or a rotation
// event ≥0.5 rad) and the minimum recalibration interval has elapsed.
// Returns true if a new calibration was accepted.
func (c *Calibrator) RecalibrateIfEligible(now time.Time, samples []Sample, isStationary30s bool, rotationEventRad float64) bool {
	if !isStationary30s && rotationEventRad < RotationEventThresholdRad {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.lastRecal.IsZero() && now.Sub(c.lastRecal) < RecalibrateMinInterval {
		return false
	}

	cand := Calibrate(samples)
	if !valid(cand) {
		c.log.WithFields(logrus.Fields{
			"gravity_magnitude": cand.GravityMagnitude,
			"bias_x":            cand.BiasX,
			"bias_y":            cand.BiasY,
			"bias_z":            cand.BiasZ,
		}).Warn("rejected candidate calibration outside validity gate")
		return false
	}

	c.current = cand
	c.lastRecal = now
	c.log.WithField("gravity_magnitude", cand.GravityMagnitude).Info("accepted new calibration")
	return true
}

// Seed installs an initial calibration directly, bypassing the eligibility
// gate. Used for the synchronous first-window calibration at session start.
func (c *Calibrator) Seed(now time.Time, samples []Sample) bool {
	cand := Calibrate(samples)
	if !valid(cand) {
		return false
	}
	c.mu.Lock()
	c.current = cand
	c.lastRecal = now
	c.mu.Unlock()
	return true
}
