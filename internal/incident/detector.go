// Package incident detects driving incidents — hard braking, impacts, and
// swerving — from raw sensor samples, gated by vehicle-speed context and
// cooldowns to suppress the false-positive flood unfiltered thresholds
// produce.
package incident

import (
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/asgard/motiontracker/internal/sensors"
	"github.com/asgard/motiontracker/internal/store"
)

const (
	// HardBrakeThresholdMS2 is 0.8 g.
	HardBrakeThresholdMS2 = 0.8 * 9.81
	// ImpactThresholdMS2 is 1.5 g.
	ImpactThresholdMS2 = 1.5 * 9.81
	// SwerveThresholdRadS is 60 deg/s.
	SwerveThresholdRadS = 1.047

	minSpeedForGateMS = 2.0

	// Per-kind trigger cooldowns. A sustained pulse crosses its threshold on
	// many consecutive samples; the cooldown collapses those into one record.
	swerveCooldownSec    = 5.0
	hardBrakeCooldownSec = 10.0
	impactCooldownSec    = 10.0

	// WPreSeconds and WPostSeconds size the context windows around a
	// trigger, at the nominal 20 Hz accel/gyro rate (~600 samples per stream).
	WPreSeconds  = 30.0
	WPostSeconds = 30.0
)

type Kind string

const (
	KindHardBrake Kind = "hard_brake"
	KindImpact    Kind = "impact"
	KindSwerve    Kind = "swerve"
)

func cooldownFor(kind Kind) float64 {
	switch kind {
	case KindSwerve:
		return swerveCooldownSec
	case KindHardBrake:
		return hardBrakeCooldownSec
	case KindImpact:
		return impactCooldownSec
	}
	return 0
}

type ringEntry struct {
	t float64
	s sensors.Sample
}

type inFlight struct {
	kind          Kind
	triggerT      float64
	peakMagnitude float64
	gpsSpeed      float64
	preContext    []sensors.Sample
	postContext   []sensors.Sample
}

// Detector maintains a pre-event ring buffer and any in-flight post-event
// windows, and emits IncidentRecord values into the shared store. In-flight
// windows of different kinds (or the same kind past its cooldown) may
// overlap; each collects its own post-context.
type Detector struct {
	mu sync.Mutex

	log *logrus.Entry
	st  *store.Store

	ring []ringEntry

	gpsSpeed    float64
	lastTrigger map[Kind]float64

	inFlight []*inFlight

	emittedByKind map[Kind]uint64

	incidentsTotal *prometheus.CounterVec
}

// New returns a detector writing completed incidents into st.
func New(st *store.Store, log *logrus.Logger) *Detector {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Detector{
		log:           log.WithField("component", "incident_detector"),
		st:            st,
		lastTrigger:   make(map[Kind]float64),
		emittedByKind: make(map[Kind]uint64),
	}
}

// WithMetrics attaches a counter incremented once per emitted incident,
// labeled by kind.
func (d *Detector) WithMetrics(incidentsTotal *prometheus.CounterVec) *Detector {
	d.incidentsTotal = incidentsTotal
	return d
}

func (d *Detector) pushRing(t float64, s sensors.Sample) {
	d.ring = append(d.ring, ringEntry{t: t, s: s})
	cutoff := t - WPreSeconds
	i := 0
	for i < len(d.ring) && d.ring[i].t < cutoff {
		i++
	}
	if i > 0 {
		d.ring = d.ring[i:]
	}
}

func (d *Detector) preContextSnapshot() []sensors.Sample {
	out := make([]sensors.Sample, len(d.ring))
	for i, e := range d.ring {
		out[i] = e.s
	}
	return out
}

// OnAccel feeds one raw accelerometer sample plus its motion magnitude.
func (d *Detector) OnAccel(s sensors.AccelSample, motionMagnitude float64) {
	d.mu.Lock()

	sample := sensors.Sample{Kind: sensors.KindAccel, Accel: s}
	d.pushRing(s.T, sample)
	completed := d.feedInFlight(sample)

	for _, fl := range d.inFlight {
		switch fl.kind {
		case KindHardBrake:
			if motionMagnitude > fl.peakMagnitude {
				fl.peakMagnitude = motionMagnitude
			}
		case KindImpact:
			if s.Magnitude > fl.peakMagnitude {
				fl.peakMagnitude = s.Magnitude
			}
		}
	}

	if motionMagnitude > HardBrakeThresholdMS2 && d.gpsSpeed > minSpeedForGateMS {
		d.trigger(KindHardBrake, s.T, motionMagnitude)
	}
	if s.Magnitude > ImpactThresholdMS2 {
		d.trigger(KindImpact, s.T, s.Magnitude)
	}
	d.mu.Unlock()

	d.emit(completed)
}

// OnGyro feeds one raw gyro sample.
func (d *Detector) OnGyro(s sensors.GyroSample) {
	d.mu.Lock()

	sample := sensors.Sample{Kind: sensors.KindGyro, Gyro: s}
	d.pushRing(s.T, sample)
	completed := d.feedInFlight(sample)

	wz := math.Abs(s.Z)
	for _, fl := range d.inFlight {
		if fl.kind == KindSwerve && wz > fl.peakMagnitude {
			fl.peakMagnitude = wz
		}
	}

	if wz > SwerveThresholdRadS && d.gpsSpeed > minSpeedForGateMS {
		d.trigger(KindSwerve, s.T, wz)
	}
	d.mu.Unlock()

	d.emit(completed)
}

// OnGps feeds one raw GPS fix, updating the speed used for motion-context
// gating.
func (d *Detector) OnGps(f sensors.GpsFix) {
	d.mu.Lock()

	sample := sensors.Sample{Kind: sensors.KindGPS, Gps: f}
	d.pushRing(f.T, sample)
	completed := d.feedInFlight(sample)

	d.gpsSpeed = f.Speed
	d.mu.Unlock()

	d.emit(completed)
}

// feedInFlight appends the sample to every open post-event window and
// returns records for windows that have run their full W_post. Caller must
// hold d.mu.
func (d *Detector) feedInFlight(s sensors.Sample) []store.IncidentRecord {
	t := sampleT(s)
	var done []store.IncidentRecord
	kept := d.inFlight[:0]
	for _, fl := range d.inFlight {
		if t-fl.triggerT > WPostSeconds {
			done = append(done, d.buildRecord(fl, true))
			continue
		}
		fl.postContext = append(fl.postContext, s)
		kept = append(kept, fl)
	}
	d.inFlight = kept
	return done
}

func sampleT(s sensors.Sample) float64 {
	switch s.Kind {
	case sensors.KindAccel:
		return s.Accel.T
	case sensors.KindGyro:
		return s.Gyro.T
	case sensors.KindGPS:
		return s.Gps.T
	}
	return 0
}

// trigger opens a new post-event window unless the kind's cooldown since its
// last trigger has not yet elapsed. Caller must hold d.mu.
func (d *Detector) trigger(kind Kind, t, magnitude float64) {
	if last, ok := d.lastTrigger[kind]; ok && t-last < cooldownFor(kind) {
		return
	}
	d.lastTrigger[kind] = t
	d.inFlight = append(d.inFlight, &inFlight{
		kind:          kind,
		triggerT:      t,
		peakMagnitude: magnitude,
		gpsSpeed:      d.gpsSpeed,
		preContext:    d.preContextSnapshot(),
	})
	d.log.WithFields(logrus.Fields{"kind": kind, "t": t, "magnitude": magnitude}).Info("incident triggered")
}

// buildRecord materializes a finished (or foreshortened) window. Caller must
// hold d.mu.
func (d *Detector) buildRecord(fl *inFlight, complete bool) store.IncidentRecord {
	d.emittedByKind[fl.kind]++
	return store.IncidentRecord{
		ID:                  uuid.New().String(),
		Kind:                string(fl.kind),
		T:                   fl.triggerT,
		PeakMagnitude:       fl.peakMagnitude,
		PreContext:          fl.preContext,
		PostContext:         fl.postContext,
		PostContextComplete: complete,
		GpsSpeedAtEvent:     fl.gpsSpeed,
	}
}

// emit appends completed records to the shared store. It runs with d.mu
// released: the detector lock and the store's save lock are never held
// together.
func (d *Detector) emit(recs []store.IncidentRecord) {
	if len(recs) == 0 {
		return
	}
	d.st.Save.Lock()
	for _, rec := range recs {
		d.st.AppendIncident(rec)
	}
	d.st.Save.Unlock()

	for _, rec := range recs {
		if d.incidentsTotal != nil {
			d.incidentsTotal.WithLabelValues(rec.Kind).Inc()
		}
	}
}

// EmittedByKind returns a copy of the per-kind emitted-record counts,
// reported in the stop-summary.
func (d *Detector) EmittedByKind() map[string]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]uint64, len(d.emittedByKind))
	for k, v := range d.emittedByKind {
		out[string(k)] = v
	}
	return out
}

// Stop closes any in-flight incidents with whatever post-context they have
// accumulated, rather than waiting for the window to complete.
func (d *Detector) Stop() {
	d.mu.Lock()
	var done []store.IncidentRecord
	for _, fl := range d.inFlight {
		done = append(done, d.buildRecord(fl, false))
	}
	d.inFlight = nil
	d.mu.Unlock()

	d.emit(done)
}
