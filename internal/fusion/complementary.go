package fusion

import (
	"math"
	"sync"

	"github.com/asgard/motiontracker/internal/geo"
	"github.com/asgard/motiontracker/internal/sensors"
)

// Complementary blends GPS speed and accelerometer-derived motion into a
// velocity estimate, and accumulates a GPS-only distance — accelerometer
// distance integration was proven to double-integrate and is not used.
type Complementary struct {
	mu sync.RWMutex

	velocity    float64
	distance    float64
	isStationary bool

	hasLastGPS   bool
	lastLat      float64
	lastLon      float64
	lastGpsSpeed float64
	lastGpsAcc   float64
	recentDispM  float64

	t float64
}

// NewComplementary returns a zeroed complementary filter.
func NewComplementary() *Complementary {
	return &Complementary{}
}

func (c *Complementary) Name() Name { return NameComplementary }

// OnAccel blends the previous GPS-corrected velocity with a motion-magnitude
// integrated estimate: 0.7 GPS-corrected + 0.3 (velocity + motion*dt).
func (c *Complementary) OnAccel(s sensors.AccelSample, motionMagnitude float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dt := s.T - c.t
	if dt <= 0 {
		dt = 0
	}
	c.t = s.T

	gpsCorrected := c.velocity
	integrated := c.velocity + motionMagnitude*dt
	v := 0.7*gpsCorrected + 0.3*integrated
	if v < 0 {
		v = 0
	}
	c.velocity = v

	c.isStationary = math.Abs(c.lastGpsSpeed) < 0.1 && c.recentDispM < math.Max(5.0, 1.5*c.lastGpsAcc)
}

func (c *Complementary) OnGyro(sensors.GyroSample) {
	// Complementary does not use gyro directly.
}

// OnGPS advances distance by the haversine delta from the previous fix and
// replaces velocity with the reported GPS speed.
func (c *Complementary) OnGPS(f sensors.GpsFix) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.t = f.T
	c.velocity = f.Speed
	c.lastGpsSpeed = f.Speed
	c.lastGpsAcc = f.Accuracy

	if c.hasLastGPS {
		d := geo.HaversineMeters(c.lastLat, c.lastLon, f.Latitude, f.Longitude)
		c.distance += d
		c.recentDispM = d
	}
	c.lastLat, c.lastLon = f.Latitude, f.Longitude
	c.hasLastGPS = true

	c.isStationary = math.Abs(f.Speed) < 0.1 && c.recentDispM < math.Max(5.0, 1.5*f.Accuracy)
}

// ComplementaryState is an atomic snapshot of the complementary filter's
// public state.
type ComplementaryState struct {
	Velocity     float64
	Distance     float64
	IsStationary bool
}

// State returns a copy of the current state under the filter's own lock.
func (c *Complementary) State() ComplementaryState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ComplementaryState{
		Velocity:     c.velocity,
		Distance:     c.distance,
		IsStationary: c.isStationary,
	}
}

func (c *Complementary) Snapshot() FilteredOutput {
	c.mu.RLock()
	t := c.t
	c.mu.RUnlock()
	s := c.State()
	return FilteredOutput{
		T:            t,
		SourceFilter: NameComplementary,
		Velocity:     s.Velocity,
		Distance:     s.Distance,
	}
}
