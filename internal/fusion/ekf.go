package fusion

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/asgard/motiontracker/internal/geo"
	"github.com/asgard/motiontracker/internal/sensors"
)

const ekfStateDim = 13

// EKFConfig holds the tuning constants, documented in source history as
// having been loosened once to account for 3 s GPS gaps and 150-sample
// accel accumulation between fixes.
type EKFConfig struct {
	SigmaGpsPos      float64
	SigmaAccelProc   float64
	SigmaGyro        float64
	SigmaBiasRW      float64
	CovarianceTraceMax float64
}

// DefaultEKFConfig returns the tuning defaults from the design notes.
func DefaultEKFConfig() EKFConfig {
	return EKFConfig{
		SigmaGpsPos:        8.0,
		SigmaAccelProc:     0.3,
		SigmaGyro:          5e-4,
		SigmaBiasRW:        3e-4,
		CovarianceTraceMax: 1e6,
	}
}

var gravityVec = [3]float64{0, 0, 9.81}

// EKF is the 13-state quaternion + position + velocity + gyro-bias
// estimator: position[3], velocity[3], quaternion[4], gyro bias[3].
type EKF struct {
	mu sync.RWMutex

	cfg EKFConfig
	log logWarner

	x *mat.VecDense // 13
	p *mat.Dense    // 13x13

	origin    geo.Origin
	hasOrigin bool

	t          float64
	lastUpdate float64
}

type logWarner interface {
	Warn(args ...interface{})
}

// NewEKF returns a filter initialized at rest with identity orientation.
func NewEKF(cfg EKFConfig, log logWarner) *EKF {
	x := mat.NewVecDense(ekfStateDim, nil)
	x.SetVec(6, 1) // qw = 1

	p := mat.NewDense(ekfStateDim, ekfStateDim, nil)
	for i := 0; i < ekfStateDim; i++ {
		p.Set(i, i, 1.0)
	}

	return &EKF{cfg: cfg, log: log, x: x, p: p}
}

func (f *EKF) Name() Name { return NameEKF }

func (f *EKF) reinitAt(pos [3]float64) {
	x := mat.NewVecDense(ekfStateDim, nil)
	x.SetVec(0, pos[0])
	x.SetVec(1, pos[1])
	x.SetVec(2, pos[2])
	// Preserve orientation.
	x.SetVec(6, f.x.AtVec(6))
	x.SetVec(7, f.x.AtVec(7))
	x.SetVec(8, f.x.AtVec(8))
	x.SetVec(9, f.x.AtVec(9))
	f.x = x

	p := mat.NewDense(ekfStateDim, ekfStateDim, nil)
	for i := 0; i < ekfStateDim; i++ {
		p.Set(i, i, 1.0)
	}
	f.p = p
}

// checkDivergence resets position/velocity to the last GPS fix, keeps
// orientation, zeros bias, and reinitializes P, when the state has gone
// non-finite or the covariance has blown up.
func (f *EKF) checkDivergence() {
	trace := mat.Trace(f.p)
	finite := true
	for i := 0; i < ekfStateDim; i++ {
		if math.IsNaN(f.x.AtVec(i)) || math.IsInf(f.x.AtVec(i), 0) {
			finite = false
			break
		}
	}
	if finite && trace <= f.cfg.CovarianceTraceMax {
		return
	}
	if f.log != nil {
		f.log.Warn("ekf divergence detected, resetting position/velocity/bias")
	}
	lastPos := [3]float64{f.x.AtVec(0), f.x.AtVec(1), f.x.AtVec(2)}
	f.reinitAt(lastPos)
	f.x.SetVec(3, 0)
	f.x.SetVec(4, 0)
	f.x.SetVec(5, 0)
	f.x.SetVec(10, 0)
	f.x.SetVec(11, 0)
	f.x.SetVec(12, 0)
}

func (f *EKF) renormalizeQuaternion() {
	qw, qx, qy, qz := f.x.AtVec(6), f.x.AtVec(7), f.x.AtVec(8), f.x.AtVec(9)
	n := math.Sqrt(qw*qw + qx*qx + qy*qy + qz*qz)
	if n == 0 || math.IsNaN(n) {
		f.x.SetVec(6, 1)
		f.x.SetVec(7, 0)
		f.x.SetVec(8, 0)
		f.x.SetVec(9, 0)
		return
	}
	f.x.SetVec(6, qw/n)
	f.x.SetVec(7, qx/n)
	f.x.SetVec(8, qy/n)
	f.x.SetVec(9, qz/n)
}

func (f *EKF) symmetrizeP() {
	r, c := f.p.Dims()
	out := mat.NewDense(r, c, nil)
	out.Add(f.p, f.p.T())
	out.Scale(0.5, out)
	f.p = out
}

// rotateByQuaternion rotates vector v by unit quaternion (qw,qx,qy,qz).
func rotateByQuaternion(qw, qx, qy, qz float64, v [3]float64) [3]float64 {
	// v' = v + 2*qw*(q_xyz x v) + 2*(q_xyz x (q_xyz x v))
	qxv := cross([3]float64{qx, qy, qz}, v)
	qxqxv := cross([3]float64{qx, qy, qz}, qxv)
	return [3]float64{
		v[0] + 2*qw*qxv[0] + 2*qxqxv[0],
		v[1] + 2*qw*qxv[1] + 2*qxqxv[1],
		v[2] + 2*qw*qxv[2] + 2*qxqxv[2],
	}
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

// stateTransitionF builds the linearized process Jacobian for a dt step,
// approximated as identity plus the position<-velocity coupling (the
// orientation/bias coupling terms are folded into process noise Q instead
// of a full analytic Jacobian, matching the precision this estimator needs).
func (f *EKF) stateTransitionF(dt float64) *mat.Dense {
	m := mat.NewDense(ekfStateDim, ekfStateDim, nil)
	for i := 0; i < ekfStateDim; i++ {
		m.Set(i, i, 1.0)
	}
	m.Set(0, 3, dt)
	m.Set(1, 4, dt)
	m.Set(2, 5, dt)
	return m
}

func (f *EKF) processNoiseQ(dt float64) *mat.Dense {
	q := mat.NewDense(ekfStateDim, ekfStateDim, nil)
	sv := f.cfg.SigmaAccelProc * f.cfg.SigmaAccelProc * dt
	sq := f.cfg.SigmaGyro * f.cfg.SigmaGyro * dt
	sb := f.cfg.SigmaBiasRW * f.cfg.SigmaBiasRW * dt
	for i := 3; i < 6; i++ {
		q.Set(i, i, sv)
	}
	for i := 7; i < 10; i++ {
		q.Set(i, i, sq)
	}
	for i := 10; i < 13; i++ {
		q.Set(i, i, sb)
	}
	return q
}

func (f *EKF) propagateCovariance(dt float64) {
	ftr := f.stateTransitionF(dt)
	fp := mat.NewDense(ekfStateDim, ekfStateDim, nil)
	fp.Mul(ftr, f.p)
	fpft := mat.NewDense(ekfStateDim, ekfStateDim, nil)
	fpft.Mul(fp, ftr.T())
	q := f.processNoiseQ(dt)
	fpft.Add(fpft, q)
	f.p = fpft
}

// OnGyro predicts forward using bias-corrected angular velocity, then
// integrates accel separately via OnAccel (they arrive as distinct
// samples from the same IMU stream).
func (f *EKF) OnGyro(s sensors.GyroSample) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dt := s.T - f.lastUpdate
	if dt <= 0 || dt > 0.5 {
		f.lastUpdate = s.T
		return
	}
	f.lastUpdate = s.T

	bx, by, bz := f.x.AtVec(10), f.x.AtVec(11), f.x.AtVec(12)
	wx, wy, wz := s.X-bx, s.Y-by, s.Z-bz

	qw, qx, qy, qz := f.x.AtVec(6), f.x.AtVec(7), f.x.AtVec(8), f.x.AtVec(9)
	// Quaternion derivative from body rates, integrated with a first-order step.
	dqw := -0.5 * (qx*wx + qy*wy + qz*wz)
	dqx := 0.5 * (qw*wx + qy*wz - qz*wy)
	dqy := 0.5 * (qw*wy - qx*wz + qz*wx)
	dqz := 0.5 * (qw*wz + qx*wy - qy*wx)

	f.x.SetVec(6, qw+dqw*dt)
	f.x.SetVec(7, qx+dqx*dt)
	f.x.SetVec(8, qy+dqy*dt)
	f.x.SetVec(9, qz+dqz*dt)
	f.renormalizeQuaternion()

	f.propagateCovariance(dt)
	f.symmetrizeP()
	f.checkDivergence()
}

// OnAccel rotates the accelerometer reading into the world frame, removes
// gravity, and integrates velocity and position.
func (f *EKF) OnAccel(s sensors.AccelSample, _ float64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dt := s.T - f.lastUpdate
	if dt <= 0 || dt > 0.5 {
		f.lastUpdate = s.T
		return
	}
	f.lastUpdate = s.T

	qw, qx, qy, qz := f.x.AtVec(6), f.x.AtVec(7), f.x.AtVec(8), f.x.AtVec(9)
	worldAccel := rotateByQuaternion(qw, qx, qy, qz, [3]float64{s.X, s.Y, s.Z})
	ax := worldAccel[0] - gravityVec[0]
	ay := worldAccel[1] - gravityVec[1]
	az := worldAccel[2] - gravityVec[2]

	vx, vy, vz := f.x.AtVec(3), f.x.AtVec(4), f.x.AtVec(5)
	px, py, pz := f.x.AtVec(0), f.x.AtVec(1), f.x.AtVec(2)

	f.x.SetVec(3, vx+ax*dt)
	f.x.SetVec(4, vy+ay*dt)
	f.x.SetVec(5, vz+az*dt)
	f.x.SetVec(0, px+vx*dt)
	f.x.SetVec(1, py+vy*dt)
	f.x.SetVec(2, pz+vz*dt)

	f.propagateCovariance(dt)
	f.symmetrizeP()
	f.checkDivergence()
}

// ZeroMotionBiasUpdate injects a pseudo-measurement ω=b when the vehicle is
// known stationary, letting the filter observe gyro bias directly.
func (f *EKF) ZeroMotionBiasUpdate(observedBiasX, observedBiasY, observedBiasZ float64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bx, by, bz := f.x.AtVec(10), f.x.AtVec(11), f.x.AtVec(12)
	const gain = 0.05
	f.x.SetVec(10, bx+gain*(observedBiasX-bx))
	f.x.SetVec(11, by+gain*(observedBiasY-by))
	f.x.SetVec(12, bz+gain*(observedBiasZ-bz))
	f.clampBias()
}

func (f *EKF) clampBias() {
	for i := 10; i < 13; i++ {
		b := f.x.AtVec(i)
		if math.Abs(b) > 0.1 {
			f.x.SetVec(i, 0)
		}
	}
}

// bootstrapOrigin anchors the local ENU origin at the first GPS fix seen and
// seeds position directly from it. Returns true if this call did the
// bootstrapping, in which case the caller has nothing further to do this
// cycle — there is no prior estimate yet to correct against.
func (f *EKF) bootstrapOrigin(fx sensors.GpsFix) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hasOrigin {
		return false
	}
	f.origin = geo.NewOrigin(fx.Latitude, fx.Longitude)
	f.hasOrigin = true
	east, north := f.origin.ENU(fx.Latitude, fx.Longitude)
	f.x.SetVec(0, east)
	f.x.SetVec(1, north)
	f.x.SetVec(2, fx.Altitude)
	f.lastUpdate = fx.T
	return true
}

// enu projects a fix onto the already-anchored origin. Callers must have
// already bootstrapped it via bootstrapOrigin.
func (f *EKF) enu(fx sensors.GpsFix) (east, north float64) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.origin.ENU(fx.Latitude, fx.Longitude)
}

// position returns a snapshot of the position block, used by ESKF to build
// its own innovation without taking nominal.OnGPS's full correction.
func (f *EKF) position() (x, y, z float64) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.x.AtVec(0), f.x.AtVec(1), f.x.AtVec(2)
}

// setLastUpdate stamps the monotonic time of the most recent measurement
// update, independent of which estimator performed the correction.
func (f *EKF) setLastUpdate(t float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUpdate = t
}

// rotationMatrix returns the current orientation as a 3x3 rotation matrix,
// used by ESKF to build its error-state Jacobian.
func (f *EKF) rotationMatrix() *mat.Dense {
	f.mu.RLock()
	qw, qx, qy, qz := f.x.AtVec(6), f.x.AtVec(7), f.x.AtVec(8), f.x.AtVec(9)
	f.mu.RUnlock()

	m := mat.NewDense(3, 3, nil)
	m.Set(0, 0, 1-2*(qy*qy+qz*qz))
	m.Set(0, 1, 2*(qx*qy-qz*qw))
	m.Set(0, 2, 2*(qx*qz+qy*qw))
	m.Set(1, 0, 2*(qx*qy+qz*qw))
	m.Set(1, 1, 1-2*(qx*qx+qz*qz))
	m.Set(1, 2, 2*(qy*qz-qx*qw))
	m.Set(2, 0, 2*(qx*qz-qy*qw))
	m.Set(2, 1, 2*(qy*qz+qx*qw))
	m.Set(2, 2, 1-2*(qx*qx+qy*qy))
	return m
}

// biasEstimate returns the current gyro bias estimate.
func (f *EKF) biasEstimate() (x, y, z float64) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.x.AtVec(10), f.x.AtVec(11), f.x.AtVec(12)
}

// injectCorrection adds a 9-D error-state correction — position(3),
// velocity(3), small-angle orientation(3) — into the nominal state.
// Position and velocity are injected additively; orientation is injected
// via small-angle quaternion composition, valid for the small corrections
// a well-tracked filter produces between fixes.
func (f *EKF) injectCorrection(dx *mat.VecDense) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := 0; i < 6; i++ {
		f.x.SetVec(i, f.x.AtVec(i)+dx.AtVec(i))
	}

	dthx, dthy, dthz := dx.AtVec(6), dx.AtVec(7), dx.AtVec(8)
	qw, qx, qy, qz := f.x.AtVec(6), f.x.AtVec(7), f.x.AtVec(8), f.x.AtVec(9)
	nqw := qw - 0.5*(dthx*qx+dthy*qy+dthz*qz)
	nqx := qx + 0.5*(dthx*qw+dthy*qz-dthz*qy)
	nqy := qy + 0.5*(dthy*qw-dthx*qz+dthz*qx)
	nqz := qz + 0.5*(dthz*qw+dthx*qy-dthy*qx)
	f.x.SetVec(6, nqw)
	f.x.SetVec(7, nqx)
	f.x.SetVec(8, nqy)
	f.x.SetVec(9, nqz)
	f.renormalizeQuaternion()
}

// dampCovariance scales the full-state covariance down after an external
// correction this filter didn't compute itself (ESKF's error-state GPS
// update), so checkDivergence's trace bound stays meaningful instead of
// climbing unboundedly between corrections it never sees.
func (f *EKF) dampCovariance(factor float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.p.Scale(factor, f.p)
	f.symmetrizeP()
}

// OnGPS applies a position measurement update in Joseph form; the fix's
// speed is not used as a measurement. The origin for the local ENU frame is
// anchored at the first GPS fix seen.
func (f *EKF) OnGPS(fx sensors.GpsFix) {
	if f.bootstrapOrigin(fx) {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	east, north := f.origin.ENU(fx.Latitude, fx.Longitude)
	z := mat.NewVecDense(3, []float64{east, north, fx.Altitude})

	h := mat.NewDense(3, ekfStateDim, nil)
	h.Set(0, 0, 1)
	h.Set(1, 1, 1)
	h.Set(2, 2, 1)

	hx := mat.NewVecDense(3, []float64{f.x.AtVec(0), f.x.AtVec(1), f.x.AtVec(2)})
	y := mat.NewVecDense(3, nil)
	y.SubVec(z, hx)

	r := mat.NewDense(3, 3, nil)
	sigma2 := f.cfg.SigmaGpsPos * f.cfg.SigmaGpsPos
	r.Set(0, 0, sigma2)
	r.Set(1, 1, sigma2)
	r.Set(2, 2, sigma2)

	hp := mat.NewDense(3, ekfStateDim, nil)
	hp.Mul(h, f.p)
	hpht := mat.NewDense(3, 3, nil)
	hpht.Mul(hp, h.T())
	hpht.Add(hpht, r)

	var sInv mat.Dense
	if err := sInv.Inverse(hpht); err != nil {
		if f.log != nil {
			f.log.Warn("ekf gps update: innovation covariance not invertible, skipping")
		}
		return
	}

	pht := mat.NewDense(ekfStateDim, 3, nil)
	pht.Mul(f.p, h.T())
	k := mat.NewDense(ekfStateDim, 3, nil)
	k.Mul(pht, &sInv)

	dx := mat.NewVecDense(ekfStateDim, nil)
	dx.MulVec(k, y)
	f.x.AddVec(f.x, dx)

	ident := mat.NewDense(ekfStateDim, ekfStateDim, nil)
	for i := 0; i < ekfStateDim; i++ {
		ident.Set(i, i, 1)
	}
	kh := mat.NewDense(ekfStateDim, ekfStateDim, nil)
	kh.Mul(k, h)
	imkh := mat.NewDense(ekfStateDim, ekfStateDim, nil)
	imkh.Sub(ident, kh)

	term1 := mat.NewDense(ekfStateDim, ekfStateDim, nil)
	term1.Mul(imkh, f.p)
	term1b := mat.NewDense(ekfStateDim, ekfStateDim, nil)
	term1b.Mul(term1, imkh.T())

	kr := mat.NewDense(ekfStateDim, 3, nil)
	kr.Mul(k, r)
	term2 := mat.NewDense(ekfStateDim, ekfStateDim, nil)
	term2.Mul(kr, k.T())

	term1b.Add(term1b, term2)
	f.p = term1b

	f.renormalizeQuaternion()
	f.symmetrizeP()
	f.checkDivergence()
	f.lastUpdate = fx.T
}

func (f *EKF) Snapshot() FilteredOutput {
	f.mu.RLock()
	defer f.mu.RUnlock()

	vx, vy, vz := f.x.AtVec(3), f.x.AtVec(4), f.x.AtVec(5)
	speed := math.Sqrt(vx*vx + vy*vy + vz*vz)
	qw, qx, qy, qz := f.x.AtVec(6), f.x.AtVec(7), f.x.AtVec(8), f.x.AtVec(9)
	qnorm := math.Sqrt(qw*qw + qx*qx + qy*qy + qz*qz)

	out := FilteredOutput{
		T:                 f.lastUpdate,
		SourceFilter:      NameEKF,
		Velocity:          speed,
		HasUncertainty:    true,
		Uncertainty:       mat.Trace(f.p),
		HasQuaternionNorm: true,
		QuaternionNorm:    qnorm,
	}
	if f.hasOrigin {
		out.HasPosition = true
		out.Lat, out.Lon = f.origin.InverseENU(f.x.AtVec(0), f.x.AtVec(1))
	}
	return out
}
