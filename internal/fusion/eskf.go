package fusion

import (
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/asgard/motiontracker/internal/sensors"
)

const (
	// ESKFMaxConsecutiveFailures is N from the degradation policy.
	ESKFMaxConsecutiveFailures = 10

	// MemoryPauseRSSBytes and MemoryResumeRSSBytes bound the hysteresis
	// band for pausing ES-EKF under memory pressure.
	MemoryPauseRSSBytes  = 95 * 1024 * 1024
	MemoryResumeRSSBytes = 90 * 1024 * 1024

	errStateDim = 9
)

// ESKF is the error-state variant: the nominal state propagates exactly
// like EKF (position, velocity, quaternion, gyro bias), but GPS corrections
// are computed against a 9-D error state (δp, δv, δθ) carrying its own
// error-covariance, propagated by its own Jacobian on every accel/gyro
// sample. The resulting correction is injected into the nominal state and
// the error state reset to zero. The nominal EKF's own 13x13 covariance
// never sees a GPS correction directly — only a damping after injection —
// so its divergence check stays meaningful without duplicating the
// error-state Kalman math.
type ESKF struct {
	mu sync.RWMutex

	nominal *EKF

	// perr is the 9x9 error-state covariance: position(3), velocity(3),
	// small-angle orientation(3).
	perr *mat.Dense

	// deltaX mirrors the in-flight correction between a GPS update's
	// innovation and its injection into the nominal state; it is always
	// reset to zero immediately after injection.
	deltaX *mat.VecDense

	errLastUpdate float64
	lastAccelBody [3]float64
	lastOmegaBody [3]float64

	consecutiveFailures int
	degraded            bool
	paused              bool
}

// NewESKF wraps a nominal EKF with error-state GPS correction.
func NewESKF(cfg EKFConfig, log logWarner) *ESKF {
	return &ESKF{
		nominal: NewEKF(cfg, log),
		perr:    identity9(),
		deltaX:  mat.NewVecDense(errStateDim, nil),
	}
}

func (f *ESKF) Name() Name { return NameESEKF }

// Pause stops processing new samples under memory pressure; OnAccel/OnGyro
// become no-ops so the worker's continued draining of its input queue
// discards rather than replays backlog.
func (f *ESKF) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
}

// Resume re-enables processing once RSS has fallen below the resume bound.
func (f *ESKF) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
}

// Paused reports whether the filter is currently ignoring input.
func (f *ESKF) Paused() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.paused
}

// Degraded reports whether N consecutive update failures have occurred.
func (f *ESKF) Degraded() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.degraded
}

func (f *ESKF) OnAccel(s sensors.AccelSample, motionMagnitude float64) {
	f.mu.Lock()
	if f.paused || f.degraded {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	f.nominal.OnAccel(s, motionMagnitude)

	f.mu.Lock()
	f.lastAccelBody = [3]float64{s.X, s.Y, s.Z}
	f.propagateErrorCovariance(s.T)
	f.mu.Unlock()
}

func (f *ESKF) OnGyro(s sensors.GyroSample) {
	f.mu.Lock()
	if f.paused || f.degraded {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	f.nominal.OnGyro(s)

	bx, by, bz := f.nominal.biasEstimate()
	f.mu.Lock()
	f.lastOmegaBody = [3]float64{s.X - bx, s.Y - by, s.Z - bz}
	f.propagateErrorCovariance(s.T)
	f.mu.Unlock()
}

// ZeroMotionBiasUpdate forwards the zero-motion pseudo-measurement to the
// nominal filter, which owns the bias state the error state doesn't track.
func (f *ESKF) ZeroMotionBiasUpdate(biasX, biasY, biasZ float64) {
	f.nominal.ZeroMotionBiasUpdate(biasX, biasY, biasZ)
}

// propagateErrorCovariance advances perr by one step of the linearized
// error-state transition F_err = I + dt*A, where A couples position to
// velocity, velocity to orientation error via the rotated, skew-symmetrized
// body acceleration, and orientation error to itself via the skew-symmetric
// body angular rate. Must be called with f.mu held.
func (f *ESKF) propagateErrorCovariance(t float64) {
	dt := t - f.errLastUpdate
	f.errLastUpdate = t
	if dt <= 0 || dt > 0.5 {
		return
	}

	rot := f.nominal.rotationMatrix()
	rotAccelSkew := mat.NewDense(3, 3, nil)
	rotAccelSkew.Mul(rot, skew(f.lastAccelBody))
	omegaSkew := skew(f.lastOmegaBody)

	a := mat.NewDense(errStateDim, errStateDim, nil)
	for i := 0; i < 3; i++ {
		a.Set(i, 3+i, 1)
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			a.Set(3+i, 6+j, -rotAccelSkew.At(i, j))
			a.Set(6+i, 6+j, -omegaSkew.At(i, j))
		}
	}

	fErr := identity9()
	scaled := mat.NewDense(errStateDim, errStateDim, nil)
	scaled.Scale(dt, a)
	fErr.Add(fErr, scaled)

	fp := mat.NewDense(errStateDim, errStateDim, nil)
	fp.Mul(fErr, f.perr)
	fpft := mat.NewDense(errStateDim, errStateDim, nil)
	fpft.Mul(fp, fErr.T())
	fpft.Add(fpft, f.errorProcessNoise(dt))
	f.perr = fpft
}

func (f *ESKF) errorProcessNoise(dt float64) *mat.Dense {
	cfg := f.nominal.cfg
	q := mat.NewDense(errStateDim, errStateDim, nil)
	sv := cfg.SigmaAccelProc * cfg.SigmaAccelProc * dt
	sth := cfg.SigmaGyro * cfg.SigmaGyro * dt
	for i := 3; i < 6; i++ {
		q.Set(i, i, sv)
	}
	for i := 6; i < errStateDim; i++ {
		q.Set(i, i, sth)
	}
	return q
}

// OnGPS computes the innovation against the nominal position estimate,
// runs its own 9-D Kalman correction against perr (not nominal's 13x13 P),
// injects the resulting error state into the nominal state, and resets the
// error state to zero.
func (f *ESKF) OnGPS(fx sensors.GpsFix) {
	f.mu.Lock()
	if f.paused {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	if f.nominal.bootstrapOrigin(fx) {
		return
	}

	east, north := f.nominal.enu(fx)
	px, py, pz := f.nominal.position()

	z := mat.NewVecDense(3, []float64{east, north, fx.Altitude})
	hx := mat.NewVecDense(3, []float64{px, py, pz})
	y := mat.NewVecDense(3, nil)
	y.SubVec(z, hx)

	h := mat.NewDense(3, errStateDim, nil)
	h.Set(0, 0, 1)
	h.Set(1, 1, 1)
	h.Set(2, 2, 1)

	r := mat.NewDense(3, 3, nil)
	sigma2 := f.nominal.cfg.SigmaGpsPos * f.nominal.cfg.SigmaGpsPos
	r.Set(0, 0, sigma2)
	r.Set(1, 1, sigma2)
	r.Set(2, 2, sigma2)

	f.mu.Lock()
	hp := mat.NewDense(3, errStateDim, nil)
	hp.Mul(h, f.perr)
	hpht := mat.NewDense(3, 3, nil)
	hpht.Mul(hp, h.T())
	hpht.Add(hpht, r)

	var sInv mat.Dense
	if err := sInv.Inverse(hpht); err != nil {
		f.mu.Unlock()
		if f.nominal.log != nil {
			f.nominal.log.Warn("eskf gps update: innovation covariance not invertible, skipping")
		}
		return
	}

	pht := mat.NewDense(errStateDim, 3, nil)
	pht.Mul(f.perr, h.T())
	k := mat.NewDense(errStateDim, 3, nil)
	k.Mul(pht, &sInv)

	dx := mat.NewVecDense(errStateDim, nil)
	dx.MulVec(k, y)

	ident := identity9()
	kh := mat.NewDense(errStateDim, errStateDim, nil)
	kh.Mul(k, h)
	imkh := mat.NewDense(errStateDim, errStateDim, nil)
	imkh.Sub(ident, kh)

	term1 := mat.NewDense(errStateDim, errStateDim, nil)
	term1.Mul(imkh, f.perr)
	term1b := mat.NewDense(errStateDim, errStateDim, nil)
	term1b.Mul(term1, imkh.T())

	kr := mat.NewDense(errStateDim, 3, nil)
	kr.Mul(k, r)
	term2 := mat.NewDense(errStateDim, errStateDim, nil)
	term2.Mul(kr, k.T())
	term1b.Add(term1b, term2)
	f.perr = term1b

	for i := 0; i < errStateDim; i++ {
		f.deltaX.SetVec(i, dx.AtVec(i))
	}
	f.consecutiveFailures = 0
	f.degraded = false
	f.mu.Unlock()

	f.injectErrorState(dx)
	f.nominal.setLastUpdate(fx.T)
	f.nominal.dampCovariance(0.3)
}

// injectErrorState adds the corrected error state into the nominal state —
// additively for position/velocity, via small-angle quaternion composition
// for orientation — then resets δx now that it has been consumed.
func (f *ESKF) injectErrorState(dx *mat.VecDense) {
	f.nominal.injectCorrection(dx)

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < errStateDim; i++ {
		f.deltaX.SetVec(i, 0)
	}
}

// RecordFailure increments the consecutive-failure counter; once it
// reaches ESKFMaxConsecutiveFailures the filter is marked degraded and the
// worker is expected to drain and discard its input queue.
func (f *ESKF) RecordFailure() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consecutiveFailures++
	if f.consecutiveFailures >= ESKFMaxConsecutiveFailures {
		f.degraded = true
	}
}

func (f *ESKF) Snapshot() FilteredOutput {
	out := f.nominal.Snapshot()
	out.SourceFilter = NameESEKF
	return out
}

func identity9() *mat.Dense {
	m := mat.NewDense(errStateDim, errStateDim, nil)
	for i := 0; i < errStateDim; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// skew returns the skew-symmetric cross-product matrix of v, such that
// skew(v)*u == v×u.
func skew(v [3]float64) *mat.Dense {
	m := mat.NewDense(3, 3, nil)
	m.Set(0, 1, -v[2])
	m.Set(0, 2, v[1])
	m.Set(1, 0, v[2])
	m.Set(1, 2, -v[0])
	m.Set(2, 0, -v[1])
	m.Set(2, 1, v[0])
	return m
}
