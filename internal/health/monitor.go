// Package health implements the periodic liveness check and
// exponential-backoff daemon restart policy: observation-only silence
// detection (it must never consume a sample, or it will race the filter
// workers draining the same queues) and a bounded restart-executor pool.
package health

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/asgard/motiontracker/internal/sensors"
)

const (
	// DefaultSilenceThreshold is S_sensor.
	DefaultSilenceThreshold = 5 * time.Second
	// DefaultCheckInterval is T_hc.
	DefaultCheckInterval = 2 * time.Second
	// MaxRestartAttempts before a sensor circuit-opens.
	MaxRestartAttempts = 10
	// MaxBackoff caps the exponential restart delay.
	MaxBackoff = 16 * time.Second
	// RestartExecutorPoolSize bounds concurrent restart operations.
	RestartExecutorPoolSize = 2
	// restartStopGrace is the pause between stopping the old daemon and
	// starting its replacement.
	restartStopGrace = 500 * time.Millisecond
)

// DaemonHandle holds the current *sensors.Daemon for one sensor behind a
// read/write discipline, so a consumer (fanout) never dereferences a
// handle mid-swap.
//
// IMU accel and gyro streams come off one physical subprocess and so share
// one handle; restarting is guarded by restarting so two logical sensor
// names aliasing the same handle (accel, gyro) can't race each other into
// starting two replacement daemons for the one subprocess that died.
type DaemonHandle struct {
	mu     sync.RWMutex
	daemon *sensors.Daemon

	restarting atomic.Bool
}

// NewDaemonHandle wraps an initial daemon.
func NewDaemonHandle(d *sensors.Daemon) *DaemonHandle {
	return &DaemonHandle{daemon: d}
}

// tryBeginRestart reports whether this handle was idle and is now claimed
// for restart; a concurrent caller gets false until endRestart runs.
func (h *DaemonHandle) tryBeginRestart() bool {
	return h.restarting.CompareAndSwap(false, true)
}

func (h *DaemonHandle) endRestart() {
	h.restarting.Store(false)
}

// Get returns the current daemon.
func (h *DaemonHandle) Get() *sensors.Daemon {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.daemon
}

// Swap installs a new daemon and returns the previous one.
func (h *DaemonHandle) Swap(d *sensors.Daemon) *sensors.Daemon {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.daemon
	h.daemon = d
	return old
}

// sensorState tracks restart bookkeeping for one monitored sensor.
type sensorState struct {
	name            string
	handle          *DaemonHandle
	factory         func() (*sensors.Daemon, error)
	restartAttempts int
	circuitOpen     bool
	lastSampleSeen  time.Time
}

// Monitor runs the periodic health-check loop over a set of sensors.
type Monitor struct {
	log *logrus.Entry

	sensors map[string]*sensorState
	mu      sync.Mutex

	checkInterval    time.Duration
	silenceThreshold time.Duration

	restartSem chan struct{}

	restartAttemptsMetric *prometheus.CounterVec
	circuitOpenMetric     *prometheus.GaugeVec

	stopCh chan struct{}
	doneCh chan struct{}
}

// WithMetrics attaches restart-attempt and circuit-open gauges/counters,
// labeled by sensor name.
func (m *Monitor) WithMetrics(restartAttempts *prometheus.CounterVec, circuitOpen *prometheus.GaugeVec) *Monitor {
	m.restartAttemptsMetric = restartAttempts
	m.circuitOpenMetric = circuitOpen
	return m
}

// NewMonitor returns a monitor with the default intervals.
func NewMonitor(log *logrus.Logger) *Monitor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Monitor{
		log:              log.WithField("component", "health_monitor"),
		sensors:          make(map[string]*sensorState),
		checkInterval:    DefaultCheckInterval,
		silenceThreshold: DefaultSilenceThreshold,
		restartSem:       make(chan struct{}, RestartExecutorPoolSize),
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
}

// Register adds a sensor to watch. factory must start and return a fresh
// daemon for restarts.
func (m *Monitor) Register(name string, handle *DaemonHandle, factory func() (*sensors.Daemon, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sensors[name] = &sensorState{name: name, handle: handle, factory: factory}
}

// Attempts reports the current restart-attempt count for a sensor.
func (m *Monitor) Attempts(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sensors[name]; ok {
		return s.restartAttempts
	}
	return 0
}

// CircuitOpen reports whether a sensor has exhausted its restart budget.
func (m *Monitor) CircuitOpen(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sensors[name]; ok {
		return s.circuitOpen
	}
	return false
}

func backoffFor(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(math.Pow(2, float64(attempts-1))) * time.Second
	if d > MaxBackoff {
		d = MaxBackoff
	}
	return d
}

// checkOnce runs one pass over every registered sensor. It only reads
// last_sample_t — it never pops from any queue.
func (m *Monitor) checkOnce(ctx context.Context) {
	m.mu.Lock()
	states := make([]*sensorState, 0, len(m.sensors))
	for _, s := range m.sensors {
		states = append(states, s)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, s := range states {
		d := s.handle.Get()
		lastT, ok := d.LastSampleT()

		if ok {
			m.mu.Lock()
			if lastT.After(s.lastSampleSeen) && s.restartAttempts > 0 {
				// A fresh sample after a restart is recovery: reset failure state.
				s.restartAttempts = 0
				s.circuitOpen = false
				if m.circuitOpenMetric != nil {
					m.circuitOpenMetric.WithLabelValues(s.name).Set(0)
				}
			}
			s.lastSampleSeen = lastT
			m.mu.Unlock()
		}

		silence := m.silenceThreshold + time.Nanosecond // force-silent until a sample ever arrives
		if ok {
			silence = now.Sub(lastT)
		}
		if silence <= m.silenceThreshold {
			continue
		}

		m.mu.Lock()
		circuitOpen := s.circuitOpen
		attempts := s.restartAttempts
		m.mu.Unlock()
		if circuitOpen {
			continue
		}
		if attempts >= MaxRestartAttempts {
			m.mu.Lock()
			s.circuitOpen = true
			m.mu.Unlock()
			if m.circuitOpenMetric != nil {
				m.circuitOpenMetric.WithLabelValues(s.name).Set(1)
			}
			m.log.WithField("sensor", s.name).Warn("restart budget exhausted, circuit-open")
			continue
		}

		m.scheduleRestart(ctx, s)
	}
}

func (m *Monitor) scheduleRestart(ctx context.Context, s *sensorState) {
	if !s.handle.tryBeginRestart() {
		// Another logical sensor name aliasing the same physical daemon
		// (accel/gyro share one IMU handle) already has a restart in flight.
		return
	}

	m.mu.Lock()
	s.restartAttempts++
	attempts := s.restartAttempts
	m.mu.Unlock()

	backoff := backoffFor(attempts)
	m.log.WithFields(logrus.Fields{"sensor": s.name, "attempt": attempts, "backoff": backoff}).
		Warn("sensor silent, scheduling restart")
	if m.restartAttemptsMetric != nil {
		m.restartAttemptsMetric.WithLabelValues(s.name).Inc()
	}

	select {
	case m.restartSem <- struct{}{}:
	case <-ctx.Done():
		s.handle.endRestart()
		return
	}

	go func() {
		defer func() { <-m.restartSem }()
		defer s.handle.endRestart()

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		old := s.handle.Get()
		old.Stop()

		select {
		case <-time.After(restartStopGrace):
		case <-ctx.Done():
			return
		}

		fresh, err := s.factory()
		if err != nil {
			m.log.WithError(err).WithField("sensor", s.name).Warn("restart failed to start replacement daemon")
			return
		}
		s.handle.Swap(fresh)
	}()
}

// Run loops until Stop is called, checking every checkInterval.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkOnce(ctx)
		}
	}
}

// Stop halts Run and waits for it to return.
func (m *Monitor) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	<-m.doneCh
}
