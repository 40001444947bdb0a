// Package memwatch periodically samples this process's resident set size
// and reports memory pressure via Pause/Resume callbacks, hysteresis-gated
// so a monitored component doesn't flap across a single threshold.
package memwatch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultCheckInterval is how often RSS is sampled.
	DefaultCheckInterval = 2 * time.Second

	// DefaultPauseBytes and DefaultResumeBytes bound the hysteresis band:
	// pause above the high-water mark, resume only once comfortably below
	// it, so a process oscillating around one threshold doesn't thrash.
	DefaultPauseBytes  = 95 * 1024 * 1024
	DefaultResumeBytes = 90 * 1024 * 1024
)

// Monitor samples process RSS on a ticker and invokes onPause/onResume as
// it crosses the configured band.
type Monitor struct {
	log *logrus.Entry

	interval time.Duration
	pauseAt  uint64
	resumeAt uint64

	onPause  func()
	onResume func()
	readRSS  func() (uint64, error)

	peakRSS prometheus.Gauge
	peak    atomic.Uint64

	paused bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New returns a monitor with the default interval and hysteresis band.
// onPause and onResume may be nil.
func New(onPause, onResume func(), log *logrus.Logger) *Monitor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Monitor{
		log:      log.WithField("component", "memwatch"),
		interval: DefaultCheckInterval,
		pauseAt:  DefaultPauseBytes,
		resumeAt: DefaultResumeBytes,
		onPause:  onPause,
		onResume: onResume,
		readRSS:  readProcessRSS,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// WithPeakRSSGauge attaches a gauge updated with the high-water mark of
// every successful RSS read.
func (m *Monitor) WithPeakRSSGauge(g prometheus.Gauge) *Monitor {
	m.peakRSS = g
	return m
}

func readProcessRSS() (uint64, error) {
	p, err := procfs.Self()
	if err != nil {
		return 0, err
	}
	stat, err := p.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(stat.ResidentMemory()), nil
}

// Run samples RSS every interval until ctx is done or Stop is called.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			rss, err := m.readRSS()
			if err != nil {
				m.log.WithError(err).Warn("failed to read process RSS, skipping memory-pressure check")
				continue
			}
			if rss > m.peak.Load() {
				m.peak.Store(rss)
				if m.peakRSS != nil {
					m.peakRSS.Set(float64(rss))
				}
			}
			m.evaluate(rss)
		}
	}
}

func (m *Monitor) evaluate(rss uint64) {
	switch {
	case !m.paused && rss > m.pauseAt:
		m.paused = true
		m.log.WithField("rss_bytes", rss).Warn("memory pressure: pausing es-ekf processing")
		if m.onPause != nil {
			m.onPause()
		}
	case m.paused && rss < m.resumeAt:
		m.paused = false
		m.log.WithField("rss_bytes", rss).Info("memory pressure cleared: resuming es-ekf processing")
		if m.onResume != nil {
			m.onResume()
		}
	}
}

// PeakRSS returns the high-water RSS observed so far, in bytes.
func (m *Monitor) PeakRSS() uint64 {
	return m.peak.Load()
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
