package sensors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/asgard/motiontracker/internal/queue"
)

// DaemonStartFailed reports a subprocess that failed to spawn, or that
// exited within the start grace period.
type DaemonStartFailed struct {
	Reason string
}

func (e *DaemonStartFailed) Error() string {
	return fmt.Sprintf("daemon start failed: %s", e.Reason)
}

// Config configures one sensor daemon.
type Config struct {
	Name          string // human-readable label for logging ("accel+gyro", "gps")
	Command       string
	Args          []string
	QueueCapacity int           // default 100
	StartGrace    time.Duration // default 200ms
	StopGrace     time.Duration // default 1s
}

// DefaultConfig returns sensible defaults for capacity and grace periods,
// leaving Name/Command/Args for the caller to fill in.
func DefaultConfig(name, command string, args ...string) Config {
	return Config{
		Name:          name,
		Command:       command,
		Args:          args,
		QueueCapacity: 100,
		StartGrace:    200 * time.Millisecond,
		StopGrace:     time.Second,
	}
}

// Daemon owns one long-lived sensor subprocess: it spawns it, parses its
// streaming output on a dedicated reader goroutine, and exposes a bounded
// queue of typed samples. Liveness is observed via LastSampleT, which never
// consumes from the queue — see LastSampleT on why that matters.
type Daemon struct {
	cfg Config
	log *logrus.Entry

	mu       sync.RWMutex
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	running  bool
	waitCh   chan struct{} // closed once cmd.Wait returns
	readerWG sync.WaitGroup

	queue *queue.Queue[Sample]

	sessionStart time.Time
	lastSampleAt atomic.Int64 // unix nanos, 0 if no sample read yet
	malformed    atomic.Uint64

	stopCh chan struct{}
}

// New creates a Daemon bound to sessionStart, the monotonic reference point
// every sample's T field is relative to.
func New(cfg Config, sessionStart time.Time, log *logrus.Logger) *Daemon {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 100
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Daemon{
		cfg:          cfg,
		log:          log.WithField("daemon", cfg.Name),
		queue:        queue.New[Sample](cfg.QueueCapacity),
		sessionStart: sessionStart,
	}
}

// Start spawns the subprocess and launches the reader goroutine. It fails
// with *DaemonStartFailed if the process cannot be spawned, or exits within
// StartGrace.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return &DaemonStartFailed{Reason: "already running"}
	}

	cmd := exec.Command(d.cfg.Command, d.cfg.Args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		d.mu.Unlock()
		return &DaemonStartFailed{Reason: fmt.Sprintf("stdout pipe: %v", err)}
	}

	if err := cmd.Start(); err != nil {
		d.mu.Unlock()
		return &DaemonStartFailed{Reason: fmt.Sprintf("spawn: %v", err)}
	}

	waitCh := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(waitCh)
	}()

	d.cmd = cmd
	d.stdout = stdout
	d.waitCh = waitCh
	d.mu.Unlock()

	grace := d.cfg.StartGrace
	if grace <= 0 {
		grace = 200 * time.Millisecond
	}
	select {
	case <-waitCh:
		return &DaemonStartFailed{Reason: "subprocess exited during start grace period"}
	case <-time.After(grace):
	}

	d.mu.Lock()
	d.running = true
	d.stopCh = make(chan struct{})
	d.mu.Unlock()

	d.readerWG.Add(1)
	go d.readLoop()

	d.log.WithFields(logrus.Fields{"cmd": d.cfg.Command, "args": d.cfg.Args}).Info("daemon started")
	return nil
}

// readLoop parses the subprocess stream and enqueues samples. It never
// blocks the producer side beyond the bounded queue's drop-oldest push.
func (d *Daemon) readLoop() {
	defer d.readerWG.Done()

	scanner := newRecordScanner(d.stdout)
	var firstMs int64
	var baseT float64
	haveFirst := false

	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		raw, err := scanner.Next()
		if err != nil {
			// Subprocess exited or pipe closed: stop growing the queue and
			// let silence propagate to the health monitor via LastSampleT.
			d.log.WithError(err).Warn("daemon stream ended")
			return
		}

		var rec rawRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			d.malformed.Add(1)
			continue
		}

		if !haveFirst && rec.TimestampMs != 0 {
			firstMs = rec.TimestampMs
			baseT = time.Since(d.sessionStart).Seconds()
			haveFirst = true
		}
		var t float64
		if haveFirst {
			t = baseT + float64(rec.TimestampMs-firstMs)/1000.0
		} else {
			t = time.Since(d.sessionStart).Seconds()
		}

		samples := rec.toSamples(t)
		if len(samples) == 0 {
			d.malformed.Add(1)
			continue
		}
		for _, s := range samples {
			d.queue.Push(s)
		}
		d.lastSampleAt.Store(time.Now().UnixNano())
	}
}

// Poll blocks up to timeout waiting for the next sample.
func (d *Daemon) Poll(ctx context.Context, timeout time.Duration) (Sample, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if s, ok := d.queue.Pop(); ok {
			return s, true
		}
		if time.Now().After(deadline) {
			return Sample{}, false
		}
		select {
		case <-ctx.Done():
			return Sample{}, false
		case <-time.After(time.Millisecond):
		}
	}
}

// TryPoll returns immediately with the next sample, if any.
func (d *Daemon) TryPoll() (Sample, bool) {
	return d.queue.Pop()
}

// LastSampleT returns the wall-clock instant the last sample was *read from
// the subprocess*; ok is false until a first sample has been read. It is
// purely observational:
// it must never consume from the queue, because C8's filter workers may be
// polling the same daemon's downstream queues with a tight duty cycle and
// would win every race against a health check that tried to peek by
// popping. This was a documented production bug in the system this package
// replaces.
func (d *Daemon) LastSampleT() (t time.Time, ok bool) {
	ns := d.lastSampleAt.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// MalformedCount returns the number of records skipped due to parse errors
// or missing fields.
func (d *Daemon) MalformedCount() uint64 {
	return d.malformed.Load()
}

// Drops returns the number of samples dropped from this daemon's own queue
// due to backpressure (distinct from per-filter fanout drops in C2).
func (d *Daemon) Drops() uint64 {
	return d.queue.Drops()
}

// Stop terminates the subprocess (SIGTERM, then SIGKILL after StopGrace) and
// joins the reader goroutine.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cmd := d.cmd
	waitCh := d.waitCh
	close(d.stopCh)
	d.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)

		grace := d.cfg.StopGrace
		if grace <= 0 {
			grace = time.Second
		}
		select {
		case <-waitCh:
		case <-time.After(grace):
			_ = cmd.Process.Kill()
			<-waitCh
		}
	}

	d.readerWG.Wait()
	d.log.Info("daemon stopped")
}

// IsRunning reports whether Start has succeeded and Stop has not yet been
// called.
func (d *Daemon) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}
