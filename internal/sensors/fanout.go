package sensors

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/asgard/motiontracker/internal/queue"
)

// Fanout is C2: a single consumer of one daemon's queue that replicates
// each sample into N per-filter queues, one per active fusion estimator.
// Replication is non-blocking, drop-oldest per destination queue; a stalled
// filter worker fills and drops on its own queue without affecting any
// other filter or the raw intake, because each destination queue's producer
// side never blocks.
type Fanout struct {
	log *logrus.Entry

	daemon *Daemon
	outs   map[string]*queue.Queue[Sample]
	mu     sync.RWMutex

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewFanout creates a fanout reading from daemon and replicating into one
// queue per name in filterNames, each with the given capacity.
func NewFanout(daemon *Daemon, filterNames []string, capacity int, log *logrus.Logger) *Fanout {
	if log == nil {
		log = logrus.StandardLogger()
	}
	outs := make(map[string]*queue.Queue[Sample], len(filterNames))
	for _, name := range filterNames {
		outs[name] = queue.New[Sample](capacity)
	}
	return &Fanout{
		log:    log.WithField("fanout", daemon.cfg.Name),
		daemon: daemon,
		outs:   outs,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// For returns the per-filter queue for the given filter name, or nil if no
// such filter was registered.
func (f *Fanout) For(filterName string) *queue.Queue[Sample] {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.outs[filterName]
}

// Drops returns the number of samples dropped on the named filter's queue.
func (f *Fanout) Drops(filterName string) uint64 {
	q := f.For(filterName)
	if q == nil {
		return 0
	}
	return q.Drops()
}

// Run consumes from the daemon until ctx is done or Stop is called,
// replicating every sample into all registered per-filter queues.
func (f *Fanout) Run(ctx context.Context) {
	defer close(f.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		default:
		}

		s, ok := f.daemon.TryPoll()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-f.stopCh:
				return
			case <-time.After(time.Millisecond):
			}
			continue
		}

		f.mu.RLock()
		for _, q := range f.outs {
			q.Push(s)
		}
		f.mu.RUnlock()
	}
}

// Stop halts Run and waits for it to return.
func (f *Fanout) Stop() {
	select {
	case <-f.stopCh:
	default:
		close(f.stopCh)
	}
	<-f.doneCh
}
