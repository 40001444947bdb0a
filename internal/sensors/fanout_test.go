package sensors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFanoutReplicatesToAllFilters(t *testing.T) {
	d := New(DefaultConfig("accel", "/bin/sh", "-c", "sleep 5"), time.Now(), nil)
	// Don't actually start a subprocess; push samples directly to exercise Fanout.
	d.queue.Push(Sample{Kind: KindAccel, Accel: NewAccelSample(0, 0, 0, 9.81)})
	d.queue.Push(Sample{Kind: KindAccel, Accel: NewAccelSample(0.02, 0, 0, 9.8)})

	f := NewFanout(d, []string{"complementary", "ekf", "es-ekf"}, 50, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	go f.Run(ctx)
	defer cancel()

	time.Sleep(50 * time.Millisecond)
	f.Stop()

	for _, name := range []string{"complementary", "ekf", "es-ekf"} {
		q := f.For(name)
		require.NotNil(t, q)
		require.Equal(t, 2, q.Len(), "filter %s should have received both samples", name)
	}
}

func TestFanoutIsolatesStalledFilter(t *testing.T) {
	d := New(DefaultConfig("accel", "/bin/sh", "-c", "sleep 5"), time.Now(), nil)
	f := NewFanout(d, []string{"slow", "fast"}, 4, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	go f.Run(ctx)
	defer cancel()

	for i := 0; i < 20; i++ {
		d.queue.Push(Sample{Kind: KindAccel, Accel: NewAccelSample(float64(i)*0.02, 0, 0, 9.81)})
	}
	// "fast" drains promptly; "slow" never reads, so it fills and drops but
	// must not affect "fast"'s queue at all.
	time.Sleep(30 * time.Millisecond)
	fastQ := f.For("fast")
	for {
		if _, ok := fastQ.Pop(); !ok {
			break
		}
	}

	time.Sleep(100 * time.Millisecond)
	f.Stop()

	slowQ := f.For("slow")
	require.LessOrEqual(t, slowQ.Len(), slowQ.Cap())
	require.Greater(t, slowQ.Drops(), uint64(0))
}
