package memwatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMonitorPausesAboveHighWaterAndResumesBelowLow(t *testing.T) {
	var rss atomic.Uint64
	rss.Store(50 * 1024 * 1024)

	var paused, resumed atomic.Int32
	m := New(
		func() { paused.Add(1) },
		func() { resumed.Add(1) },
		nil,
	)
	m.interval = time.Millisecond
	m.readRSS = func() (uint64, error) { return rss.Load(), nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	rss.Store(100 * 1024 * 1024)
	require.Eventually(t, func() bool { return paused.Load() == 1 }, time.Second, time.Millisecond)

	rss.Store(80 * 1024 * 1024)
	require.Eventually(t, func() bool { return resumed.Load() == 1 }, time.Second, time.Millisecond)

	m.Stop()
}

func TestMonitorDoesNotFlapWithinHysteresisBand(t *testing.T) {
	var rss atomic.Uint64
	rss.Store(92 * 1024 * 1024) // between resumeAt and pauseAt

	var pauseCount atomic.Int32
	m := New(func() { pauseCount.Add(1) }, nil, nil)
	m.interval = time.Millisecond
	m.readRSS = func() (uint64, error) { return rss.Load(), nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	m.Stop()

	require.Equal(t, int32(0), pauseCount.Load())
}
