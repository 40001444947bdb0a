package fusion

import (
	"context"
	"testing"
	"time"

	"github.com/asgard/motiontracker/internal/queue"
	"github.com/asgard/motiontracker/internal/sensors"
	"github.com/asgard/motiontracker/internal/store"
	"github.com/stretchr/testify/require"
)

func TestWorkerAppendsTrajectoryOnAccel(t *testing.T) {
	q := queue.New[sensors.Sample](10)
	st := store.New()
	w := NewWorker(NewComplementary(), q, nil, st, nil)

	q.Push(sensors.Sample{Kind: sensors.KindAccel, Accel: sensors.NewAccelSample(0.02, 1, 0, 9.81)})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	go w.Run(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()

	st.Save.Lock()
	defer st.Save.Unlock()
	require.Len(t, st.Trajectories[string(NameComplementary)], 1)
}

func TestWorkerDisabledStopsProcessing(t *testing.T) {
	q := queue.New[sensors.Sample](10)
	st := store.New()
	w := NewWorker(NewComplementary(), q, nil, st, nil)
	w.SetEnabled(false)

	q.Push(sensors.Sample{Kind: sensors.KindAccel, Accel: sensors.NewAccelSample(0.02, 1, 0, 9.81)})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	go w.Run(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()

	st.Save.Lock()
	defer st.Save.Unlock()
	require.Len(t, st.Trajectories[string(NameComplementary)], 0)
}

type panicEstimator struct{}

func (panicEstimator) Name() Name                                      { return NameEKF }
func (panicEstimator) OnAccel(sensors.AccelSample, float64)             { panic("boom") }
func (panicEstimator) OnGyro(sensors.GyroSample)                        {}
func (panicEstimator) OnGPS(sensors.GpsFix)                             {}
func (panicEstimator) Snapshot() FilteredOutput                         { return FilteredOutput{} }

func TestWorkerRecoversFromPanicAndCountsFailure(t *testing.T) {
	q := queue.New[sensors.Sample](10)
	st := store.New()
	w := NewWorker(panicEstimator{}, q, nil, st, nil)

	q.Push(sensors.Sample{Kind: sensors.KindAccel, Accel: sensors.NewAccelSample(0.02, 1, 0, 9.81)})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	go w.Run(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()

	require.GreaterOrEqual(t, w.Failures(), uint64(1))
}
