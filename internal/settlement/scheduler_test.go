package settlement

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/richardliu001/custody-ledger/internal/logger"
	"github.com/richardliu001/custody-ledger/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_NoOverlapAndDroppedTicks(t *testing.T) {
	log, err := logger.NewLogger()
	require.NoError(t, err)
	m := metrics.New(prometheus.NewRegistry())
	s := NewScheduler(1, m, log)

	var running, maxRunning, runs int32
	s.Add(Task{Name: "slow", Interval: 5 * time.Millisecond, Run: func(ctx context.Context) error {
		n := atomic.AddInt32(&running, 1)
		for {
			cur := atomic.LoadInt32(&maxRunning)
			if n <= cur || atomic.CompareAndSwapInt32(&maxRunning, cur, n) {
				break
			}
		}
		atomic.AddInt32(&runs, 1)
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
	assert.Greater(t, atomic.LoadInt32(&runs), int32(1))
	assert.Greater(t, testutil.ToFloat64(m.DroppedTicks.WithLabelValues("slow")), 0.0)
}

func TestScheduler_FatalStopsAndTransientContinues(t *testing.T) {
	log, err := logger.NewLogger()
	require.NoError(t, err)
	m := metrics.New(prometheus.NewRegistry())
	s := NewScheduler(1, m, log)

	var transient int32
	s.Add(Task{Name: "flaky", Interval: time.Millisecond, Run: func(context.Context) error {
		atomic.AddInt32(&transient, 1)
		return errors.New("rpc timeout")
	}})
	boom := errors.New("ambiguous")
	s.Add(Task{Name: "doomed", Interval: 50 * time.Millisecond, Run: func(context.Context) error {
		time.Sleep(20 * time.Millisecond)
		return Fatal(boom)
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = s.Run(ctx)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, boom)
	assert.Greater(t, atomic.LoadInt32(&transient), int32(1))
	assert.Greater(t, testutil.ToFloat64(m.PassErrors.WithLabelValues("flaky")), 1.0)
}
