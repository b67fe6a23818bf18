package consumer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/budiholan-github/enhance-kafka-client/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryScheduler_RunsTaskAfterDelay(t *testing.T) {
	s := newRetryScheduler(logger.NewNoopLogger())
	defer s.Stop()

	var ran atomic.Int32
	s.Schedule(10*time.Millisecond, func() {
		ran.Add(1)
	})

	assert.Equal(t, int32(0), ran.Load())
	require.Eventually(t, func() bool {
		return ran.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRetryScheduler_StopCancelsPending(t *testing.T) {
	s := newRetryScheduler(logger.NewNoopLogger())

	var ran atomic.Int32
	s.Schedule(time.Hour, func() {
		ran.Add(1)
	})

	s.Stop()
	assert.Equal(t, int32(0), ran.Load())
}

func TestRetryScheduler_ScheduleAfterStopStillRuns(t *testing.T) {
	s := newRetryScheduler(logger.NewNoopLogger())
	s.Stop()

	var ran atomic.Int32
	s.Schedule(10*time.Millisecond, func() {
		ran.Add(1)
	})

	require.Eventually(t, func() bool {
		return ran.Load() == 1
	}, time.Second, 5*time.Millisecond, "a scheduled task is never dropped")
}

func TestRetryScheduler_StopWaitsForFiringTask(t *testing.T) {
	s := newRetryScheduler(logger.NewNoopLogger())

	started := make(chan struct{})
	var done atomic.Bool
	s.Schedule(time.Millisecond, func() {
		close(started)
		time.Sleep(50 * time.Millisecond)
		done.Store(true)
	})

	<-started
	s.Stop()
	assert.True(t, done.Load(), "Stop returns only after in-flight tasks finish")
}
