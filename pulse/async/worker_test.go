package async

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ============================================================================
// TAS Bot (Tool-Assisted Speedrun) & Kirby Test Universe
// ============================================================================
//
// Characters:
//   - TAS Bot: Frame-perfect coordinator who hands out work with precision timing
//   - Kirby: The worker who copies and executes jobs ('Poyo!')
//
// Theme: TAS Bot never queues inputs it cannot execute this frame; it waits
// for Kirby to be free instead.
// ============================================================================

func newTestPool(t *testing.T, size int) *WorkerPool {
	t.Helper()
	wp := NewWorkerPool(size, zap.NewNop().Sugar())
	t.Cleanup(func() { wp.Shutdown(true) })
	return wp
}

func TestTASBotSizesThePool(t *testing.T) {
	assert.Equal(t, 3, newTestPool(t, 3).Size())
	assert.Equal(t, 1, newTestPool(t, 0).Size(), "a pool always has a worker")
}

func TestKirbyRefusesWorkWhenFull(t *testing.T) {
	wp := newTestPool(t, 2)
	release := make(chan struct{})
	started := make(chan struct{}, 2)

	for i := 0; i < 2; i++ {
		require.True(t, wp.Dispatch(func() {
			started <- struct{}{}
			<-release
		}))
	}
	<-started
	<-started
	assert.Equal(t, 2, wp.Busy())
	assert.False(t, wp.Dispatch(func() {}), "no queueing beyond the worker count")

	close(release)
	assert.Eventually(t, func() bool { return wp.Busy() == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, wp.Dispatch(func() {}))
}

func TestTASBotBlocksForAvailableWorkers(t *testing.T) {
	wp := newTestPool(t, 1)
	assert.Equal(t, 1, wp.BlockForAvailableWorkers(context.Background()))

	release := make(chan struct{})
	require.True(t, wp.Dispatch(func() { <-release }))

	got := make(chan int, 1)
	go func() { got <- wp.BlockForAvailableWorkers(context.Background()) }()

	select {
	case n := <-got:
		t.Fatalf("returned %d while every worker was busy", n)
	case <-time.After(30 * time.Millisecond):
	}
	close(release)

	select {
	case n := <-got:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("never woke after the worker freed up")
	}
}

func TestBlockForAvailableWorkers_Cancelled(t *testing.T) {
	wp := newTestPool(t, 1)
	release := make(chan struct{})
	defer close(release)
	require.True(t, wp.Dispatch(func() { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Zero(t, wp.BlockForAvailableWorkers(ctx))
}

func TestShutdownWakesWaitersAndDrains(t *testing.T) {
	wp := NewWorkerPool(1, zap.NewNop().Sugar())
	var finished atomic.Bool
	require.True(t, wp.Dispatch(func() {
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
	}))

	woke := make(chan int, 1)
	go func() { woke <- wp.BlockForAvailableWorkers(context.Background()) }()

	wp.Shutdown(true)
	assert.True(t, finished.Load(), "Shutdown(true) waits for running tasks")
	assert.Zero(t, <-woke)
	assert.False(t, wp.Dispatch(func() {}))
	assert.Zero(t, wp.BlockForAvailableWorkers(context.Background()))
}

func TestKirbySurvivesPanickingTask(t *testing.T) {
	wp := newTestPool(t, 1)
	require.True(t, wp.Dispatch(func() { panic("poyo") }))
	assert.Eventually(t, func() bool { return wp.Busy() == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, wp.Dispatch(func() {}))
}

func TestSystemMetrics(t *testing.T) {
	wp := newTestPool(t, 4)
	release := make(chan struct{})
	defer close(release)
	require.True(t, wp.Dispatch(func() { <-release }))

	m := wp.SystemMetrics()
	assert.Equal(t, 1, m.WorkersActive)
	assert.Equal(t, 4, m.WorkersTotal)
	assert.EqualValues(t, 1, m.TasksStarted)
	assert.GreaterOrEqual(t, m.MemoryPercent, 0.0)
	assert.LessOrEqual(t, m.MemoryPercent, 100.0)
}
