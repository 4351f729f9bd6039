package async

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/tempo/logger"
)

// Task is a unit of work handed to the pool
type Task func()

// WorkerPool runs tasks on a bounded number of goroutines. It never queues:
// Dispatch refuses work when every worker is busy, and the firing loop
// waits in BlockForAvailableWorkers instead. This is the backpressure point
// that keeps an overloaded scheduler from piling up fired jobs.
type WorkerPool struct {
	size int
	log  *zap.SugaredLogger

	mu       sync.Mutex
	busy     int
	shutdown bool
	freed    chan struct{} // closed and replaced whenever a worker frees up
	wg       sync.WaitGroup

	startTime  time.Time
	dispatched int64
}

// NewWorkerPool creates a pool of size workers (at least one)
func NewWorkerPool(size int, log *zap.SugaredLogger) *WorkerPool {
	if size < 1 {
		size = 1
	}
	if log == nil {
		log = logger.ComponentLogger("pulse.workers")
	}
	wp := &WorkerPool{
		size:      size,
		log:       logger.AddPulseSymbol(log),
		freed:     make(chan struct{}),
		startTime: time.Now(),
	}
	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.log.Warnw("Memory pressure warning", "warning", warning, logger.FieldWorkers, size)
	}
	return wp
}

// Size returns the number of workers
func (wp *WorkerPool) Size() int { return wp.size }

// Busy returns the number of workers currently running a task
func (wp *WorkerPool) Busy() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.busy
}

// BlockForAvailableWorkers waits until at least one worker is free and
// returns how many are. It returns 0 once the pool is shut down or ctx ends.
func (wp *WorkerPool) BlockForAvailableWorkers(ctx context.Context) int {
	for {
		wp.mu.Lock()
		if wp.shutdown {
			wp.mu.Unlock()
			return 0
		}
		if free := wp.size - wp.busy; free > 0 {
			wp.mu.Unlock()
			return free
		}
		freed := wp.freed
		wp.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0
		case <-freed:
		}
	}
}

// IsShutdown reports whether Shutdown has been called
func (wp *WorkerPool) IsShutdown() bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.shutdown
}

// Dispatch runs task on a free worker. It returns false without running
// anything when all workers are busy or the pool is shut down.
func (wp *WorkerPool) Dispatch(task Task) bool {
	wp.mu.Lock()
	if wp.shutdown || wp.busy >= wp.size {
		wp.mu.Unlock()
		return false
	}
	wp.busy++
	wp.dispatched++
	wp.wg.Add(1)
	wp.mu.Unlock()

	go wp.run(task)
	return true
}

func (wp *WorkerPool) run(task Task) {
	defer wp.wg.Done()
	defer wp.release()
	defer func() {
		// tasks recover their own panics; this only keeps a worker slot from leaking
		if r := recover(); r != nil {
			wp.log.Errorw("Task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}

func (wp *WorkerPool) release() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.busy--
	close(wp.freed)
	wp.freed = make(chan struct{})
}

// Shutdown stops accepting tasks and wakes anyone blocked waiting for a
// worker. With wait it returns only after running tasks have finished.
func (wp *WorkerPool) Shutdown(wait bool) {
	wp.mu.Lock()
	if !wp.shutdown {
		wp.shutdown = true
		close(wp.freed)
		wp.freed = make(chan struct{})
	}
	busy := wp.busy
	wp.mu.Unlock()

	if !wait {
		return
	}
	if busy > 0 {
		logger.AddPulseCloseSymbol(wp.log).Infow("Waiting for running jobs", logger.FieldCount, busy)
	}
	wp.wg.Wait()
}
