package history

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/tempo/internal/util"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/async"
	"github.com/teranos/tempo/pulse/schedule"
	"github.com/teranos/tempo/pulse/scheduler"
)

// writeTimeout bounds each history write; history never holds up a job for long
const writeTimeout = 5 * time.Second

// Listener records executions through a Store. Write failures are logged
// and otherwise ignored.
type Listener struct {
	scheduler.JobListenerBase

	store *Store
	log   *zap.SugaredLogger
}

// NewListener creates a history listener writing to store
func NewListener(store *Store, log *zap.SugaredLogger) *Listener {
	if log == nil {
		log = logger.ComponentLogger("pulse.history")
	}
	return &Listener{store: store, log: logger.AddDBSymbol(log)}
}

// Name implements scheduler.JobListener
func (l *Listener) Name() string { return "execution-history" }

func newExecution(ec *schedule.ExecutionContext, status string) *Execution {
	return &Execution{
		ID:                ec.FireInstanceID,
		SchedulerName:     ec.SchedulerName,
		InstanceID:        ec.InstanceID,
		JobKey:            ec.JobKey(),
		TriggerKey:        ec.TriggerKey(),
		Status:            status,
		ScheduledFireTime: ec.ScheduledFireTime,
		StartedAt:         time.Now(),
		RefireCount:       ec.RefireCount,
		Recovering:        ec.Recovering,
	}
}

// JobToBeExecuted records the execution as running. A re-execution keeps
// the original start time.
func (l *Listener) JobToBeExecuted(ec *schedule.ExecutionContext) {
	if ec.RefireCount > 0 {
		return
	}
	l.write(ec, "create", func(ctx context.Context) error {
		return l.store.CreateExecution(ctx, newExecution(ec, StatusRunning))
	})
}

// JobExecutionVetoed records a vetoed execution
func (l *Listener) JobExecutionVetoed(ec *schedule.ExecutionContext) {
	exec := newExecution(ec, StatusVetoed)
	exec.CompletedAt = &exec.StartedAt
	l.write(ec, "create", func(ctx context.Context) error {
		return l.store.CreateExecution(ctx, exec)
	})
}

// JobWasExecuted records the outcome
func (l *Listener) JobWasExecuted(ec *schedule.ExecutionContext) {
	exec := &Execution{
		ID:          ec.FireInstanceID,
		Status:      StatusCompleted,
		CompletedAt: util.Ptr(time.Now()),
		DurationMs:  util.Ptr(ec.Duration.Milliseconds()),
		RefireCount: ec.RefireCount,
	}
	if ec.Result.Failed() {
		exec.Status = StatusFailed
		exec.ErrorCode = util.Ptr(string(async.ClassifyError(ec.Result.Err)))
		if ec.Result.Err != nil {
			exec.ErrorMessage = util.Ptr(ec.Result.Err.Error())
		}
	}
	l.write(ec, "update", func(ctx context.Context) error {
		return l.store.UpdateExecution(ctx, exec)
	})
}

func (l *Listener) write(ec *schedule.ExecutionContext, op string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		l.log.Warnw("Failed to record execution history",
			"op", op,
			logger.FieldJobKey, ec.JobKey().String(),
			logger.FieldFireInstanceID, ec.FireInstanceID,
			logger.FieldError, err)
	}
}
