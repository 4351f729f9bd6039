package scheduler

import (
	"time"

	"go.uber.org/zap"

	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/schedule"
)

// LoggingJobHistory logs every job execution at info level
type LoggingJobHistory struct {
	JobListenerBase
	log *zap.SugaredLogger
}

// NewLoggingJobHistory returns a job listener writing to log (the global
// logger when nil)
func NewLoggingJobHistory(log *zap.SugaredLogger) *LoggingJobHistory {
	if log == nil {
		log = logger.ComponentLogger("pulse.history")
	}
	return &LoggingJobHistory{log: logger.AddPulseSymbol(log)}
}

func (h *LoggingJobHistory) Name() string { return "logging-job-history" }

func (h *LoggingJobHistory) JobToBeExecuted(ec *schedule.ExecutionContext) {
	h.log.Infow("Job about to be executed",
		logger.FieldJobKey, ec.JobKey().String(),
		logger.FieldTriggerKey, ec.TriggerKey().String(),
		logger.FieldFireInstanceID, ec.FireInstanceID,
		"refire_count", ec.RefireCount)
}

func (h *LoggingJobHistory) JobExecutionVetoed(ec *schedule.ExecutionContext) {
	h.log.Infow("Job execution vetoed",
		logger.FieldJobKey, ec.JobKey().String(),
		logger.FieldTriggerKey, ec.TriggerKey().String())
}

func (h *LoggingJobHistory) JobWasExecuted(ec *schedule.ExecutionContext) {
	if ec.Result.Failed() {
		h.log.Warnw("Job execution failed",
			logger.FieldJobKey, ec.JobKey().String(),
			logger.FieldTriggerKey, ec.TriggerKey().String(),
			logger.FieldDurationMS, ec.Duration.Milliseconds(),
			logger.FieldError, ec.Result.Err)
		return
	}
	h.log.Infow("Job execution complete",
		logger.FieldJobKey, ec.JobKey().String(),
		logger.FieldTriggerKey, ec.TriggerKey().String(),
		logger.FieldDurationMS, ec.Duration.Milliseconds(),
		"result", ec.Result.Kind.String())
}

// LoggingTriggerHistory logs trigger fires, misfires and completions
type LoggingTriggerHistory struct {
	TriggerListenerBase
	log *zap.SugaredLogger
}

// NewLoggingTriggerHistory returns a trigger listener writing to log (the
// global logger when nil)
func NewLoggingTriggerHistory(log *zap.SugaredLogger) *LoggingTriggerHistory {
	if log == nil {
		log = logger.ComponentLogger("pulse.history")
	}
	return &LoggingTriggerHistory{log: logger.AddPulseSymbol(log)}
}

func (h *LoggingTriggerHistory) Name() string { return "logging-trigger-history" }

func (h *LoggingTriggerHistory) TriggerFired(ec *schedule.ExecutionContext) {
	h.log.Infow("Trigger fired",
		logger.FieldTriggerKey, ec.TriggerKey().String(),
		logger.FieldJobKey, ec.JobKey().String(),
		logger.FieldScheduledFireTime, ec.ScheduledFireTime.Format(time.RFC3339),
		logger.FieldNextFireTime, formatTime(ec.NextFireTime))
}

func (h *LoggingTriggerHistory) TriggerMisfired(t *schedule.Trigger) {
	h.log.Infow("Trigger misfired",
		logger.FieldTriggerKey, t.Key.String(),
		logger.FieldJobKey, t.JobKey.String(),
		logger.FieldInstruction, t.MisfireInstruction.String())
}

func (h *LoggingTriggerHistory) TriggerComplete(ec *schedule.ExecutionContext, instr schedule.CompletionInstruction) {
	h.log.Infow("Trigger completed",
		logger.FieldTriggerKey, ec.TriggerKey().String(),
		logger.FieldJobKey, ec.JobKey().String(),
		logger.FieldInstruction, instr.String())
}
