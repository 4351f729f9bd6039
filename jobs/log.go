package jobs

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/schedule"
)

// LogHandler writes the job's "message" to the log at "level" (info when unset)
type LogHandler struct {
	log *zap.SugaredLogger
}

// NewLogHandler creates a log handler; a nil logger uses the "jobs.log" component logger
func NewLogHandler(log *zap.SugaredLogger) *LogHandler {
	if log == nil {
		log = logger.ComponentLogger("jobs")
	}
	return &LogHandler{log: log.Named("log")}
}

func (h *LogHandler) Name() string { return "log" }

func (h *LogHandler) Execute(_ context.Context, ec *schedule.ExecutionContext) schedule.Result {
	data := ec.MergedData()
	msg, ok := data.GetString("message")
	if !ok || msg == "" {
		msg = "Job fired"
	}
	kv := []interface{}{
		logger.FieldJobKey, ec.JobKey().String(),
		logger.FieldTriggerKey, ec.TriggerKey().String(),
		logger.FieldScheduledFireTime, ec.ScheduledFireTime,
	}

	level, _ := data.GetString("level")
	switch strings.ToLower(level) {
	case "debug":
		h.log.Debugw(msg, kv...)
	case "warn", "warning":
		h.log.Warnw(msg, kv...)
	case "error":
		h.log.Errorw(msg, kv...)
	default:
		h.log.Infow(msg, kv...)
	}
	return schedule.Success()
}
