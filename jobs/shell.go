package jobs

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/schedule"
)

// DefaultOutputLimit is the command output kept when Options.OutputLimit is unset
const DefaultOutputLimit = 4096

// ShellHandler runs the job's "command". The command line is split with
// shell quoting rules but not run through a shell: no pipes, globs or
// variable expansion.
//
// A non-zero exit fails the job; "retry_on_failure" asks for an immediate
// re-execution. The exit code is written to the job data as
// "last_exit_code", which persists when the job has
// PersistDataAfterExecution set.
type ShellHandler struct {
	dir   string
	limit int
	log   *zap.SugaredLogger
}

// NewShellHandler creates a shell handler running commands in dir (the
// process working directory when empty)
func NewShellHandler(dir string, outputLimit int, log *zap.SugaredLogger) *ShellHandler {
	if outputLimit <= 0 {
		outputLimit = DefaultOutputLimit
	}
	if log == nil {
		log = logger.ComponentLogger("jobs")
	}
	return &ShellHandler{dir: dir, limit: outputLimit, log: log.Named("shell")}
}

func (h *ShellHandler) Name() string { return "shell" }

func (h *ShellHandler) Execute(ctx context.Context, ec *schedule.ExecutionContext) schedule.Result {
	data := ec.MergedData()
	retry := retryOnFailure(data)

	line, _ := data.GetString("command")
	args, err := shellquote.Split(line)
	if err != nil {
		return schedule.Failure(errors.Wrapf(errors.ErrInvalidRequest, "parse command %q: %v", line, err), false)
	}
	if len(args) == 0 {
		return schedule.Failure(errors.NewInvalidRequestError("shell job %s has no command", ec.JobKey()), false)
	}

	runCtx, cancel := withTimeout(ctx, data)
	defer cancel()

	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Dir = h.dir
	if dir, ok := data.GetString("dir"); ok && dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(),
		"TEMPO_JOB_KEY="+ec.JobKey().String(),
		"TEMPO_TRIGGER_KEY="+ec.TriggerKey().String(),
		"TEMPO_FIRE_INSTANCE_ID="+ec.FireInstanceID,
		"TEMPO_SCHEDULED_FIRE_TIME="+ec.ScheduledFireTime.Format(time.RFC3339),
	)
	out := &tailBuffer{limit: h.limit}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	runErr := cmd.Run()
	log := h.log.With(
		logger.FieldJobKey, ec.JobKey().String(),
		logger.FieldFireInstanceID, ec.FireInstanceID,
		logger.FieldDurationMS, time.Since(start).Milliseconds())

	exitCode := -1 // never started
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	ec.Job.Data.Put("last_exit_code", exitCode)

	switch {
	case runErr == nil:
		log.Debugw("Command finished", "command", args[0])
		return schedule.Success()
	case ctx.Err() != nil:
		// interrupted or shut down; the run shell does not re-execute these
		return schedule.Failure(errors.Wrapf(ctx.Err(), "command %s interrupted", args[0]), false)
	case runCtx.Err() != nil:
		return schedule.Failure(errors.WithDetail(
			errors.Wrapf(runCtx.Err(), "command %s timed out", args[0]), out.String()), retry)
	}

	log.Warnw("Command failed", "command", args[0], "exit_code", exitCode, "output", out.String())
	return schedule.Failure(errors.WithDetail(errors.Wrapf(runErr, "command %s", args[0]), out.String()), retry)
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	limit int
	buf   bytes.Buffer
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= b.limit {
		b.buf.Reset()
		b.buf.Write(p[len(p)-b.limit:])
		return n, nil
	}
	if over := b.buf.Len() + len(p) - b.limit; over > 0 {
		b.buf.Next(over)
	}
	b.buf.Write(p)
	return n, nil
}

func (b *tailBuffer) String() string { return b.buf.String() }
