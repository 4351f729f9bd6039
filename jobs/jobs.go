// Package jobs holds the handlers tempo ships with. Jobs select one by
// HandlerName and configure it through their data map:
//
//	noop   does nothing
//	log    message, level
//	shell  command, dir, timeout_seconds, retry_on_failure
//	http   url, method, body, content_type, timeout_seconds, retry_on_failure
//
// Trigger data overrides job data for the same key.
package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/tempo/internal/httpclient"
	"github.com/teranos/tempo/pulse/async"
	"github.com/teranos/tempo/pulse/schedule"
)

// Data keys shared by several handlers
const (
	KeyRetryOnFailure = "retry_on_failure"
	KeyTimeoutSeconds = "timeout_seconds"
)

// Options configures the built-in handlers
type Options struct {
	// ShellDir is the working directory for shell jobs that do not set "dir"
	ShellDir string
	// OutputLimit caps the command output kept for errors and logs
	OutputLimit int
	// HTTP configures the client behind http jobs
	HTTP httpclient.Options
}

// Builtin returns every built-in handler, ready for async.NewHandlerRegistry
func Builtin(log *zap.SugaredLogger, opts Options) []async.JobHandler {
	return []async.JobHandler{
		Noop{},
		NewLogHandler(log),
		NewShellHandler(opts.ShellDir, opts.OutputLimit, log),
		NewHTTPHandler(httpclient.New(opts.HTTP), log),
	}
}

// Noop succeeds without doing anything. Useful for exercising triggers.
type Noop struct{}

func (Noop) Name() string { return "noop" }

func (Noop) Execute(context.Context, *schedule.ExecutionContext) schedule.Result {
	return schedule.Success()
}

// retryOnFailure reads the retry flag from the merged data
func retryOnFailure(data schedule.JobDataMap) bool {
	retry, _ := data.GetBool(KeyRetryOnFailure)
	return retry
}

// withTimeout applies timeout_seconds to ctx when set
func withTimeout(ctx context.Context, data schedule.JobDataMap) (context.Context, context.CancelFunc) {
	if secs, ok := data.GetInt(KeyTimeoutSeconds); ok && secs > 0 {
		return context.WithTimeout(ctx, time.Duration(secs)*time.Second)
	}
	return context.WithCancel(ctx)
}
