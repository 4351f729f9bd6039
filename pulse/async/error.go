package async

import (
	"context"
	"fmt"
	"strings"

	"github.com/teranos/tempo/errors"
)

// ErrorCode represents the classification of a job execution error
type ErrorCode string

const (
	ErrorCodeNone           ErrorCode = ""
	ErrorCodeHandlerMissing ErrorCode = "handler_missing"
	ErrorCodePanic          ErrorCode = "panic"
	ErrorCodeInterrupted    ErrorCode = "interrupted"
	ErrorCodeTimeout        ErrorCode = "timeout"
	ErrorCodeExitStatus     ErrorCode = "exit_status"
	ErrorCodeNetworkError   ErrorCode = "network_error"
	ErrorCodeDatabaseError  ErrorCode = "database_error"
	ErrorCodeUnknown        ErrorCode = "unknown"
)

// PanicError carries a value recovered from a panicking handler
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("job panicked: %v", e.Value) }

// ClassifyError puts a job execution error into a coarse bucket for logs
// and metric labels
func ClassifyError(err error) ErrorCode {
	if err == nil {
		return ErrorCodeNone
	}

	var panicErr *PanicError
	switch {
	case errors.Is(err, ErrHandlerNotFound):
		return ErrorCodeHandlerMissing
	case errors.As(err, &panicErr):
		return ErrorCodePanic
	case errors.Is(err, context.Canceled):
		return ErrorCodeInterrupted
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorCodeTimeout
	}

	// Classify based on error message patterns
	errLower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errLower, "exit status"):
		return ErrorCodeExitStatus
	case strings.Contains(errLower, "deadline exceeded") || strings.Contains(errLower, "timed out"):
		return ErrorCodeTimeout
	case strings.Contains(errLower, "network") || strings.Contains(errLower, "connection"):
		return ErrorCodeNetworkError
	case strings.Contains(errLower, "database") || strings.Contains(errLower, "sql"):
		return ErrorCodeDatabaseError
	}
	return ErrorCodeUnknown
}
