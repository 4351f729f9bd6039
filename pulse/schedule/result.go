package schedule

import "fmt"

// ResultKind classifies what a job handler asks of the scheduler
type ResultKind int

const (
	ResultSuccess ResultKind = iota
	ResultFailure
	ResultUnscheduleSelf
	ResultUnscheduleAllOfJob
)

func (k ResultKind) String() string {
	switch k {
	case ResultSuccess:
		return "success"
	case ResultFailure:
		return "failure"
	case ResultUnscheduleSelf:
		return "unschedule_self"
	case ResultUnscheduleAllOfJob:
		return "unschedule_all_of_job"
	}
	return fmt.Sprintf("ResultKind(%d)", int(k))
}

// Result is returned by a job handler. Err may accompany any kind and is
// reported to listeners.
type Result struct {
	Kind  ResultKind
	Err   error
	Retry bool // with ResultFailure: run the job again immediately
}

// Success reports a normal completion
func Success() Result { return Result{Kind: ResultSuccess} }

// Failure reports an error; retry re-executes the job right away
func Failure(err error, retry bool) Result {
	return Result{Kind: ResultFailure, Err: err, Retry: retry}
}

// UnscheduleSelf completes the firing trigger
func UnscheduleSelf() Result { return Result{Kind: ResultUnscheduleSelf} }

// UnscheduleAllOfJob completes every trigger of the job
func UnscheduleAllOfJob() Result { return Result{Kind: ResultUnscheduleAllOfJob} }

// Failed reports whether the handler returned an error
func (r Result) Failed() bool { return r.Kind == ResultFailure || r.Err != nil }

// CompletionInstruction tells the store how to settle a trigger after its job ran
type CompletionInstruction int

const (
	// InstructionNoop returns the trigger to its normal schedule
	InstructionNoop CompletionInstruction = iota
	// InstructionReExecuteJob runs the job again without touching the store
	InstructionReExecuteJob
	// InstructionSetTriggerComplete retires the firing trigger
	InstructionSetTriggerComplete
	// InstructionDeleteTrigger removes a trigger that cannot fire again
	InstructionDeleteTrigger
	// InstructionSetAllJobTriggersComplete retires every trigger of the job
	InstructionSetAllJobTriggersComplete
	// InstructionSetTriggerError parks the firing trigger in ERROR
	InstructionSetTriggerError
	// InstructionSetAllJobTriggersError parks every trigger of the job in ERROR
	InstructionSetAllJobTriggersError
)

func (c CompletionInstruction) String() string {
	switch c {
	case InstructionNoop:
		return "NOOP"
	case InstructionReExecuteJob:
		return "RE_EXECUTE_JOB"
	case InstructionSetTriggerComplete:
		return "SET_TRIGGER_COMPLETE"
	case InstructionDeleteTrigger:
		return "DELETE_TRIGGER"
	case InstructionSetAllJobTriggersComplete:
		return "SET_ALL_JOB_TRIGGERS_COMPLETE"
	case InstructionSetTriggerError:
		return "SET_TRIGGER_ERROR"
	case InstructionSetAllJobTriggersError:
		return "SET_ALL_JOB_TRIGGERS_ERROR"
	}
	return fmt.Sprintf("CompletionInstruction(%d)", int(c))
}
