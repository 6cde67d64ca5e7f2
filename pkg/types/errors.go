package types

import (
	"errors"
	"fmt"
)

// InvalidExperimentError signals a structural problem in an experiment
// document. It is raised by validation, never during execution.
type InvalidExperimentError struct {
	Msg string
}

func (e *InvalidExperimentError) Error() string { return e.Msg }

// InvalidExperimentf builds an InvalidExperimentError.
func InvalidExperimentf(format string, args ...any) error {
	return &InvalidExperimentError{Msg: fmt.Sprintf(format, args...)}
}

// InvalidActivityError signals a structural problem in a single activity.
type InvalidActivityError struct {
	Msg string
}

func (e *InvalidActivityError) Error() string { return e.Msg }

// InvalidActivityf builds an InvalidActivityError.
func InvalidActivityf(format string, args ...any) error {
	return &InvalidActivityError{Msg: fmt.Sprintf(format, args...)}
}

// ActivityFailedError signals that an activity's provider failed or timed
// out. The activity executor records it in the journal instead of failing
// the experiment.
type ActivityFailedError struct {
	Msg string
	Err error
}

func (e *ActivityFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *ActivityFailedError) Unwrap() error { return e.Err }

// ActivityFailedf builds an ActivityFailedError.
func ActivityFailedf(format string, args ...any) error {
	return &ActivityFailedError{Msg: fmt.Sprintf(format, args...)}
}

// WrapActivityFailed builds an ActivityFailedError around a cause.
func WrapActivityFailed(msg string, err error) error {
	return &ActivityFailedError{Msg: msg, Err: err}
}

// InterruptExecutionError is raised by a control hook to halt the
// experiment. It propagates through phases and sets the journal status to
// "interrupted".
type InterruptExecutionError struct {
	Msg string
}

func (e *InterruptExecutionError) Error() string {
	if e.Msg == "" {
		return "experiment execution was interrupted"
	}
	return e.Msg
}

// InterruptExecutionf builds an InterruptExecutionError.
func InterruptExecutionf(format string, args ...any) error {
	return &InterruptExecutionError{Msg: fmt.Sprintf(format, args...)}
}

// IsInvalidExperiment reports whether err is an InvalidExperimentError.
func IsInvalidExperiment(err error) bool {
	var target *InvalidExperimentError
	return errors.As(err, &target)
}

// IsInvalidActivity reports whether err is an InvalidActivityError.
func IsInvalidActivity(err error) bool {
	var target *InvalidActivityError
	return errors.As(err, &target)
}

// IsActivityFailed reports whether err is an ActivityFailedError.
func IsActivityFailed(err error) bool {
	var target *ActivityFailedError
	return errors.As(err, &target)
}

// IsInterruptExecution reports whether err is an InterruptExecutionError.
func IsInterruptExecution(err error) bool {
	var target *InterruptExecutionError
	return errors.As(err, &target)
}
