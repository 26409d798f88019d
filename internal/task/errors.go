package task

import "github.com/pkg/errors"

// ErrorClass identifies which of the five error categories in the
// execution core's error-handling design a failure belongs to. Only
// DriverFailure ever transitions task state; the rest are local to the
// call that raised them.
type ErrorClass int

const (
	// ErrClassDriverFailure is a driver-internal failure: it fails the task.
	ErrClassDriverFailure ErrorClass = iota
	// ErrClassProtocolMisuse is a precondition violation by the caller
	// (unknown sourceId, non-positive maxSize, nil required argument).
	ErrClassProtocolMisuse
	// ErrClassLateSource is addSources called on an already-terminal task.
	// Never returned as an error — callers should treat it as a silent drop.
	ErrClassLateSource
	// ErrClassLateOutputQueue is addResultQueue called after noMoreQueues.
	ErrClassLateOutputQueue
	// ErrClassCancellation is not a failure; cancel() is a normal terminal
	// transition. No error value carries this class — it exists only so
	// HTTP/logging layers can classify a CANCELED TaskInfo as non-error.
	ErrClassCancellation
)

// TaskError wraps an underlying cause with the class the core's error
// taxonomy assigns it, so callers (HTTP handlers, loggers) can branch on
// class without parsing messages.
type TaskError struct {
	Class ErrorClass
	cause error
}

func (e *TaskError) Error() string {
	return e.cause.Error()
}

func (e *TaskError) Unwrap() error {
	return e.cause
}

// NewTaskError wraps cause with the given class and a formatted message.
func NewTaskError(class ErrorClass, cause error, msg string, args ...any) *TaskError {
	return &TaskError{
		Class: class,
		cause: errors.Wrapf(cause, msg, args...),
	}
}

// ClassOf returns the ErrorClass of err if it (or something it wraps) is a
// *TaskError, and ok=false otherwise.
func ClassOf(err error) (ErrorClass, bool) {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Class, true
	}
	return 0, false
}

var (
	// ErrUnknownSource is returned when a SourceUpdate or addSplit names a
	// PlanNodeId the fragment's factories do not consume.
	ErrUnknownSource = errors.New("task: unknown source id for fragment")
	// ErrNonPositiveMaxSize is returned by getResults when maxSize <= 0.
	ErrNonPositiveMaxSize = errors.New("task: maxSize must be positive")
	// ErrOutputsClosed is returned by addResultQueue after noMoreQueues.
	ErrOutputsClosed = errors.New("task: output queue registration already closed")
	// ErrTaskNotFound is returned by a registry when a taskId is unknown.
	// Maps to HTTP 404 at the control surface, never to a state transition.
	ErrTaskNotFound = errors.New("task: unknown task id")
)
