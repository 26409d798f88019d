// Package task implements the worker-node task execution core: a single
// query task's lifecycle, its drivers, and the shared output buffer that
// feeds remote consumers.
package task

import (
	"context"
	"time"
)

// TaskId opaquely identifies a task. It is only ever compared and logged.
type TaskId string

// PlanNodeId identifies a source (scan operator) within a fragment.
type PlanNodeId string

// OutputId identifies a registered result-queue consumer of a task's
// SharedOutputBuffer.
type OutputId string

// TaskState is one of the absorbing states a task passes through.
type TaskState int

const (
	TaskPlanned TaskState = iota
	TaskRunning
	TaskFinished
	TaskCanceled
	TaskFailed
	TaskAborted
)

func (s TaskState) String() string {
	switch s {
	case TaskPlanned:
		return "PLANNED"
	case TaskRunning:
		return "RUNNING"
	case TaskFinished:
		return "FINISHED"
	case TaskCanceled:
		return "CANCELED"
	case TaskFailed:
		return "FAILED"
	case TaskAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether the state is one of the four absorbing states.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskFinished, TaskCanceled, TaskFailed, TaskAborted:
		return true
	default:
		return false
	}
}

// Split is an opaque descriptor of one unit of input work for a source.
// The execution core never inspects its contents.
type Split struct {
	Payload any
}

// ScheduledSplit pairs a Split with a monotone per-source sequence id used
// for idempotent delivery and acknowledgement.
type ScheduledSplit struct {
	SequenceId int64
	Split      Split
}

// SourceUpdate is one batch delivered via addSources: zero or more new
// splits for a source, plus an optional close marker. Batches may repeat
// previously-seen sequence ids.
type SourceUpdate struct {
	SourceId     PlanNodeId
	Splits       []ScheduledSplit
	NoMoreSplits bool
}

// OutputBuffers is one batch delivered via addResultQueue: zero or more new
// consumer ids, plus a sticky close marker.
type OutputBuffers struct {
	OutputIds     []OutputId
	NoMoreBuffers bool
}

// Page is one unit of driver output, opaque to the execution core.
type Page struct {
	Payload any
	Bytes   int64
}

// Future is the minimal handle a Driver hands back from processFor: it
// resolves when the driver is able to make more progress (more input,
// buffer space, or completion).
type Future interface {
	// Done returns a channel that is closed when the future resolves.
	Done() <-chan struct{}
	// IsDone reports whether the future has already resolved.
	IsDone() bool
}

// Driver is one execution pipeline instance, the unit the core schedules.
// The core treats it as a black box beyond this contract.
type Driver interface {
	AddSplit(sourceId PlanNodeId, split Split) error
	NoMoreSplits(sourceId PlanNodeId)
	// ProcessFor runs the driver cooperatively until it is finished,
	// blocked, or the budget is exhausted, returning a Future that
	// resolves when further progress is possible.
	ProcessFor(ctx context.Context, budget time.Duration) (Future, error)
	IsFinished() bool
}

// DriverFactory builds Drivers for one pipeline in the fragment.
type DriverFactory interface {
	// CreateDriver constructs one Driver instance.
	CreateDriver(ctx context.Context) (Driver, error)
	// SourceId reports the source this factory's pipeline reads from, if
	// any — zero value means the factory has no source (e.g. it only
	// consumes another pipeline's output).
	SourceId() (PlanNodeId, bool)
	// IsOutputDriver reports whether this factory's drivers write to the
	// task's SharedOutputBuffer.
	IsOutputDriver() bool
	// Close releases compile-time resources once no more drivers will be
	// created from this factory. Idempotent.
	Close() error
}

// Fragment is the compiled local plan: the ordered set of DriverFactory
// objects plus, at most, one designated partitioned source.
type Fragment struct {
	Factories         []DriverFactory
	PartitionedSource *PlanNodeId
}

// SplitCompletionEvent is emitted to the QueryMonitor when a driver
// completes, successfully or not.
type SplitCompletionEvent struct {
	TaskId    TaskId
	SourceId  PlanNodeId
	Success   bool
	Cause     error
	Elapsed   time.Duration
	Timestamp time.Time
}

// QueryMonitor receives diagnostic events from the execution core. It is an
// external collaborator — implementations must not block the caller for
// long, since notifications are delivered from the core's notification
// path.
type QueryMonitor interface {
	SplitCompleted(event SplitCompletionEvent)
	StateChanged(taskId TaskId, from, to TaskState)
}

// NopMonitor is a QueryMonitor that discards every event.
type NopMonitor struct{}

func (NopMonitor) SplitCompleted(SplitCompletionEvent)       {}
func (NopMonitor) StateChanged(TaskId, TaskState, TaskState) {}

var _ QueryMonitor = NopMonitor{}
