package task

import "time"

// TaskInfo is a versioned, point-in-time snapshot of a task, safe to hand
// to a polling caller without holding any of TaskExecution's internal
// locks. Once State.IsTerminal(), State and Failures no longer change.
// Other fields can still change in later snapshots: FinishedAt and the
// buffer fields while the terminal transition's cleanup runs, and
// RemainingDriverCount as drivers stopped by that transition complete.
type TaskInfo struct {
	TaskId        TaskId
	Version       int64
	State         TaskState
	LastHeartbeat time.Time

	ClosedSources        []PlanNodeId
	RemainingDriverCount int64
	BufferedBytes        int64
	BufferFinished       bool

	// StartedAt and FinishedAt are zero until Start and a terminal
	// transition have respectively happened. Carried so a SnapshotSink can
	// persist a task's wall-clock lifetime without TaskExecution exposing
	// its internal lifecycleMu-guarded fields directly.
	StartedAt  time.Time
	FinishedAt time.Time

	// DriverCount and SplitCount are cumulative totals across the task's
	// whole lifetime, unlike RemainingDriverCount which only ever counts
	// down. Meaningful for post-mortem diagnostics once the task is
	// terminal; both only grow while the task runs.
	DriverCount int64
	SplitCount  int64

	// Failures holds the FAILED state's accumulated causes, rendered as
	// strings so TaskInfo stays a plain value type safe to serialize.
	Failures []string
}
