package logging

import (
	"github.com/sqlshard/taskworker/internal/task"
)

// QueryMonitor adapts a Logger to task.QueryMonitor, for local/dev use
// where a full metrics pipeline is unnecessary. Production deployments use
// the Prometheus-recording task.MetricsSink instead; both can be installed
// on the same TaskExecution at once.
type QueryMonitor struct {
	logger *Logger
}

// NewQueryMonitor wraps l as a task.QueryMonitor. A nil l uses the package
// default logger.
func NewQueryMonitor(l *Logger) *QueryMonitor {
	if l == nil {
		l = defaultLogger
	}
	return &QueryMonitor{logger: l}
}

func (m *QueryMonitor) SplitCompleted(event task.SplitCompletionEvent) {
	if event.Success {
		m.logger.Debug("split completed",
			"taskId", string(event.TaskId),
			"sourceId", string(event.SourceId),
		)
		return
	}
	m.logger.Warn("split failed",
		"taskId", string(event.TaskId),
		"sourceId", string(event.SourceId),
		"error", event.Cause,
	)
}

func (m *QueryMonitor) StateChanged(taskId task.TaskId, from, to task.TaskState) {
	m.logger.Info("task state changed",
		"taskId", string(taskId),
		"from", from.String(),
		"to", to.String(),
	)
}

var _ task.QueryMonitor = (*QueryMonitor)(nil)
