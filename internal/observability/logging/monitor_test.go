package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/sqlshard/taskworker/internal/task"
)

func newCapturingMonitor() (*QueryMonitor, *bytes.Buffer) {
	var buf bytes.Buffer
	l := NewLogger(slog.NewJSONHandler(&buf, nil))
	return NewQueryMonitor(l), &buf
}

func TestQueryMonitor_SplitCompletedLogsSuccessAtDebug(t *testing.T) {
	m, buf := newCapturingMonitor()
	m.logger = m.logger.WithLevel(LevelDebug)

	m.SplitCompleted(task.SplitCompletionEvent{TaskId: "t1", SourceId: "s0", Success: true})

	if !strings.Contains(buf.String(), "split completed") {
		t.Fatalf("expected a success log line, got %q", buf.String())
	}
}

func TestQueryMonitor_SplitCompletedLogsFailureAtWarn(t *testing.T) {
	m, buf := newCapturingMonitor()

	m.SplitCompleted(task.SplitCompletionEvent{TaskId: "t1", Success: false, Cause: errBoomForTest{}})

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected valid JSON log line, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "split failed" {
		t.Fatalf("expected a split failed record, got %v", rec)
	}
}

func TestQueryMonitor_StateChangedLogsTransition(t *testing.T) {
	m, buf := newCapturingMonitor()

	m.StateChanged("t1", task.TaskRunning, task.TaskFinished)

	out := buf.String()
	if !strings.Contains(out, "RUNNING") || !strings.Contains(out, "FINISHED") {
		t.Fatalf("expected both state names in the log line, got %q", out)
	}
}

type errBoomForTest struct{}

func (errBoomForTest) Error() string { return "boom" }
