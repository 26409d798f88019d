package taskapi

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sqlshard/taskworker/internal/task"
)

type resolvedFuture struct{}

func (resolvedFuture) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (resolvedFuture) IsDone() bool { return true }

// stubDriver finishes on its first ProcessFor call, once release (if set)
// has been closed.
type stubDriver struct {
	mu       sync.Mutex
	finished bool
	release  chan struct{}
}

func (d *stubDriver) AddSplit(task.PlanNodeId, task.Split) error { return nil }
func (d *stubDriver) NoMoreSplits(task.PlanNodeId)               {}

func (d *stubDriver) ProcessFor(ctx context.Context, budget time.Duration) (task.Future, error) {
	if d.release != nil {
		select {
		case <-d.release:
		default:
			return pendingFuture{ch: d.release}, nil
		}
	}
	d.mu.Lock()
	d.finished = true
	d.mu.Unlock()
	return resolvedFuture{}, nil
}

func (d *stubDriver) IsFinished() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finished
}

type pendingFuture struct{ ch chan struct{} }

func (f pendingFuture) Done() <-chan struct{} { return f.ch }
func (f pendingFuture) IsDone() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}

// stubFactory creates one stubDriver per call, optionally tied to a source.
type stubFactory struct {
	sourceId *task.PlanNodeId
	release  chan struct{}
}

func (f *stubFactory) CreateDriver(ctx context.Context) (task.Driver, error) {
	return &stubDriver{release: f.release}, nil
}

func (f *stubFactory) SourceId() (task.PlanNodeId, bool) {
	if f.sourceId == nil {
		return "", false
	}
	return *f.sourceId, true
}

func (f *stubFactory) IsOutputDriver() bool { return false }
func (f *stubFactory) Close() error         { return nil }

// newTestTask builds a started TaskExecution with one unpartitioned source
// "s0", backed by a real QuantumExecutor. The caller must Close() the
// returned executor.
// newTestTask builds a started TaskExecution with one unpartitioned source
// "s0". If release is non-nil, the task's sole driver blocks (never
// reports finished) until release is closed, keeping the task in RUNNING
// for as long as the test needs. The caller must Close() the returned
// executor.
func newTestTask(t *testing.T, id task.TaskId, release chan struct{}) (*task.TaskExecution, *task.QuantumExecutor) {
	t.Helper()
	sourceId := task.PlanNodeId("s0")
	fragment := task.Fragment{Factories: []task.DriverFactory{&stubFactory{sourceId: &sourceId, release: release}}}
	executor := task.NewQuantumExecutor(2, 10*time.Millisecond)

	te, err := task.NewTaskExecution(context.Background(), id, fragment, executor, 1<<20, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewTaskExecution: %v", err)
	}
	if err := te.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return te, executor
}
