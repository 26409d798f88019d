package task

import (
	"context"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// TaskHandle is the fairness group a TaskExecutor registers per task. It is
// an opaque token to everyone but the TaskExecutor that issued it.
type TaskHandle struct {
	id TaskId

	mu      sync.Mutex
	ready   []*scheduledRunner
	removed bool
}

type scheduledRunner struct {
	runner *DriverSplitRunner
	future *completionFuture
}

// completionFuture is the Future returned by TaskExecutor.AddSplit: it
// resolves once the runner reports finished or fails, carrying the cause
// in the failure case.
type completionFuture struct {
	ch   chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

func newCompletionFuture() *completionFuture {
	return &completionFuture{ch: make(chan struct{})}
}

func (f *completionFuture) Done() <-chan struct{} { return f.ch }

func (f *completionFuture) IsDone() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}

// Err returns the failure cause, if the runner completed by failing.
// Only meaningful once Done() has fired.
func (f *completionFuture) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *completionFuture) resolve(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.ch)
	})
}

// TaskExecutor is the time-sliced worker pool the execution core schedules
// drivers on. It is treated as an external collaborator by TaskExecution;
// QuantumExecutor below is this worker's concrete implementation.
type TaskExecutor interface {
	AddTask(taskId TaskId) *TaskHandle
	AddSplit(handle *TaskHandle, runner *DriverSplitRunner) (Future, error)
	RemoveTask(handle *TaskHandle)
}

// QuantumExecutor is a goroutine-pool TaskExecutor. A dispatcher goroutine
// round-robins across live TaskHandles and, within a handle, dispatches
// runners FIFO; each dispatch runs one processFor quantum, bounded in
// concurrency by an errgroup limit. A runner whose returned future is not
// yet resolved is parked on that future rather than re-polled, and is
// re-enqueued only once the future resolves.
type QuantumExecutor struct {
	quantum time.Duration
	group   *errgroup.Group
	limiter *rate.Limiter

	mu      sync.Mutex
	handles []*TaskHandle
	rrPos   int
	closed  bool
	stopCh  chan struct{}

	parkWg sync.WaitGroup
}

// NewQuantumExecutor creates a pool with maxWorkerThreads concurrent
// quantum dispatches (runtime.NumCPU() if <= 0) and the given per-dispatch
// wall-clock budget.
func NewQuantumExecutor(maxWorkerThreads int, quantum time.Duration) *QuantumExecutor {
	if maxWorkerThreads <= 0 {
		maxWorkerThreads = runtime.NumCPU()
	}
	if quantum <= 0 {
		quantum = time.Second
	}

	group := &errgroup.Group{}
	group.SetLimit(maxWorkerThreads)

	e := &QuantumExecutor{
		quantum: quantum,
		group:   group,
		limiter: rate.NewLimiter(rate.Every(10*time.Millisecond), 1),
		stopCh:  make(chan struct{}),
	}
	go e.dispatchLoop()
	return e
}

// AddTask registers a new fairness group.
func (e *QuantumExecutor) AddTask(taskId TaskId) *TaskHandle {
	h := &TaskHandle{id: taskId}
	e.mu.Lock()
	e.handles = append(e.handles, h)
	e.mu.Unlock()
	return h
}

// AddSplit enqueues one runner onto handle's ready queue, returning a
// Future that resolves when the runner finishes or fails.
func (e *QuantumExecutor) AddSplit(handle *TaskHandle, runner *DriverSplitRunner) (Future, error) {
	handle.mu.Lock()
	if handle.removed {
		handle.mu.Unlock()
		f := newCompletionFuture()
		f.resolve(context.Canceled)
		return f, nil
	}
	f := newCompletionFuture()
	handle.ready = append(handle.ready, &scheduledRunner{runner: runner, future: f})
	handle.mu.Unlock()
	return f, nil
}

// RemoveTask aborts every queued runner for handle at once, and every
// parked runner within one quantum, and drops the handle from the
// round-robin rotation. In-flight processFor calls finish their current
// quantum undisturbed.
func (e *QuantumExecutor) RemoveTask(handle *TaskHandle) {
	handle.mu.Lock()
	handle.removed = true
	pending := handle.ready
	handle.ready = nil
	handle.mu.Unlock()

	for _, sr := range pending {
		sr.runner.Close()
		sr.future.resolve(context.Canceled)
	}

	e.mu.Lock()
	for i, h := range e.handles {
		if h == handle {
			e.handles = append(e.handles[:i], e.handles[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
}

// Close stops the dispatch loop and waits for in-flight quanta and parked
// watchers to unwind.
func (e *QuantumExecutor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.stopCh)
	err := e.group.Wait()
	e.parkWg.Wait()
	return err
}

func (e *QuantumExecutor) dispatchLoop() {
	ctx := context.Background()
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		handle, sr := e.pickNext()
		if sr == nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return
			}
			continue
		}

		e.group.Go(func() error {
			e.runQuantum(handle, sr)
			return nil
		})
	}
}

// pickNext finds the next handle with ready work starting from rrPos,
// giving round-robin fairness across handles and FIFO order within one.
func (e *QuantumExecutor) pickNext() (*TaskHandle, *scheduledRunner) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.handles)
	if n == 0 {
		return nil, nil
	}
	for i := 0; i < n; i++ {
		idx := (e.rrPos + i) % n
		h := e.handles[idx]
		h.mu.Lock()
		if !h.removed && len(h.ready) > 0 {
			sr := h.ready[0]
			h.ready = h.ready[1:]
			h.mu.Unlock()
			e.rrPos = (idx + 1) % n
			return h, sr
		}
		h.mu.Unlock()
	}
	return nil, nil
}

func (e *QuantumExecutor) runQuantum(handle *TaskHandle, sr *scheduledRunner) {
	future, err := sr.runner.ProcessFor(context.Background(), e.quantum)
	if err != nil {
		sr.future.resolve(err)
		return
	}
	if sr.runner.IsFinished() {
		sr.future.resolve(nil)
		return
	}
	if future == nil || future.IsDone() {
		e.reenqueue(handle, sr)
		return
	}

	e.parkWg.Add(1)
	go func() {
		defer e.parkWg.Done()
		// The ticker never re-runs the runner; it only checks whether
		// RemoveTask has since removed the handle, so parked runners are
		// aborted too.
		ticker := time.NewTicker(e.quantum)
		defer ticker.Stop()
		for {
			select {
			case <-future.Done():
				e.reenqueue(handle, sr)
				return
			case <-ticker.C:
				handle.mu.Lock()
				removed := handle.removed
				handle.mu.Unlock()
				if removed {
					sr.runner.Close()
					sr.future.resolve(context.Canceled)
					return
				}
			case <-e.stopCh:
				sr.runner.Close()
				sr.future.resolve(context.Canceled)
				return
			}
		}
	}()
}

func (e *QuantumExecutor) reenqueue(handle *TaskHandle, sr *scheduledRunner) {
	handle.mu.Lock()
	defer handle.mu.Unlock()
	if handle.removed {
		sr.runner.Close()
		sr.future.resolve(context.Canceled)
		return
	}
	if sr.runner.IsFinished() {
		sr.future.resolve(nil)
		return
	}
	handle.ready = append(handle.ready, sr)
}

var _ TaskExecutor = (*QuantumExecutor)(nil)
