package task

import (
	"log/slog"
	"sync"
	"time"
)

// StateChangeListener is notified, once per transition, after a
// TaskStateMachine moves to a new state.
type StateChangeListener func(from, to TaskState)

// TaskStateMachine holds the task's current state and dispatches listener
// notifications off of an internal notification goroutine so a listener
// that calls back into a component holding the transitioner's lock cannot
// deadlock the transition itself.
type TaskStateMachine struct {
	id TaskId

	mu     sync.Mutex
	state  TaskState
	causes []error

	changeCh chan struct{} // closed and replaced on every transition

	notifyMu  sync.Mutex
	notifyCh  chan transition
	listeners []StateChangeListener
	closeOnce sync.Once
}

type transition struct {
	from, to TaskState
}

// NewTaskStateMachine creates a state machine starting in PLANNED.
func NewTaskStateMachine(id TaskId) *TaskStateMachine {
	sm := &TaskStateMachine{
		id:       id,
		state:    TaskPlanned,
		changeCh: make(chan struct{}),
		notifyCh: make(chan transition, 64),
	}
	go sm.dispatchLoop()
	return sm
}

func (sm *TaskStateMachine) dispatchLoop() {
	for t := range sm.notifyCh {
		sm.notifyMu.Lock()
		listeners := make([]StateChangeListener, len(sm.listeners))
		copy(listeners, sm.listeners)
		sm.notifyMu.Unlock()

		for _, fn := range listeners {
			sm.invoke(fn, t)
		}
	}
}

func (sm *TaskStateMachine) invoke(fn StateChangeListener, t transition) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("task state listener panicked", "task_id", sm.id, "panic", r)
		}
	}()
	fn(t.from, t.to)
}

// GetState returns the current state.
func (sm *TaskStateMachine) GetState() TaskState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// Causes returns the accumulated failure causes, if any. Only meaningful
// once the state is FAILED.
func (sm *TaskStateMachine) Causes() []error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]error, len(sm.causes))
	copy(out, sm.causes)
	return out
}

// WaitForStateChange blocks until the state differs from current or
// maxWait elapses. A spurious return (same state) is permitted.
func (sm *TaskStateMachine) WaitForStateChange(current TaskState, maxWait time.Duration) TaskState {
	sm.mu.Lock()
	if sm.state != current {
		s := sm.state
		sm.mu.Unlock()
		return s
	}
	ch := sm.changeCh
	sm.mu.Unlock()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	}
	return sm.GetState()
}

// AddStateChangeListener registers fn to be invoked asynchronously, once
// per transition, starting with the next one. Registering after the
// machine is already terminal never re-fires the terminal transition —
// callers that need to react to an already-terminal task should check
// GetState() after registering.
func (sm *TaskStateMachine) AddStateChangeListener(fn StateChangeListener) {
	sm.notifyMu.Lock()
	defer sm.notifyMu.Unlock()
	sm.listeners = append(sm.listeners, fn)
}

// transitionTo moves the state machine to `to` if the move is legal and
// the machine is not already terminal. Returns true if the transition was
// applied.
func (sm *TaskStateMachine) transitionTo(to TaskState, cause error) bool {
	sm.mu.Lock()
	from := sm.state
	if from.IsTerminal() {
		sm.mu.Unlock()
		return false
	}
	if from == to {
		sm.mu.Unlock()
		return false
	}
	sm.state = to
	if cause != nil {
		sm.causes = append(sm.causes, cause)
	}
	old := sm.changeCh
	sm.changeCh = make(chan struct{})
	sm.mu.Unlock()

	close(old)

	select {
	case sm.notifyCh <- transition{from: from, to: to}:
	default:
		// Notification channel full: deliver synchronously rather than
		// drop a terminal transition, which listeners must never miss.
		sm.notifyMu.Lock()
		listeners := make([]StateChangeListener, len(sm.listeners))
		copy(listeners, sm.listeners)
		sm.notifyMu.Unlock()
		for _, fn := range listeners {
			sm.invoke(fn, transition{from: from, to: to})
		}
	}
	return true
}

// Start transitions PLANNED -> RUNNING.
func (sm *TaskStateMachine) Start() bool {
	return sm.transitionTo(TaskRunning, nil)
}

// Finished transitions -> FINISHED. No-op if already terminal.
func (sm *TaskStateMachine) Finished() bool {
	return sm.transitionTo(TaskFinished, nil)
}

// Cancel transitions -> CANCELED. No-op if already terminal.
func (sm *TaskStateMachine) Cancel() bool {
	return sm.transitionTo(TaskCanceled, nil)
}

// Failed transitions -> FAILED, retaining cause. No-op if already terminal.
func (sm *TaskStateMachine) Failed(cause error) bool {
	return sm.transitionTo(TaskFailed, cause)
}

// Abort transitions -> ABORTED. No-op if already terminal.
func (sm *TaskStateMachine) Abort() bool {
	return sm.transitionTo(TaskAborted, nil)
}

// Close stops the notification goroutine. Safe to call more than once.
// Must only be called once no further transitions will be attempted.
func (sm *TaskStateMachine) Close() {
	sm.closeOnce.Do(func() {
		close(sm.notifyCh)
	})
}
