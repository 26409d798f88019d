// Package taskapi is the worker's HTTP control surface: an echo server
// binding the task execution core's operations to JSON endpoints for the
// coordinator to call.
package taskapi

import (
	"sync"
	"time"

	"github.com/sqlshard/taskworker/internal/task"
)

// ActiveTaskGauge receives the registry's live task count. Satisfied by
// *metrics.PrometheusExporter; nil is a valid no-op.
type ActiveTaskGauge interface {
	SetActiveTasks(count int)
}

type registryEntry struct {
	te         *task.TaskExecution
	terminalAt time.Time // zero until first observed terminal
}

// Registry maps TaskId to *task.TaskExecution and is the only place task
// lifetimes are rooted for the HTTP surface. A background sweep removes a
// task once it has been terminal for at least deregisterGrace, so a slow
// in-flight getTaskInfo poll still succeeds against a task whose cancel or
// finish raced it.
type Registry struct {
	deregisterGrace time.Duration
	gauge           ActiveTaskGauge

	mu      sync.RWMutex
	entries map[task.TaskId]*registryEntry

	sweepInterval time.Duration
	stopCh        chan struct{}
	stopped       sync.Once
}

// NewRegistry creates a Registry sweeping for terminated tasks past
// deregisterGrace every tenth of the grace period or every second,
// whichever is longer.
func NewRegistry(deregisterGrace time.Duration, gauge ActiveTaskGauge) *Registry {
	if deregisterGrace < 0 {
		deregisterGrace = 0
	}
	sweepInterval := deregisterGrace / 10
	if sweepInterval < time.Second {
		sweepInterval = time.Second
	}

	r := &Registry{
		deregisterGrace: deregisterGrace,
		gauge:           gauge,
		entries:         make(map[task.TaskId]*registryEntry),
		sweepInterval:   sweepInterval,
		stopCh:          make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Register adds te to the registry, keyed by its TaskId. Overwrites any
// prior entry for the same id.
func (r *Registry) Register(te *task.TaskExecution) {
	r.mu.Lock()
	r.entries[te.TaskId()] = &registryEntry{te: te}
	count := len(r.entries)
	r.mu.Unlock()
	r.reportActive(count)
}

// Get returns the TaskExecution for id, or ok=false if it's unknown or has
// already been swept.
func (r *Registry) Get(id task.TaskId) (*task.TaskExecution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.te, true
}

// Count returns the number of currently-registered tasks.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) reportActive(count int) {
	if r.gauge != nil {
		r.gauge.SetActiveTasks(count)
	}
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweepOnce()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) sweepOnce() {
	now := time.Now()

	r.mu.Lock()
	for id, e := range r.entries {
		if !e.te.State().IsTerminal() {
			continue
		}
		if e.terminalAt.IsZero() {
			e.terminalAt = now
			continue
		}
		if now.Sub(e.terminalAt) >= r.deregisterGrace {
			delete(r.entries, id)
		}
	}
	count := len(r.entries)
	r.mu.Unlock()

	r.reportActive(count)
}

// Close stops the background sweep. Registered tasks are left untouched.
func (r *Registry) Close() {
	r.stopped.Do(func() { close(r.stopCh) })
}
