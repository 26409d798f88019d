package task

import (
	"context"
	"sync"
	"time"
)

// resolvedFuture is an already-complete Future, used when a driver's
// ProcessFor call returns without a pending wait.
type resolvedFuture struct{}

var closedCh = makeClosed()

func makeClosed() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (resolvedFuture) Done() <-chan struct{} { return closedCh }
func (resolvedFuture) IsDone() bool          { return true }

// DriverBuilder lazily constructs a Driver. Construction is deferred to the
// first schedule so that per-split driver creation work is amortized
// across worker goroutines rather than performed on the caller's stack at
// split-arrival time.
type DriverBuilder func(ctx context.Context) (Driver, error)

// DriverSplitRunner adapts a Driver (or a deferred DriverBuilder) to the
// interface a TaskExecutor schedules: initialize once, then repeatedly
// processFor a quantum until finished.
type DriverSplitRunner struct {
	mu      sync.Mutex
	driver  Driver
	builder DriverBuilder
	done    bool
}

// NewDriverSplitRunner wraps an already-constructed Driver.
func NewDriverSplitRunner(driver Driver) *DriverSplitRunner {
	return &DriverSplitRunner{driver: driver}
}

// NewLazyDriverSplitRunner wraps a DriverBuilder; the Driver is built on
// the first call to Initialize or ProcessFor.
func NewLazyDriverSplitRunner(builder DriverBuilder) *DriverSplitRunner {
	return &DriverSplitRunner{builder: builder}
}

// Initialize builds the underlying driver if it has not been built yet.
// Safe to call more than once; safe to skip (ProcessFor initializes
// lazily on its own).
func (r *DriverSplitRunner) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureDriverLocked(ctx)
}

func (r *DriverSplitRunner) ensureDriverLocked(ctx context.Context) error {
	if r.driver != nil {
		return nil
	}
	if r.builder == nil {
		return nil
	}
	d, err := r.builder(ctx)
	if err != nil {
		return err
	}
	r.driver = d
	r.builder = nil
	return nil
}

// IsFinished reports whether the underlying driver has completed. A runner
// whose driver has not yet been constructed is never finished.
func (r *DriverSplitRunner) IsFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return true
	}
	return r.driver != nil && r.driver.IsFinished()
}

// ProcessFor runs the driver cooperatively for up to budget, building it
// first if it was constructed lazily.
func (r *DriverSplitRunner) ProcessFor(ctx context.Context, budget time.Duration) (Future, error) {
	r.mu.Lock()
	if err := r.ensureDriverLocked(ctx); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	driver := r.driver
	r.mu.Unlock()

	if driver == nil {
		return resolvedFuture{}, nil
	}

	future, err := driver.ProcessFor(ctx, budget)
	if err != nil {
		return nil, err
	}
	if driver.IsFinished() {
		r.mu.Lock()
		r.done = true
		r.mu.Unlock()
	}
	if future == nil {
		return resolvedFuture{}, nil
	}
	return future, nil
}

// Close releases the underlying driver without running it further. Used
// when a task is removed from the executor while runners are still
// enqueued.
func (r *DriverSplitRunner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = true
}
