package task

import (
	"context"
	"sync"
	"time"
)

// fakeDriver is a minimal, deterministic Driver double. By default it
// reports finished after its first ProcessFor call; set failWith to
// simulate a driver-internal failure, or block to simulate a driver that
// never makes progress until the test releases it.
type fakeDriver struct {
	mu           sync.Mutex
	addedSplits  []fakeAddedSplit
	closedSrcs   []PlanNodeId
	finished     bool
	failWith     error
	processCalls int

	block     bool
	releaseCh chan struct{}
}

type fakeAddedSplit struct {
	sourceId PlanNodeId
	split    Split
}

func (d *fakeDriver) AddSplit(sourceId PlanNodeId, split Split) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addedSplits = append(d.addedSplits, fakeAddedSplit{sourceId, split})
	return nil
}

func (d *fakeDriver) NoMoreSplits(sourceId PlanNodeId) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closedSrcs = append(d.closedSrcs, sourceId)
}

func (d *fakeDriver) ProcessFor(ctx context.Context, budget time.Duration) (Future, error) {
	d.mu.Lock()
	d.processCalls++
	failWith := d.failWith
	blocking := d.block
	release := d.releaseCh
	d.mu.Unlock()

	if failWith != nil {
		return nil, failWith
	}
	if blocking {
		select {
		case <-release:
			// Released: fall through and report finished on this call,
			// same as a driver whose blocking condition just cleared.
		default:
			return &pendingFuture{ch: release}, nil
		}
	}

	d.mu.Lock()
	d.finished = true
	d.mu.Unlock()
	return resolvedFuture{}, nil
}

func (d *fakeDriver) IsFinished() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finished
}

func (d *fakeDriver) addedSplitsSnapshot() []fakeAddedSplit {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]fakeAddedSplit, len(d.addedSplits))
	copy(out, d.addedSplits)
	return out
}

func (d *fakeDriver) closedSourcesSnapshot() []PlanNodeId {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]PlanNodeId, len(d.closedSrcs))
	copy(out, d.closedSrcs)
	return out
}

// pendingFuture never resolves on its own; it is released only when ch is
// closed (or never, modeling a driver stuck waiting on external input).
type pendingFuture struct {
	ch chan struct{}
}

func (f *pendingFuture) Done() <-chan struct{} {
	if f.ch == nil {
		return make(chan struct{})
	}
	return f.ch
}

func (f *pendingFuture) IsDone() bool {
	if f.ch == nil {
		return false
	}
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}

// fakeFactory is a DriverFactory double that records every Driver it
// creates, in creation order, so tests can inspect what was built without
// depending on executor scheduling order.
type fakeFactory struct {
	sourceId *PlanNodeId
	output   bool
	failWith error // every created driver fails on its first ProcessFor
	blocking bool  // every created driver blocks on releaseCh
	release  chan struct{}

	mu      sync.Mutex
	created []*fakeDriver
	closed  bool
}

func (f *fakeFactory) CreateDriver(ctx context.Context) (Driver, error) {
	d := &fakeDriver{failWith: f.failWith, block: f.blocking, releaseCh: f.release}
	f.mu.Lock()
	f.created = append(f.created, d)
	f.mu.Unlock()
	return d, nil
}

func (f *fakeFactory) SourceId() (PlanNodeId, bool) {
	if f.sourceId == nil {
		return "", false
	}
	return *f.sourceId, true
}

func (f *fakeFactory) IsOutputDriver() bool { return f.output }

func (f *fakeFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeFactory) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) createdSnapshot() []*fakeDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*fakeDriver, len(f.created))
	copy(out, f.created)
	return out
}

func (f *fakeFactory) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// countingMonitor records every notification it receives, guarded by a
// mutex since both come from the state machine's and drivers' async paths.
type countingMonitor struct {
	mu          sync.Mutex
	completions []SplitCompletionEvent
	transitions []stateTransition
}

type stateTransition struct {
	from, to TaskState
}

func (m *countingMonitor) SplitCompleted(e SplitCompletionEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completions = append(m.completions, e)
}

func (m *countingMonitor) StateChanged(taskId TaskId, from, to TaskState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, stateTransition{from, to})
}

func (m *countingMonitor) transitionsSnapshot() []stateTransition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]stateTransition, len(m.transitions))
	copy(out, m.transitions)
	return out
}

func (m *countingMonitor) completionsSnapshot() []SplitCompletionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SplitCompletionEvent, len(m.completions))
	copy(out, m.completions)
	return out
}

// fakeMetrics is a MetricsSink double that only records what the tests in
// this package actually assert on: driver failures.
type fakeMetrics struct {
	mu             sync.Mutex
	driverFailures []string
}

func (m *fakeMetrics) RecordTaskTerminal(finalState string, lifetime time.Duration) {}
func (m *fakeMetrics) RecordDriverCreated(kind string)                              {}
func (m *fakeMetrics) RecordDriverFailure(handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.driverFailures = append(m.driverFailures, handle)
}
func (m *fakeMetrics) RecordSplitRouted(sourceKind string)               {}
func (m *fakeMetrics) RecordBufferPageAppended(taskID string)            {}
func (m *fakeMetrics) SetBufferBytesBuffered(taskID string, bytes int64) {}
func (m *fakeMetrics) RecordBufferLongPoll(outcome string)               {}

func (m *fakeMetrics) driverFailuresSnapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.driverFailures))
	copy(out, m.driverFailures)
	return out
}

// pollUntil retries fn until it returns true or timeout elapses, returning
// whether it succeeded. Used instead of a fixed sleep so tests are fast on
// quiet machines and not flaky on loaded ones.
func pollUntil(timeout, interval time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if fn() {
			return true
		}
		if time.Now().After(deadline) {
			return fn()
		}
		time.Sleep(interval)
	}
}
