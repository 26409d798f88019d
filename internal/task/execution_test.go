package task

import (
	"context"
	"testing"
	"time"
)

func waitForState(t *testing.T, te *TaskExecution, want TaskState, timeout time.Duration) {
	t.Helper()
	ok := pollUntil(timeout, 5*time.Millisecond, func() bool {
		return te.GetTaskInfo().State == want
	})
	if !ok {
		t.Fatalf("task never reached %s, stuck at %s", want, te.State())
	}
}

func planNodeId(s string) *PlanNodeId {
	id := PlanNodeId(s)
	return &id
}

// Scenario: happy path, one partitioned source, no unpartitioned sources.
func TestTaskExecution_HappyPathPartitionedSource(t *testing.T) {
	const p PlanNodeId = "P"
	pFactory := &fakeFactory{sourceId: &p}
	fragment := Fragment{Factories: []DriverFactory{pFactory}, PartitionedSource: planNodeId(string(p))}

	executor := NewQuantumExecutor(4, 20*time.Millisecond)
	defer executor.Close()

	monitor := &countingMonitor{}
	te, err := NewTaskExecution(context.Background(), "task1", fragment, executor, 1<<20, monitor, nil, nil)
	if err != nil {
		t.Fatalf("NewTaskExecution: %v", err)
	}
	if err := te.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err = te.AddSources(context.Background(), []SourceUpdate{{
		SourceId: p,
		Splits: []ScheduledSplit{
			{SequenceId: 0, Split: Split{Payload: "p0"}},
			{SequenceId: 1, Split: Split{Payload: "p1"}},
			{SequenceId: 2, Split: Split{Payload: "p2"}},
		},
		NoMoreSplits: true,
	}})
	if err != nil {
		t.Fatalf("AddSources: %v", err)
	}

	if err := te.AddResultQueue(OutputBuffers{OutputIds: []OutputId{"q0"}, NoMoreBuffers: true}); err != nil {
		t.Fatalf("AddResultQueue: %v", err)
	}

	waitForState(t, te, TaskFinished, 2*time.Second)

	if got := pFactory.createdCount(); got != 3 {
		t.Fatalf("expected exactly 3 partitioned drivers, got %d", got)
	}
	if !pFactory.isClosed() {
		t.Fatal("expected the partitioned factory to be closed once every driver completed")
	}

	transitions := monitor.transitionsSnapshot()
	if len(transitions) == 0 || transitions[len(transitions)-1].to != TaskFinished {
		t.Fatalf("expected monitor to observe the terminal transition, got %v", transitions)
	}
}

// Scenario: replayed (duplicate) split batches must not create extra drivers.
func TestTaskExecution_ReplayIsIdempotent(t *testing.T) {
	const p PlanNodeId = "P"
	pFactory := &fakeFactory{sourceId: &p}
	fragment := Fragment{Factories: []DriverFactory{pFactory}, PartitionedSource: planNodeId(string(p))}

	executor := NewQuantumExecutor(4, 20*time.Millisecond)
	defer executor.Close()

	te, err := NewTaskExecution(context.Background(), "task1", fragment, executor, 1<<20, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewTaskExecution: %v", err)
	}
	_ = te.Start(context.Background())

	batch := func(ids ...int64) []ScheduledSplit {
		out := make([]ScheduledSplit, len(ids))
		for i, id := range ids {
			out[i] = ScheduledSplit{SequenceId: id, Split: Split{Payload: id}}
		}
		return out
	}

	// [0,1], then a replayed [0,1,2], then a replayed [1,2] plus close.
	mustAddSources(t, te, SourceUpdate{SourceId: p, Splits: batch(0, 1)})
	mustAddSources(t, te, SourceUpdate{SourceId: p, Splits: batch(0, 1, 2)})
	mustAddSources(t, te, SourceUpdate{SourceId: p, Splits: batch(1, 2), NoMoreSplits: true})

	_ = te.AddResultQueue(OutputBuffers{OutputIds: []OutputId{"q0"}, NoMoreBuffers: true})
	waitForState(t, te, TaskFinished, 2*time.Second)

	if got := pFactory.createdCount(); got != 3 {
		t.Fatalf("expected replay to be idempotent: exactly 3 drivers, got %d", got)
	}
}

// waitForMonitorTransition waits until monitor has observed a transition to
// want. Terminal side effects (ForceFinish, executor removal) all run
// synchronously earlier in the same listener invocation that eventually
// calls monitor.StateChanged, so this also a safe barrier for asserting on
// those side effects without racing the state machine's async dispatch.
func waitForMonitorTransition(t *testing.T, monitor *countingMonitor, want TaskState, timeout time.Duration) {
	t.Helper()
	ok := pollUntil(timeout, 5*time.Millisecond, func() bool {
		for _, tr := range monitor.transitionsSnapshot() {
			if tr.to == want {
				return true
			}
		}
		return false
	})
	if !ok {
		t.Fatalf("monitor never observed a transition to %s", want)
	}
}

func mustAddSources(t *testing.T, te *TaskExecution, updates ...SourceUpdate) {
	t.Helper()
	if err := te.AddSources(context.Background(), updates); err != nil {
		t.Fatalf("AddSources: %v", err)
	}
}

// Scenario: an unpartitioned source's splits fan out to every partitioned
// driver, including ones built after the unpartitioned split arrived.
func TestTaskExecution_UnpartitionedFanOut(t *testing.T) {
	const p PlanNodeId = "P"
	const u PlanNodeId = "U"
	pFactory := &fakeFactory{sourceId: &p}
	uFactory := &fakeFactory{sourceId: &u}
	fragment := Fragment{Factories: []DriverFactory{pFactory, uFactory}, PartitionedSource: planNodeId(string(p))}

	executor := NewQuantumExecutor(4, 20*time.Millisecond)
	defer executor.Close()

	te, err := NewTaskExecution(context.Background(), "task1", fragment, executor, 1<<20, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewTaskExecution: %v", err)
	}
	_ = te.Start(context.Background())

	mustAddSources(t, te, SourceUpdate{SourceId: p, Splits: []ScheduledSplit{{SequenceId: 0, Split: Split{Payload: "p0"}}}})
	mustAddSources(t, te, SourceUpdate{SourceId: u, Splits: []ScheduledSplit{{SequenceId: 0, Split: Split{Payload: "u0"}}}})
	mustAddSources(t, te, SourceUpdate{SourceId: p, Splits: []ScheduledSplit{{SequenceId: 1, Split: Split{Payload: "p1"}}}})
	mustAddSources(t, te, SourceUpdate{SourceId: u, NoMoreSplits: true})
	mustAddSources(t, te, SourceUpdate{SourceId: p, NoMoreSplits: true})

	_ = te.AddResultQueue(OutputBuffers{OutputIds: []OutputId{"q0"}, NoMoreBuffers: true})
	waitForState(t, te, TaskFinished, 2*time.Second)

	partitionedDrivers := pFactory.createdSnapshot()
	if len(partitionedDrivers) != 2 {
		t.Fatalf("expected 2 partitioned drivers (one per split), got %d", len(partitionedDrivers))
	}

	for i, d := range partitionedDrivers {
		found := false
		for _, s := range d.addedSplitsSnapshot() {
			if s.sourceId == u {
				found = true
			}
		}
		if !found {
			t.Errorf("partitioned driver %d never received the unpartitioned split", i)
		}

		closedU := false
		for _, sid := range d.closedSourcesSnapshot() {
			if sid == u {
				closedU = true
			}
		}
		if !closedU {
			t.Errorf("partitioned driver %d was never told source U has no more splits", i)
		}
	}
}

// Scenario: cancellation mid-flight removes the task from the executor and
// absorbs every subsequent operation without error.
func TestTaskExecution_CancellationMidFlight(t *testing.T) {
	const p PlanNodeId = "P"
	release := make(chan struct{}) // never closed: drivers never finish on their own
	pFactory := &fakeFactory{sourceId: &p, blocking: true, release: release}
	fragment := Fragment{Factories: []DriverFactory{pFactory}, PartitionedSource: planNodeId(string(p))}

	executor := NewQuantumExecutor(4, 20*time.Millisecond)
	defer executor.Close()

	monitor := &countingMonitor{}
	metrics := &fakeMetrics{}
	te, err := NewTaskExecution(context.Background(), "task1", fragment, executor, 1<<20, monitor, metrics, nil)
	if err != nil {
		t.Fatalf("NewTaskExecution: %v", err)
	}
	_ = te.Start(context.Background())

	mustAddSources(t, te, SourceUpdate{SourceId: p, Splits: []ScheduledSplit{
		{SequenceId: 0, Split: Split{Payload: "p0"}},
		{SequenceId: 1, Split: Split{Payload: "p1"}},
	}})

	if !pollUntil(time.Second, 5*time.Millisecond, func() bool { return pFactory.createdCount() >= 1 }) {
		t.Fatal("no partitioned driver was ever built before cancellation")
	}

	if !te.Cancel() {
		t.Fatal("expected Cancel to apply to a running task")
	}

	waitForState(t, te, TaskCanceled, 2*time.Second)
	waitForMonitorTransition(t, monitor, TaskCanceled, 2*time.Second)

	// A driver stopped by RemoveTask's context.Canceled resolution is not a
	// driver failure: it must neither show up in driver-failure metrics nor
	// be reported as an unsuccessful split completion.
	if !pollUntil(time.Second, 5*time.Millisecond, func() bool { return len(monitor.completionsSnapshot()) > 0 }) {
		t.Fatal("expected at least one split completion to be recorded after cancellation")
	}
	for _, c := range monitor.completionsSnapshot() {
		if !c.Success {
			t.Errorf("expected a canceled driver's completion to report Success, got %+v", c)
		}
	}
	if failures := metrics.driverFailuresSnapshot(); len(failures) != 0 {
		t.Errorf("expected no driver failures recorded for cancellation, got %v", failures)
	}

	// Further operations must be silently absorbed, never error.
	if err := te.AddSources(context.Background(), []SourceUpdate{{
		SourceId: p, Splits: []ScheduledSplit{{SequenceId: 2, Split: Split{Payload: "p2"}}},
	}}); err != nil {
		t.Fatalf("expected AddSources on a terminal task to be a silent no-op, got %v", err)
	}

	result, err := te.GetResults("q0", 0, 1<<20, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("GetResults: %v", err)
	}
	if !result.BufferComplete {
		t.Fatal("expected getResults to unblock with BufferComplete once the task is CANCELED")
	}

	if te.Fail(errBoom) {
		t.Fatal("expected Fail to be a no-op once CANCELED")
	}
	if te.State() != TaskCanceled {
		t.Fatalf("expected state to remain CANCELED, got %s", te.State())
	}
}

// Scenario: a driver-internal failure fails the whole task.
func TestTaskExecution_DriverFailure(t *testing.T) {
	wantErr := errBoom
	failFactory := &fakeFactory{failWith: wantErr}
	fragment := Fragment{Factories: []DriverFactory{failFactory}}

	executor := NewQuantumExecutor(4, 20*time.Millisecond)
	defer executor.Close()

	monitor := &countingMonitor{}
	te, err := NewTaskExecution(context.Background(), "task1", fragment, executor, 1<<20, monitor, nil, nil)
	if err != nil {
		t.Fatalf("NewTaskExecution: %v", err)
	}
	_ = te.AddResultQueue(OutputBuffers{OutputIds: []OutputId{"q0"}})
	if err := te.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitForState(t, te, TaskFailed, 2*time.Second)
	waitForMonitorTransition(t, monitor, TaskFailed, 2*time.Second)

	info := te.GetTaskInfo()
	if len(info.Failures) == 0 {
		t.Fatal("expected the failure cause to be recorded in TaskInfo")
	}

	te.RecordHeartbeat()
	if te.GetTaskInfo().LastHeartbeat.IsZero() {
		t.Fatal("expected heartbeat to still be recordable after failure")
	}

	result, err := te.GetResults("q0", 0, 1<<20, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("GetResults: %v", err)
	}
	if !result.BufferComplete {
		t.Fatal("expected getResults to report complete for a FAILED task")
	}

	result, err = te.GetResults("never-registered", 0, 1<<20, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("GetResults: %v", err)
	}
	if !result.BufferComplete {
		t.Fatal("expected getResults on any queue id to report complete once the task has failed")
	}
}

// Scenario: a consumer registers after every driver of the task has
// completed; it must still see the completion marker, never block forever.
func TestTaskExecution_LateConsumerRegistration(t *testing.T) {
	const p PlanNodeId = "P"
	pFactory := &fakeFactory{sourceId: &p}
	fragment := Fragment{Factories: []DriverFactory{pFactory}, PartitionedSource: planNodeId(string(p))}

	executor := NewQuantumExecutor(4, 20*time.Millisecond)
	defer executor.Close()

	te, err := NewTaskExecution(context.Background(), "task1", fragment, executor, 1<<20, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewTaskExecution: %v", err)
	}
	_ = te.Start(context.Background())

	mustAddSources(t, te, SourceUpdate{
		SourceId:     p,
		Splits:       []ScheduledSplit{{SequenceId: 0, Split: Split{Payload: "p0"}}},
		NoMoreSplits: true,
	})

	// No result queue registered yet: the task cannot reach FINISHED until
	// NoMoreQueues is known, so it should sit with drivers done but state
	// still RUNNING.
	if !pollUntil(time.Second, 5*time.Millisecond, func() bool {
		return te.GetTaskInfo().RemainingDriverCount == 0
	}) {
		t.Fatal("driver never completed")
	}
	if te.State() == TaskFinished {
		t.Fatal("task must not finish before any result queue registration closes")
	}

	// A late consumer registers, discovers nothing pending, and the task
	// completes normally.
	if err := te.AddResultQueue(OutputBuffers{OutputIds: []OutputId{"late"}, NoMoreBuffers: true}); err != nil {
		t.Fatalf("AddResultQueue: %v", err)
	}

	waitForState(t, te, TaskFinished, 2*time.Second)

	result, err := te.GetResults("late", 0, 1<<20, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("GetResults: %v", err)
	}
	if !result.BufferComplete {
		t.Fatal("expected the late consumer to observe BufferComplete")
	}
}
