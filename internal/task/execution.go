package task

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// SnapshotSink persists a task's terminal TaskInfo for post-mortem
// diagnostics. Implementations must not block the caller meaningfully —
// TaskExecution calls it fire-and-forget from a background goroutine.
type SnapshotSink interface {
	SaveSnapshot(ctx context.Context, info TaskInfo) error
}

// MetricsSink receives per-task counters and histograms. All methods must
// be cheap and non-blocking.
type MetricsSink interface {
	RecordTaskTerminal(finalState string, lifetime time.Duration)
	RecordDriverCreated(kind string)
	RecordDriverFailure(handle string)
	RecordSplitRouted(sourceKind string)
	RecordBufferPageAppended(taskID string)
	SetBufferBytesBuffered(taskID string, bytes int64)
	RecordBufferLongPoll(outcome string)
}

type driverEntry struct {
	driver Driver
}

// TaskExecution is the core orchestrator: it owns a task's drivers, routes
// splits to them (fanning unpartitioned splits to every driver, including
// ones created later), and drives the task's state machine to a terminal
// state once every completion precondition holds.
type TaskExecution struct {
	taskId   TaskId
	fragment Fragment
	executor TaskExecutor
	handle   *TaskHandle
	monitor  QueryMonitor
	metrics  MetricsSink
	snapshot SnapshotSink

	stateMachine *TaskStateMachine
	sharedBuffer *SharedOutputBuffer

	partitionedSourceId *PlanNodeId
	partitionedFactory  DriverFactory
	knownSources        map[PlanNodeId]struct{}

	// mu protects every field below it: the driver back-table, the
	// unpartitioned-splits multimap, the completed-sources set, the
	// noMoreSplits set, maxAcknowledgedSplit, and the partitioned
	// factory's closed flag. Held for the full critical section of any
	// method that touches them, including fan-out iteration.
	mu                            sync.Mutex
	driverBackTable               map[int64]*driverEntry
	unpartitionedSplits           map[PlanNodeId][]ScheduledSplit
	unpartitionedSeen             map[PlanNodeId]map[int64]struct{}
	completedUnpartitionedSources map[PlanNodeId]struct{}
	noMoreSplitsSources           map[PlanNodeId]struct{}
	maxAcknowledgedSplit          map[PlanNodeId]int64
	partitionedFactoryClosed      bool

	// Lock-free counters.
	remainingDriverCount atomic.Int64
	noMorePartitionedSet atomic.Bool
	nextDriverId         atomic.Int64
	version              atomic.Int64
	heartbeatUnixNano    atomic.Int64

	// totalDriverCount and totalSplitCount only ever grow, unlike
	// remainingDriverCount; carried into TaskInfo for a SnapshotSink's
	// post-mortem diagnostics.
	totalDriverCount atomic.Int64
	totalSplitCount  atomic.Int64

	lifecycleMu sync.Mutex
	startedAt   time.Time
	finishedAt  time.Time

	pendingUnpartitioned []Driver
}

// NewTaskExecution plans the fragment into drivers: it locates the
// partitioned-source factory (if any) and immediately creates one Driver
// for every other factory. It registers a fairness handle with executor
// and installs a listener that removes the task from the executor on any
// terminal transition.
func NewTaskExecution(
	ctx context.Context,
	taskId TaskId,
	fragment Fragment,
	executor TaskExecutor,
	maxBufferBytes int64,
	monitor QueryMonitor,
	metricsSink MetricsSink,
	snapshotSink SnapshotSink,
) (*TaskExecution, error) {
	if monitor == nil {
		monitor = NopMonitor{}
	}

	knownSources := make(map[PlanNodeId]struct{})
	var partitionedFactory DriverFactory
	for _, f := range fragment.Factories {
		if sid, ok := f.SourceId(); ok {
			knownSources[sid] = struct{}{}
		}
	}
	if fragment.PartitionedSource != nil {
		for _, f := range fragment.Factories {
			if sid, ok := f.SourceId(); ok && sid == *fragment.PartitionedSource {
				partitionedFactory = f
				break
			}
		}
		if partitionedFactory == nil {
			return nil, errors.Errorf("task: no factory found for partitioned source %q", *fragment.PartitionedSource)
		}
	}

	te := &TaskExecution{
		taskId:                        taskId,
		fragment:                      fragment,
		executor:                      executor,
		monitor:                       monitor,
		metrics:                       metricsSink,
		snapshot:                      snapshotSink,
		stateMachine:                  NewTaskStateMachine(taskId),
		sharedBuffer:                  NewSharedOutputBuffer(maxBufferBytes),
		partitionedSourceId:           fragment.PartitionedSource,
		partitionedFactory:            partitionedFactory,
		knownSources:                  knownSources,
		driverBackTable:               make(map[int64]*driverEntry),
		unpartitionedSplits:           make(map[PlanNodeId][]ScheduledSplit),
		unpartitionedSeen:             make(map[PlanNodeId]map[int64]struct{}),
		completedUnpartitionedSources: make(map[PlanNodeId]struct{}),
		noMoreSplitsSources:           make(map[PlanNodeId]struct{}),
		maxAcknowledgedSplit:          make(map[PlanNodeId]int64),
	}

	for _, f := range fragment.Factories {
		if f == partitionedFactory {
			continue
		}
		driver, err := f.CreateDriver(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "task: failed to create driver for non-partitioned factory")
		}
		id := te.nextDriverId.Add(1)
		te.driverBackTable[id] = &driverEntry{driver: driver}
		te.pendingUnpartitioned = append(te.pendingUnpartitioned, driver)
		te.remainingDriverCount.Add(1)
		te.recordDriverCreated("unpartitioned")
	}

	te.handle = executor.AddTask(taskId)
	te.stateMachine.AddStateChangeListener(te.onStateChange)

	return te, nil
}

func (te *TaskExecution) recordDriverCreated(kind string) {
	te.totalDriverCount.Add(1)
	if te.metrics != nil {
		te.metrics.RecordDriverCreated(kind)
	}
}

// Start transitions PLANNED -> RUNNING and enqueues every driver created at
// construction time onto the executor.
func (te *TaskExecution) Start(ctx context.Context) error {
	te.lifecycleMu.Lock()
	te.startedAt = time.Now()
	te.lifecycleMu.Unlock()

	te.stateMachine.Start()

	for _, d := range te.pendingUnpartitioned {
		driver := d
		runner := NewDriverSplitRunner(driver)
		future, err := te.executor.AddSplit(te.handle, runner)
		if err != nil {
			return err
		}
		go te.awaitDriverCompletion(ctx, future, "")
	}
	te.pendingUnpartitioned = nil
	return nil
}

// AddSources delivers new splits and close markers. Idempotent under
// replay, and silently dropped once the task is terminal.
func (te *TaskExecution) AddSources(ctx context.Context, updates []SourceUpdate) error {
	if te.stateMachine.GetState().IsTerminal() {
		return nil
	}

	for _, update := range updates {
		if _, known := te.knownSources[update.SourceId]; !known {
			return NewTaskError(ErrClassProtocolMisuse, ErrUnknownSource, "addSources: source %q", update.SourceId)
		}
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	for _, update := range updates {
		// -1 (never 0, the zero value) marks a source with no acknowledged
		// splits yet, so a genuine sequence id 0 is never mistaken for an
		// already-delivered one.
		maxAck, known := te.maxAcknowledgedSplit[update.SourceId]
		if !known {
			maxAck = -1
		}
		for _, ss := range update.Splits {
			if ss.SequenceId <= maxAck {
				continue
			}
			te.addSplitLocked(ctx, update.SourceId, ss)
			if ss.SequenceId > maxAck {
				maxAck = ss.SequenceId
			}
		}
		te.maxAcknowledgedSplit[update.SourceId] = maxAck

		if update.NoMoreSplits {
			te.noMoreSplitsLocked(update.SourceId)
		}
	}
	return nil
}

// addSplitLocked routes one split, assuming te.mu is held.
func (te *TaskExecution) addSplitLocked(ctx context.Context, sourceId PlanNodeId, split ScheduledSplit) {
	if te.partitionedSourceId != nil && sourceId == *te.partitionedSourceId {
		te.createPartitionedDriverAsync(ctx, split.Split)
		te.totalSplitCount.Add(1)
		if te.metrics != nil {
			te.metrics.RecordSplitRouted("partitioned")
		}
		return
	}

	seen, ok := te.unpartitionedSeen[sourceId]
	if !ok {
		seen = make(map[int64]struct{})
		te.unpartitionedSeen[sourceId] = seen
	}
	if _, dup := seen[split.SequenceId]; dup {
		return
	}
	seen[split.SequenceId] = struct{}{}
	te.unpartitionedSplits[sourceId] = append(te.unpartitionedSplits[sourceId], split)
	te.totalSplitCount.Add(1)

	for _, entry := range te.driverBackTable {
		_ = entry.driver.AddSplit(sourceId, split.Split)
	}
	if te.metrics != nil {
		te.metrics.RecordSplitRouted("unpartitioned")
	}
}

// noMoreSplitsLocked closes sourceId, assuming te.mu is held.
func (te *TaskExecution) noMoreSplitsLocked(sourceId PlanNodeId) {
	if _, closed := te.noMoreSplitsSources[sourceId]; closed {
		return
	}
	te.noMoreSplitsSources[sourceId] = struct{}{}

	if te.partitionedSourceId != nil && sourceId == *te.partitionedSourceId {
		te.noMorePartitionedSet.Store(true)
		// te.mu is already held here, so the close check is made inline
		// rather than through tryClosePartitionedFactory, which locks it.
		if te.partitionedFactory != nil && !te.partitionedFactoryClosed && te.remainingDriverCount.Load() == 0 {
			te.partitionedFactoryClosed = true
			_ = te.partitionedFactory.Close()
		}
		return
	}

	te.completedUnpartitionedSources[sourceId] = struct{}{}
	for _, entry := range te.driverBackTable {
		entry.driver.NoMoreSplits(sourceId)
	}
}

// createPartitionedDriverAsync enqueues a lazily-built partitioned driver.
// Construction (and its replay of known unpartitioned state) is deferred
// to first schedule and re-acquires te.mu at that point, so it stays
// atomic with any addSplit/noMoreSplits happening concurrently.
func (te *TaskExecution) createPartitionedDriverAsync(ctx context.Context, split Split) {
	id := te.nextDriverId.Add(1)
	builder := func(buildCtx context.Context) (Driver, error) {
		return te.buildPartitionedDriver(buildCtx, id, split)
	}
	runner := NewLazyDriverSplitRunner(builder)
	te.remainingDriverCount.Add(1)
	te.recordDriverCreated("partitioned")

	future, err := te.executor.AddSplit(te.handle, runner)
	if err != nil {
		te.remainingDriverCount.Add(-1)
		return
	}
	go te.awaitDriverCompletion(ctx, future, id2key(id))
}

func (te *TaskExecution) buildPartitionedDriver(ctx context.Context, id int64, split Split) (Driver, error) {
	te.mu.Lock()
	defer te.mu.Unlock()

	driver, err := te.partitionedFactory.CreateDriver(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "task: failed to create partitioned driver")
	}
	if err := driver.AddSplit(*te.partitionedSourceId, split); err != nil {
		return nil, errors.Wrap(err, "task: failed to seed partitioned driver's initial split")
	}

	for sourceId, splits := range te.unpartitionedSplits {
		for _, s := range splits {
			_ = driver.AddSplit(sourceId, s.Split)
		}
	}
	for sourceId := range te.completedUnpartitionedSources {
		driver.NoMoreSplits(sourceId)
	}

	te.driverBackTable[id] = &driverEntry{driver: driver}
	return driver, nil
}

func (te *TaskExecution) tryClosePartitionedFactory() {
	te.mu.Lock()
	if te.partitionedFactory == nil || te.partitionedFactoryClosed {
		te.mu.Unlock()
		return
	}
	if !te.noMorePartitionedSet.Load() || te.remainingDriverCount.Load() != 0 {
		te.mu.Unlock()
		return
	}
	te.partitionedFactoryClosed = true
	factory := te.partitionedFactory
	te.mu.Unlock()

	_ = factory.Close()
}

type futureErr interface {
	Future
	Err() error
}

func (te *TaskExecution) awaitDriverCompletion(ctx context.Context, future Future, driverHandle string) {
	<-future.Done()
	var cause error
	if fe, ok := future.(futureErr); ok {
		cause = fe.Err()
	}
	te.onDriverComplete(driverHandle, cause)
}

func id2key(id int64) string {
	return "driver-" + strconv.FormatInt(id, 10)
}

// onDriverComplete runs the completion bookkeeping common to success and
// failure: decrement the remaining-driver counter, attempt the partitioned
// factory close, run the completion check, and notify the monitor. The
// driver's back-table entry is not removed, so later split fan-out still
// reaches finished drivers.
func (te *TaskExecution) onDriverComplete(driverHandle string, cause error) {
	remaining := te.remainingDriverCount.Add(-1)

	// A driver whose future resolved with context.Canceled was stopped by
	// RemoveTask following Cancel(), not by a failure of its own — the
	// state machine already recorded the cancellation, so this is not a
	// new failure to report.
	canceled := errors.Is(cause, context.Canceled)

	if cause != nil && !canceled {
		te.stateMachine.Failed(cause)
		if te.metrics != nil {
			te.metrics.RecordDriverFailure(driverHandle)
		}
	}

	if remaining == 0 {
		te.tryClosePartitionedFactory()
	}

	te.CheckTaskCompletion()

	te.monitor.SplitCompleted(SplitCompletionEvent{
		TaskId:    te.taskId,
		Success:   cause == nil || canceled,
		Cause:     cause,
		Timestamp: time.Now(),
	})
}

// CheckTaskCompletion transitions the task to FINISHED iff the partitioned
// source is absent or closed, every driver has completed, and the shared
// output buffer — once told to finish — reports itself finished.
func (te *TaskExecution) CheckTaskCompletion() {
	if te.stateMachine.GetState().IsTerminal() {
		return
	}
	if te.partitionedSourceId != nil && !te.noMorePartitionedSet.Load() {
		return
	}
	if te.remainingDriverCount.Load() != 0 {
		return
	}

	te.sharedBuffer.Finish()
	if !te.sharedBuffer.IsFinished() {
		return
	}

	te.stateMachine.Finished()
}

// AddResultQueue registers new output consumers on the shared buffer.
func (te *TaskExecution) AddResultQueue(outputs OutputBuffers) error {
	for _, id := range outputs.OutputIds {
		if err := te.sharedBuffer.AddQueue(id); err != nil {
			return NewTaskError(ErrClassLateOutputQueue, err, "addResultQueue: %q", id)
		}
	}
	if outputs.NoMoreBuffers {
		te.sharedBuffer.NoMoreQueues()
	}
	return nil
}

// GetResults long-polls the shared buffer for outputId.
func (te *TaskExecution) GetResults(outputId OutputId, startingSequenceId, maxSize int64, maxWait time.Duration) (BufferResult, error) {
	result, err := te.sharedBuffer.Get(outputId, startingSequenceId, maxSize, maxWait)
	if te.metrics != nil {
		switch {
		case err != nil:
		case len(result.Pages) > 0:
			te.metrics.RecordBufferLongPoll("woken")
		case result.BufferComplete:
			te.metrics.RecordBufferLongPoll("woken")
		default:
			te.metrics.RecordBufferLongPoll("timed_out")
		}
	}
	return result, err
}

// AbortResults discards outputId's queue. Never fails.
func (te *TaskExecution) AbortResults(outputId OutputId) {
	te.sharedBuffer.Abort(outputId)
}

// AppendPage hands a page produced by an output driver to the shared
// buffer, recording the corresponding metrics. It returns whether the
// buffer is now over its configured capacity; the calling driver should
// treat a true return as "blocked on buffer space" and return a pending
// Future from its own ProcessFor rather than producing another page.
func (te *TaskExecution) AppendPage(page Page) bool {
	overCapacity := te.sharedBuffer.Append(page)
	if te.metrics != nil {
		te.metrics.RecordBufferPageAppended(string(te.taskId))
		te.metrics.SetBufferBytesBuffered(string(te.taskId), te.sharedBuffer.BufferedBytes())
	}
	return overCapacity
}

// IsOutputBufferFull reports whether the task's shared output buffer is
// currently at or past its configured capacity. An output driver's
// ProcessFor should check this before producing its next page.
func (te *TaskExecution) IsOutputBufferFull() bool {
	return te.sharedBuffer.IsOverCapacity()
}

// Cancel transitions the task to CANCELED. A no-op if already terminal.
func (te *TaskExecution) Cancel() bool {
	return te.stateMachine.Cancel()
}

// Fail transitions the task to FAILED, retaining cause. A no-op if already
// terminal.
func (te *TaskExecution) Fail(cause error) bool {
	return te.stateMachine.Failed(cause)
}

// RecordHeartbeat updates the wall-clock heartbeat without affecting state.
func (te *TaskExecution) RecordHeartbeat() {
	te.heartbeatUnixNano.Store(time.Now().UnixNano())
}

// GetTaskInfo runs the completion check, then returns a consistent
// snapshot carrying a monotonically-increasing version generated after
// that check — so an observer who sees a terminal version V never later
// sees a non-terminal snapshot for the same task.
func (te *TaskExecution) GetTaskInfo() TaskInfo {
	te.CheckTaskCompletion()
	version := te.version.Add(1)
	return te.buildTaskInfo(version)
}

func (te *TaskExecution) buildTaskInfo(version int64) TaskInfo {
	state := te.stateMachine.GetState()

	te.mu.Lock()
	closed := make([]PlanNodeId, 0, len(te.noMoreSplitsSources))
	for sid := range te.noMoreSplitsSources {
		closed = append(closed, sid)
	}
	te.mu.Unlock()

	var failures []string
	for _, c := range te.stateMachine.Causes() {
		failures = append(failures, c.Error())
	}

	var heartbeat time.Time
	if ns := te.heartbeatUnixNano.Load(); ns != 0 {
		heartbeat = time.Unix(0, ns)
	}

	te.lifecycleMu.Lock()
	started, finished := te.startedAt, te.finishedAt
	te.lifecycleMu.Unlock()

	return TaskInfo{
		TaskId:               te.taskId,
		Version:              version,
		State:                state,
		LastHeartbeat:        heartbeat,
		ClosedSources:        closed,
		RemainingDriverCount: te.remainingDriverCount.Load(),
		BufferedBytes:        te.sharedBuffer.BufferedBytes(),
		BufferFinished:       te.sharedBuffer.IsFinished(),
		StartedAt:            started,
		FinishedAt:           finished,
		DriverCount:          te.totalDriverCount.Load(),
		SplitCount:           te.totalSplitCount.Load(),
		Failures:             failures,
	}
}

func (te *TaskExecution) onStateChange(from, to TaskState) {
	if !to.IsTerminal() {
		return
	}

	te.lifecycleMu.Lock()
	te.finishedAt = time.Now()
	started := te.startedAt
	finished := te.finishedAt
	te.lifecycleMu.Unlock()

	te.executor.RemoveTask(te.handle)

	if to != TaskFinished {
		te.sharedBuffer.ForceFinish()
	}

	if te.metrics != nil {
		lifetime := finished.Sub(started)
		if started.IsZero() {
			lifetime = 0
		}
		te.metrics.RecordTaskTerminal(to.String(), lifetime)
	}

	te.monitor.StateChanged(te.taskId, from, to)

	if te.snapshot != nil {
		info := te.buildTaskInfo(te.version.Add(1))
		go func() {
			if err := te.snapshot.SaveSnapshot(context.Background(), info); err != nil {
				slog.Error("task: failed to persist terminal snapshot", "task_id", te.taskId, "error", err)
			}
		}()
	}

	te.stateMachine.Close()
}

// TaskId returns the task's identifier.
func (te *TaskExecution) TaskId() TaskId { return te.taskId }

// State returns the task's current state without running a completion
// check — a cheap read for callers (like a registry sweep) that don't
// need the side effect of advancing toward FINISHED.
func (te *TaskExecution) State() TaskState {
	return te.stateMachine.GetState()
}
