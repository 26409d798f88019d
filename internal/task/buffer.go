package task

import (
	"sync"
	"time"
)

// BufferResult is the response to one getResults call: a contiguous run of
// pages starting at the requested sequence id, plus whether the queue will
// ever produce more.
type BufferResult struct {
	Pages          []Page
	SequenceIds    []int64
	NextSequenceId int64
	BufferComplete bool
}

type outputQueue struct {
	nextSeq int64
	aborted bool
}

func (q *outputQueue) drained(horizon int64) bool {
	return q.aborted || q.nextSeq >= horizon
}

// SharedOutputBuffer multiplexes a single producer's pages to multiple
// independently-acknowledging remote consumers. Queues may be registered
// before or after pages are appended; a page is retained until every
// queue that will ever exist has consumed past it.
type SharedOutputBuffer struct {
	maxBufferBytes int64

	mu            sync.Mutex
	pages         []Page
	baseSeq       int64 // sequence id of pages[0]
	bufferedBytes int64
	queues        map[OutputId]*outputQueue
	noMoreQueues  bool
	finishCalled  bool

	waitCh chan struct{} // closed and replaced whenever observable state changes
}

// NewSharedOutputBuffer creates an empty buffer. maxBufferBytes bounds
// retained (not yet fully-acknowledged) page bytes; zero means unbounded.
func NewSharedOutputBuffer(maxBufferBytes int64) *SharedOutputBuffer {
	return &SharedOutputBuffer{
		maxBufferBytes: maxBufferBytes,
		queues:         make(map[OutputId]*outputQueue),
		waitCh:         make(chan struct{}),
	}
}

func (b *SharedOutputBuffer) wake() {
	old := b.waitCh
	b.waitCh = make(chan struct{})
	close(old)
}

// AddQueue registers a new consumer. Returns ErrOutputsClosed if
// NoMoreQueues has already been called.
func (b *SharedOutputBuffer) AddQueue(outputId OutputId) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.noMoreQueues {
		return ErrOutputsClosed
	}
	if _, exists := b.queues[outputId]; exists {
		return nil
	}
	b.queues[outputId] = &outputQueue{nextSeq: b.baseSeq}
	b.wake()
	return nil
}

// NoMoreQueues marks the set of consumers closed: no further AddQueue call
// will succeed, and it becomes possible for the buffer to reach Finished.
func (b *SharedOutputBuffer) NoMoreQueues() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.noMoreQueues {
		return
	}
	b.noMoreQueues = true
	b.truncateLocked()
	b.wake()
}

// Append adds a page produced by the task's output driver(s). It returns
// whether the buffer is now at or past maxBufferBytes (zero means
// unbounded, and Append never reports full): the driver's own ProcessFor
// loop is expected to check this and, when true, return a pending Future
// instead of producing further pages, per §5's "blocked on … buffer
// space."  Until Finish has been called, Append retains the page regardless
// of the return value — it has already been produced and there is nowhere
// else to put it. After Finish, the page is dropped and Append returns
// false.
func (b *SharedOutputBuffer) Append(page Page) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finishCalled {
		return false
	}
	b.pages = append(b.pages, page)
	b.bufferedBytes += page.Bytes
	b.wake()
	return b.maxBufferBytes > 0 && b.bufferedBytes >= b.maxBufferBytes
}

// Abort discards a queue. Never fails — an abort on an unknown or
// already-aborted id is a no-op.
func (b *SharedOutputBuffer) Abort(outputId OutputId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[outputId]
	if !ok {
		return
	}
	q.aborted = true
	b.truncateLocked()
	b.wake()
}

// Finish signals no more pages will ever be appended. Idempotent.
func (b *SharedOutputBuffer) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finishCalled {
		return
	}
	b.finishCalled = true
	b.wake()
}

// IsFinished reports whether Finish and NoMoreQueues have both been
// called and every queue has drained or been aborted.
func (b *SharedOutputBuffer) IsFinished() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isFinishedLocked()
}

func (b *SharedOutputBuffer) isFinishedLocked() bool {
	if !b.finishCalled || !b.noMoreQueues {
		return false
	}
	horizon := b.baseSeq + int64(len(b.pages))
	for _, q := range b.queues {
		if !q.drained(horizon) {
			return false
		}
	}
	return true
}

// truncateLocked drops pages every live, non-aborted queue has consumed
// past. Only meaningful once noMoreQueues is set: until then an
// as-yet-unregistered queue could still need the full backlog.
func (b *SharedOutputBuffer) truncateLocked() {
	if !b.noMoreQueues || len(b.pages) == 0 {
		return
	}
	min := b.baseSeq + int64(len(b.pages))
	for _, q := range b.queues {
		if q.aborted {
			continue
		}
		if q.nextSeq < min {
			min = q.nextSeq
		}
	}
	if min <= b.baseSeq {
		return
	}
	drop := min - b.baseSeq
	if drop > int64(len(b.pages)) {
		drop = int64(len(b.pages))
	}
	for _, p := range b.pages[:drop] {
		b.bufferedBytes -= p.Bytes
	}
	b.pages = b.pages[drop:]
	b.baseSeq += drop
}

// Get is the long-poll read: it returns immediately with whatever is
// available at or after startingSequenceId, or waits up to maxWait for
// more pages or for the buffer to finish.
func (b *SharedOutputBuffer) Get(outputId OutputId, startingSequenceId int64, maxSize int64, maxWait time.Duration) (BufferResult, error) {
	if maxSize <= 0 {
		return BufferResult{}, ErrNonPositiveMaxSize
	}

	deadline := time.Now().Add(maxWait)
	for {
		result, wait, ok := b.tryGet(outputId, startingSequenceId, maxSize)
		if ok {
			return result, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return BufferResult{NextSequenceId: startingSequenceId}, nil
		}
		if remaining > 0 {
			timer := time.NewTimer(remaining)
			select {
			case <-wait:
			case <-timer.C:
			}
			timer.Stop()
		}
	}
}

// tryGet attempts one non-blocking read. ok is false when the caller
// should wait on the returned channel (or timeout) and retry. The returned
// pages never exceed maxSize bytes, except that at least one page past
// startingSequenceId is always returned regardless of its size.
func (b *SharedOutputBuffer) tryGet(outputId OutputId, startingSequenceId, maxSize int64) (BufferResult, <-chan struct{}, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, exists := b.queues[outputId]
	if !exists {
		if b.noMoreQueues {
			return BufferResult{NextSequenceId: startingSequenceId, BufferComplete: true}, nil, true
		}
		return BufferResult{}, b.waitCh, false
	}

	// An aborted queue's backlog is excluded from the truncation floor, so
	// baseSeq may have advanced past q.nextSeq; check this before touching
	// the page slice to avoid a negative offset.
	if q.aborted {
		return BufferResult{NextSequenceId: q.nextSeq, BufferComplete: true}, nil, true
	}

	if startingSequenceId > q.nextSeq {
		q.nextSeq = startingSequenceId
		b.truncateLocked()
	}

	horizon := b.baseSeq + int64(len(b.pages))
	if q.nextSeq < horizon {
		offset := q.nextSeq - b.baseSeq
		available := b.pages[offset:]

		// Always return at least one page past startingSequenceId; beyond
		// that, stop accumulating once maxSize would be exceeded.
		n := 1
		size := available[0].Bytes
		for n < len(available) {
			next := size + available[n].Bytes
			if next > maxSize {
				break
			}
			size = next
			n++
		}
		pages := available[:n]

		ids := make([]int64, len(pages))
		for i := range pages {
			ids[i] = q.nextSeq + int64(i)
		}
		return BufferResult{
			Pages:          pages,
			SequenceIds:    ids,
			NextSequenceId: q.nextSeq + int64(len(pages)),
		}, nil, true
	}

	if b.finishCalled {
		return BufferResult{NextSequenceId: q.nextSeq, BufferComplete: true}, nil, true
	}

	return BufferResult{}, b.waitCh, false
}

// ForceFinish marks the buffer finished and its queue set closed, and
// discards every live queue's backlog. Used for abnormal termination
// (cancel/fail/abort), where no further output will ever be consumed and
// outstanding or future getResults calls must unblock immediately rather
// than wait on a producer that will never append again. Idempotent.
func (b *SharedOutputBuffer) ForceFinish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finishCalled = true
	b.noMoreQueues = true
	for _, q := range b.queues {
		q.aborted = true
	}
	b.pages = nil
	b.bufferedBytes = 0
	b.wake()
}

// BufferedBytes returns the current retained byte count, for metrics.
func (b *SharedOutputBuffer) BufferedBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bufferedBytes
}

// IsOverCapacity reports whether the buffer is currently at or past
// maxBufferBytes. An output driver's ProcessFor should consult this before
// producing its next page and return a pending Future instead, woken once
// truncateLocked (a consumer acknowledging pages) frees space.
func (b *SharedOutputBuffer) IsOverCapacity() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxBufferBytes > 0 && b.bufferedBytes >= b.maxBufferBytes
}
