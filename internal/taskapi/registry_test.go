package taskapi

import (
	"testing"
	"time"

	"github.com/sqlshard/taskworker/internal/task"
)

type countingGauge struct {
	counts []int
}

func (g *countingGauge) SetActiveTasks(count int) {
	g.counts = append(g.counts, count)
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry(time.Minute, nil)
	defer r.Close()

	te, executor := newTestTask(t, "t1", make(chan struct{}))
	defer executor.Close()
	r.Register(te)

	got, ok := r.Get("t1")
	if !ok || got != te {
		t.Fatalf("expected to get back the registered task, ok=%v", ok)
	}

	if _, ok := r.Get("missing"); ok {
		t.Fatal("expected Get to report false for an unregistered id")
	}
}

func TestRegistry_CountAndGaugeUpdates(t *testing.T) {
	gauge := &countingGauge{}
	r := NewRegistry(time.Minute, gauge)
	defer r.Close()

	te, executor := newTestTask(t, "t1", make(chan struct{}))
	defer executor.Close()
	r.Register(te)

	if r.Count() != 1 {
		t.Fatalf("expected count 1, got %d", r.Count())
	}
	if len(gauge.counts) == 0 || gauge.counts[len(gauge.counts)-1] != 1 {
		t.Fatalf("expected gauge to have observed count 1, got %v", gauge.counts)
	}
}

func TestRegistry_SweepRemovesTaskAfterGrace(t *testing.T) {
	r := &Registry{
		entries:         make(map[task.TaskId]*registryEntry),
		deregisterGrace: 20 * time.Millisecond,
	}

	release := make(chan struct{})
	te, executor := newTestTask(t, "t1", release)
	defer executor.Close()
	r.Register(te)
	te.Cancel()

	// First sweep observes the terminal state and records terminalAt but
	// must not remove the entry yet.
	r.sweepOnce()
	if _, ok := r.Get("t1"); !ok {
		t.Fatal("expected the task to survive the first sweep (grace period not yet elapsed)")
	}

	time.Sleep(30 * time.Millisecond)
	r.sweepOnce()

	if _, ok := r.Get("t1"); ok {
		t.Fatal("expected the task to be removed once the grace period elapsed")
	}
	close(release)
}
