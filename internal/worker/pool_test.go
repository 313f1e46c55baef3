package worker

import (
	"sync/atomic"
	"testing"
	"time"
)

type countingTask struct {
	runs  atomic.Int32
	limit int32
	delay time.Duration
	done  chan struct{}
}

func (c *countingTask) Process(now time.Time) time.Duration {
	n := c.runs.Add(1)
	if n >= c.limit {
		close(c.done)
		return Done
	}
	return c.delay
}

func TestPoolRunsTaskRepeatedly(t *testing.T) {
	p := NewPool(2)
	p.Start()
	defer p.Stop()

	task := &countingTask{limit: 3, delay: time.Millisecond, done: make(chan struct{})}
	p.Add(task)

	select {
	case <-task.done:
	case <-time.After(time.Second):
		t.Fatalf("task did not complete in time, ran %d times", task.runs.Load())
	}

	if task.runs.Load() != 3 {
		t.Fatalf("expected exactly 3 runs, got %d", task.runs.Load())
	}
}

func TestPoolStopPreventsFurtherRuns(t *testing.T) {
	p := NewPool(1)
	p.Start()

	task := &countingTask{limit: 1000, delay: time.Millisecond, done: make(chan struct{})}
	p.Add(task)

	time.Sleep(20 * time.Millisecond)
	p.Stop()

	countAtStop := task.runs.Load()
	time.Sleep(50 * time.Millisecond)

	if task.runs.Load() > countAtStop+1 {
		t.Fatalf("task kept running after Stop: before=%d after=%d", countAtStop, task.runs.Load())
	}
}
