package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

var errTransient = errors.New("transient")

func TestRunBatch_ResultsInTaskOrder(t *testing.T) {
	p, err := New(Config{Workers: 4, QueueSize: 2}, func(ctx context.Context, task *Task) *Result {
		n := task.Payload.(int)
		time.Sleep(time.Duration(10-n) * time.Millisecond)
		return &Result{Success: true, Data: n * n}
	}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p.Start()
	defer p.Stop()

	var tasks []*Task
	for i := 0; i < 10; i++ {
		tasks = append(tasks, &Task{ID: fmt.Sprintf("t%d", i), Payload: i})
	}

	results, err := p.RunBatch(context.Background(), tasks)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	for i, r := range results {
		if r.TaskID != tasks[i].ID || r.Data.(int) != i*i {
			t.Errorf("result %d = %+v", i, r)
		}
	}
	if s := p.Stats(); s.TasksCompleted != 10 || s.TasksFailed != 0 {
		t.Errorf("unexpected stats: %+v", s)
	}
}

func TestRunBatch_RetriesTransientFailures(t *testing.T) {
	var calls int32
	p, _ := New(Config{Workers: 1, MaxRetries: 3, RetryDelay: time.Millisecond}, func(ctx context.Context, task *Task) *Result {
		if atomic.AddInt32(&calls, 1) < 3 {
			return &Result{Error: errTransient}
		}
		return &Result{Success: true}
	}, nil)
	p.Start()
	defer p.Stop()

	r, err := p.SubmitWait(context.Background(), &Task{ID: "t"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !r.Success || r.Attempts != 3 {
		t.Fatalf("expected success on attempt 3, got %+v", r)
	}
}

func TestRunBatch_NonRetryableStopsImmediately(t *testing.T) {
	errBad := errors.New("malformed")
	var calls int32
	p, _ := New(Config{
		Workers: 1, MaxRetries: 5, RetryDelay: time.Millisecond,
		Retryable: func(err error) bool { return !errors.Is(err, errBad) },
	}, func(ctx context.Context, task *Task) *Result {
		atomic.AddInt32(&calls, 1)
		return &Result{Error: errBad}
	}, nil)
	p.Start()
	defer p.Stop()

	r, err := p.SubmitWait(context.Background(), &Task{ID: "t"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if r.Success || !errors.Is(r.Error, errBad) {
		t.Fatalf("expected errBad, got %+v", r)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected one call, got %d", n)
	}
}

func TestSubmit_AfterStop(t *testing.T) {
	p, _ := New(Config{Workers: 1}, func(ctx context.Context, task *Task) *Result {
		return &Result{Success: true}
	}, nil)
	p.Start()
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := p.Submit(&Task{ID: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if _, err := p.SubmitWait(context.Background(), &Task{ID: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
