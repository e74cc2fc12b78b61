package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/arangobackup/dumpclient/internal/wireapi"
)

type fakeClient struct{}

func (fakeClient) Request(context.Context, string, string, map[string]string, []byte) (wireapi.Response, error) {
	return nil, nil
}

func factory() wireapi.Client { return fakeClient{} }

type countingJob struct {
	n *int64
}

func (j countingJob) Run(context.Context, wireapi.Client) Result {
	atomic.AddInt64(j.n, 1)
	return Result{}
}

func TestQueueRunsAllJobs(t *testing.T) {
	q := New(factory)
	var n int64
	for i := 0; i < 10; i++ {
		q.Enqueue(countingJob{n: &n})
	}
	if err := q.Run(context.Background(), 3); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt64(&n); got != 10 {
		t.Errorf("expected 10 jobs run, got %d", got)
	}
}

type spawningJob struct {
	q *Queue
	n *int64
}

func (j spawningJob) Run(context.Context, wireapi.Client) Result {
	if atomic.AddInt64(j.n, 1) == 1 {
		j.q.Enqueue(spawningJob{q: j.q, n: j.n})
		j.q.Enqueue(spawningJob{q: j.q, n: j.n})
	}
	return Result{}
}

func TestQueueHandlesJobsThatEnqueueMoreJobs(t *testing.T) {
	q := New(factory)
	var n int64
	q.Enqueue(spawningJob{q: q, n: &n})
	if err := q.Run(context.Background(), 2); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt64(&n); got != 3 {
		t.Errorf("expected 3 total job runs (1 + 2 spawned), got %d", got)
	}
}

type failingJob struct{}

func (failingJob) Run(context.Context, wireapi.Client) Result {
	return Result{Err: errors.New("boom")}
}

type neverRunJob struct {
	ran *int64
}

func (j neverRunJob) Run(context.Context, wireapi.Client) Result {
	atomic.AddInt64(j.ran, 1)
	return Result{}
}

func TestReportErrorClearsRemainingQueue(t *testing.T) {
	q := New(factory)
	q.Enqueue(failingJob{})
	var ran int64
	for i := 0; i < 50; i++ {
		q.Enqueue(neverRunJob{ran: &ran})
	}
	err := q.Run(context.Background(), 1)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := atomic.LoadInt64(&ran); got == 50 {
		t.Error("expected report_error to clear most of the remaining queue, not run every job")
	}
}
