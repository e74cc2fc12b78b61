// Package queue implements the Task Queue & Worker Pool of section
// 4.F: a FIFO job queue consumed by N client-worker threads, each
// owning one long-lived HTTP client, with report_error semantics that
// both record a failure and clear the remaining queue.
//
// Grounded on the teacher's coordinator.Run/worker pair (tasks chan,
// sync.WaitGroup, mutex-protected error accumulation), generalized
// from a fixed manifest.FileMeta channel to an open-ended queue that
// jobs can append to while running (§4.E's PerCollection job spawning
// PerShard jobs), which is why this uses a mutex+slice queue instead
// of a pre-closed channel: the teacher's design sends all tasks before
// closing the channel, but this queue must accept new work from
// in-flight workers.
package queue

import (
	"context"
	"sync"

	"github.com/arangobackup/dumpclient/internal/wireapi"
)

// Result is the outcome of running one Job.
type Result struct {
	Err error
}

// Job is the uniform operation every Dump Job variant implements
// (§4.E).
type Job interface {
	Run(ctx context.Context, client wireapi.Client) Result
}

// Queue is the FIFO job queue and worker pool.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	jobs    []Job
	closed  bool
	pending int // jobs enqueued but not yet completed

	errMu sync.Mutex
	errs  []error

	factory wireapi.Factory
}

// New creates a Queue whose workers each build their HTTP client via
// factory (§4.F: "each worker owns one HTTP client").
func New(factory wireapi.Factory) *Queue {
	q := &Queue{factory: factory}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends a job to the queue. Safe to call from a running
// worker (to fan out PerShard jobs from a PerCollection job) as well
// as from the orchestrator before Run starts.
func (q *Queue) Enqueue(j Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.jobs = append(q.jobs, j)
	q.pending++
	q.cond.Broadcast()
}

// Run starts n workers and blocks until the queue is idle (every
// enqueued job has been consumed) or a job reports a fatal error,
// whichever happens first. It returns the first recorded error, if
// any (§4.F, §7: "the orchestrator returns the first recorded error").
func (q *Queue) Run(ctx context.Context, n int) error {
	if n < 1 {
		n = 1
	}
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			q.worker(ctx)
		}()
	}
	q.waitForIdle()
	q.shutdown()
	wg.Wait()
	return q.firstError()
}

func (q *Queue) worker(ctx context.Context) {
	client := q.factory()
	for {
		j, ok := q.pop()
		if !ok {
			return
		}
		result := j.Run(ctx, client)
		q.complete()
		if result.Err != nil {
			q.reportError(result.Err)
		}
	}
}

func (q *Queue) pop() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.jobs) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.jobs) == 0 {
		return nil, false
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	return j, true
}

func (q *Queue) complete() {
	q.mu.Lock()
	q.pending--
	idle := q.pending <= 0 && len(q.jobs) == 0
	q.mu.Unlock()
	if idle {
		q.cond.Broadcast()
	}
}

// waitForIdle blocks until every enqueued job has been consumed
// (§4.F's wait_for_idle).
func (q *Queue) waitForIdle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.pending > 0 || len(q.jobs) > 0 {
		q.cond.Wait()
	}
}

func (q *Queue) shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// reportError records err and clears the remaining queue so that
// subsequent pops return promptly, matching §4.F's report_error
// contract.
func (q *Queue) reportError(err error) {
	q.errMu.Lock()
	q.errs = append(q.errs, err)
	q.errMu.Unlock()

	q.mu.Lock()
	dropped := len(q.jobs)
	q.pending -= dropped
	q.jobs = nil
	idle := q.pending <= 0
	q.mu.Unlock()
	if idle {
		q.cond.Broadcast()
	}
}

func (q *Queue) firstError() error {
	q.errMu.Lock()
	defer q.errMu.Unlock()
	if len(q.errs) == 0 {
		return nil
	}
	return q.errs[0]
}

// Errors returns every recorded error, for callers that need the full
// aggregate (force=true mode across databases, §7).
func (q *Queue) Errors() []error {
	q.errMu.Lock()
	defer q.errMu.Unlock()
	return append([]error{}, q.errs...)
}
