package pool

import "sync"

// SharedQueuePool holds a fixed number of worker goroutines fed from a
// single job queue through a readiness dispatcher: workers
// report back to the dispatcher when idle, rather than each polling its
// own queue, so one slow job cannot cause jobs to pile up behind an
// otherwise-idle worker (head-of-line blocking at a single worker). The
// job queue is an unbuffered channel, not an unbounded one: the
// dispatcher holds at most one job while it waits for an idle worker.
type SharedQueuePool struct {
	jobs chan func()
	wg   sync.WaitGroup
}

// NewSharedQueuePool constructs a pool of n workers. n must be positive.
func NewSharedQueuePool(n int) (*SharedQueuePool, error) {
	if n <= 0 {
		return nil, ErrZeroSizedPool
	}

	p := &SharedQueuePool{
		jobs: make(chan func()),
	}

	ready := make(chan chan func(), n)
	for i := 0; i < n; i++ {
		worker := make(chan func(), 1)
		ready <- worker
		p.wg.Add(1)
		go p.runWorker(worker, ready)
	}
	go dispatch(p.jobs, ready, n)

	return p, nil
}

// dispatch hands each incoming job to whichever worker channel is next in
// the readiness queue, blocking only until some worker is idle. Once the
// job queue is closed and drained, it collects each worker as it reports
// idle and closes it, ending that worker's loop.
func dispatch(jobs <-chan func(), ready chan chan func(), n int) {
	for job := range jobs {
		worker := <-ready
		worker <- job
	}
	for i := 0; i < n; i++ {
		close(<-ready)
	}
}

func (p *SharedQueuePool) runWorker(worker chan func(), ready chan chan func()) {
	defer p.wg.Done()
	for job := range worker {
		runJob(job)
		ready <- worker
	}
}

// Spawn enqueues job to run on the next idle worker. It returns once the
// dispatcher has taken the job, before the job starts. While every worker
// is busy and the dispatcher already holds a job waiting for one, Spawn
// blocks until some worker finishes its current job.
func (p *SharedQueuePool) Spawn(job func()) {
	p.jobs <- job
}

// Close stops accepting new jobs and waits for in-flight and already
// queued jobs to drain, then for every worker goroutine to exit.
func (p *SharedQueuePool) Close() {
	close(p.jobs)
	p.wg.Wait()
}
