package dispatcher

import (
	"context"
	"sync"

	obsmetrics "github.com/smallbiznis/storefront/internal/observability/metrics"
)

// deferredTimeoutFactor scales the inline timeout for effects retried in the
// background.
const deferredTimeoutFactor = 4

// queue is a bounded in-process buffer of timed-out effects. It is best
// effort: jobs are dropped when the buffer is full or the process stops.
type queue struct {
	jobs    chan job
	workers int
	run     func(ctx context.Context, j job)
	metrics *obsmetrics.ProcessorMetrics

	mu      sync.Mutex
	started bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newQueue(size, workers int, run func(ctx context.Context, j job), metrics *obsmetrics.ProcessorMetrics) *queue {
	if size <= 0 {
		size = 1
	}
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &queue{
		jobs:    make(chan job, size),
		workers: workers,
		run:     run,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (q *queue) start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work()
	}
}

func (q *queue) work() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case j := <-q.jobs:
			q.metrics.SetQueueDepth(len(q.jobs))
			q.run(q.ctx, j)
		}
	}
}

// enqueue reports false when the job could not be buffered.
func (q *queue) enqueue(j job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.metrics.IncQueueDropped()
		return false
	}
	select {
	case q.jobs <- j:
		q.metrics.SetQueueDepth(len(q.jobs))
		return true
	default:
		q.metrics.IncQueueDropped()
		return false
	}
}

// stop cancels the workers and returns how many buffered jobs were dropped.
func (q *queue) stop(ctx context.Context) int {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	dropped := 0
	for {
		select {
		case <-q.jobs:
			dropped++
			q.metrics.IncQueueDropped()
		default:
			q.metrics.SetQueueDepth(0)
			return dropped
		}
	}
}

func (q *queue) depth() int {
	return len(q.jobs)
}
