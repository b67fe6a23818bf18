package consumer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/budiholan-github/enhance-kafka-client/logger"
)

// ErrPoolFull is returned by TrySubmit when the task queue is at capacity;
// the dispatcher reroutes the task through the retry scheduler.
var ErrPoolFull = errors.New("worker pool queue is full")

// ErrPoolStopped is returned by TrySubmit after Stop.
var ErrPoolStopped = errors.New("worker pool is stopped")

// workerPool executes task requests on a fixed set of goroutines fed from a
// bounded FIFO queue.
type workerPool struct {
	workers int
	tasks   chan *taskRequest
	logger  logger.Logger

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func newWorkerPool(workers, queueSize int, l logger.Logger) *workerPool {
	return &workerPool{
		workers: workers,
		tasks:   make(chan *taskRequest, queueSize),
		logger:  l.With("component", "worker-pool"),
		stopCh:  make(chan struct{}),
	}
}

func (p *workerPool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
	p.logger.Debug("Worker pool started", "workers", p.workers, "queue", cap(p.tasks))
}

func (p *workerPool) run(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case task := <-p.tasks:
			task.run(ctx)
		}
	}
}

// TrySubmit enqueues a task without blocking.
func (p *workerPool) TrySubmit(task *taskRequest) error {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()

	if stopped {
		return ErrPoolStopped
	}

	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrPoolFull
	}
}

// QueueDepth returns the number of queued, not yet running tasks.
func (p *workerPool) QueueDepth() int {
	return len(p.tasks)
}

// Stop shuts the pool down. With a positive timeout the workers drain their
// current task and exit; queued tasks are abandoned either way.
func (p *workerPool) Stop(timeout time.Duration) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	p.mu.Unlock()

	if timeout <= 0 {
		return
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Debug("Worker pool stopped")
	case <-time.After(timeout):
		p.logger.Warn("Timeout waiting for workers to stop")
	}
}
