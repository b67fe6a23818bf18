package consumer

import (
	"sync"
	"time"

	"github.com/budiholan-github/enhance-kafka-client/logger"
)

// retryScheduler runs deferred tasks: locally-retried batches and worker-pool
// re-submissions. A scheduled task is never dropped while the scheduler is
// running; tasks scheduled after Stop run detached so they still execute.
type retryScheduler struct {
	logger logger.Logger

	mu      sync.Mutex
	stopped bool
	timers  map[*time.Timer]struct{}
	wg      sync.WaitGroup
}

func newRetryScheduler(l logger.Logger) *retryScheduler {
	return &retryScheduler{
		logger: l.With("component", "retry-scheduler"),
		timers: make(map[*time.Timer]struct{}),
	}
}

// Schedule runs fn after delay.
func (s *retryScheduler) Schedule(delay time.Duration, fn func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.logger.Warn("Schedule after stop, running task detached", "delay", delay)
		go func() {
			time.Sleep(delay)
			fn()
		}()
		return
	}

	s.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer s.wg.Done()

		s.mu.Lock()
		delete(s.timers, timer)
		s.mu.Unlock()

		fn()
	})
	s.timers[timer] = struct{}{}
	s.mu.Unlock()
}

// Stop cancels pending timers. Tasks already firing are allowed to finish.
func (s *retryScheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true

	for timer := range s.timers {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, timer)
	}
	s.mu.Unlock()

	s.wg.Wait()
}
