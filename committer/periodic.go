package committer

import (
	"sync"
	"time"
)

var _ Policy = (*Periodic)(nil)

type PeriodicConfig struct {
	MaxInterval time.Duration
	MaxCount    int
}

type PeriodicOption func(*PeriodicConfig)

func WithMaxInterval(d time.Duration) PeriodicOption {
	return func(cfg *PeriodicConfig) {
		cfg.MaxInterval = d
	}
}

func WithMaxCount(c int) PeriodicOption {
	return func(cfg *PeriodicConfig) {
		cfg.MaxCount = c
	}
}

// Periodic persists once MaxCount acks accumulate or MaxInterval elapses
// since the last persist, whichever comes first.
type Periodic struct {
	c           PeriodicConfig
	count       int
	lastPersist time.Time

	mu sync.Mutex
}

func NewPeriodic(opts ...PeriodicOption) *Periodic {
	cfg := PeriodicConfig{
		MaxInterval: time.Second,
		MaxCount:    100,
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	return &Periodic{
		c:           cfg,
		lastPersist: time.Now(),
	}
}

func (p *Periodic) RecordAcked(count int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.count += count
}

func (p *Periodic) ShouldPersist() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.count >= p.c.MaxCount || time.Since(p.lastPersist) >= p.c.MaxInterval
}

func (p *Periodic) Persisted(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ok {
		p.count = 0
		p.lastPersist = time.Now()
	}
}
