// Package scheduler is C9: per-(recorder,ticker) serialization and
// per-account rate limiting. Every signal and reconcile action that
// touches a given key runs through the same lazily-created queue so two
// overlapping signals for the same symbol never race the tracker or
// execution pipeline — generalized from the teacher's single global
// executor mutex (execution/executor.go) to one queue per key, since a
// single engine-wide lock would serialize unrelated symbols for no reason.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Scheduler owns per-key execution queues and per-account rate limiters.
type Scheduler struct {
	mu     sync.Mutex
	queues map[string]*queue

	limiters sync.Map // accountID -> *rate.Limiter

	rpmLimit int
	burst    int

	batchSize  int
	batchDelay time.Duration
}

type queue struct {
	mu   sync.Mutex
	idle chan struct{}
}

func New(rpmLimit, burst, batchSize int, batchDelay time.Duration) *Scheduler {
	return &Scheduler{
		queues:     make(map[string]*queue),
		rpmLimit:   rpmLimit,
		burst:      burst,
		batchSize:  batchSize,
		batchDelay: batchDelay,
	}
}

// Run serializes fn against every other Run call sharing key and returns
// immediately — fn itself runs on its own goroutine once the key's queue
// admits it. Two different keys run concurrently; the same key never
// overlaps. Callers on the webhook path rely on this to hand work off and
// respond 200 without waiting on the broker round-trip (§4.5/§7).
func (s *Scheduler) Run(key string, fn func()) {
	q := s.queueFor(key)
	go func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		fn()
	}()
}

func (s *Scheduler) queueFor(key string) *queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[key]
	if !ok {
		q = &queue{}
		s.queues[key] = q
	}
	return q
}

// Limiter returns the rate.Limiter for accountID, creating one lazily at
// the configured rpm/burst — one limiter per account so a busy account
// never starves a quiet one sharing the same broker base.
func (s *Scheduler) Limiter(accountID string) *rate.Limiter {
	if l, ok := s.limiters.Load(accountID); ok {
		return l.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Limit(float64(s.rpmLimit)/60.0), s.burst)
	actual, _ := s.limiters.LoadOrStore(accountID, l)
	return actual.(*rate.Limiter)
}

// Wait blocks until accountID's limiter admits one more call, or ctx is
// canceled.
func (s *Scheduler) Wait(ctx context.Context, accountID string) error {
	return s.Limiter(accountID).Wait(ctx)
}

// Batch splits items into chunks of batchSize, calling fn for each chunk
// and sleeping batchDelay between chunks, so a fan-out across many traders
// reaches the broker in spaced groups rather than all at once.
func (s *Scheduler) Batch(items []string, fn func(chunk []string)) {
	for i := 0; i < len(items); i += s.batchSize {
		end := i + s.batchSize
		if end > len(items) {
			end = len(items)
		}
		fn(items[i:end])
		if end < len(items) {
			time.Sleep(s.batchDelay)
		}
	}
}
