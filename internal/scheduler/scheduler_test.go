package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunSerializesSameKey(t *testing.T) {
	s := New(600, 10, 10, time.Millisecond)
	var running int32
	var maxConcurrent int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		s.Run("same-key", func() {
			defer wg.Done()
			n := atomic.AddInt32(&running, 1)
			if n > atomic.LoadInt32(&maxConcurrent) {
				atomic.StoreInt32(&maxConcurrent, n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&running, -1)
		})
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxConcurrent)
}

func TestRunAllowsDifferentKeysConcurrently(t *testing.T) {
	s := New(600, 10, 10, time.Millisecond)
	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make(chan string, 2)

	wg.Add(2)
	s.Run("key-a", func() {
		defer wg.Done()
		<-start
		results <- "a"
	})
	s.Run("key-b", func() {
		defer wg.Done()
		<-start
		results <- "b"
	})
	close(start)
	wg.Wait()
	close(results)

	seen := map[string]bool{}
	for r := range results {
		seen[r] = true
	}
	assert.True(t, seen["a"] && seen["b"])
}

func TestRunReturnsBeforeFnCompletes(t *testing.T) {
	s := New(600, 10, 10, time.Millisecond)
	done := make(chan struct{})

	started := time.Now()
	s.Run("async-key", func() {
		time.Sleep(50 * time.Millisecond)
		close(done)
	})
	assert.Less(t, time.Since(started), 50*time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fn never ran")
	}
}

func TestLimiterIsPerAccount(t *testing.T) {
	s := New(60, 1, 10, time.Millisecond)
	a := s.Limiter("acct-a")
	b := s.Limiter("acct-b")
	assert.NotSame(t, a, b)
	assert.Same(t, a, s.Limiter("acct-a"))
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	s := New(1, 1, 10, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	requireNoError(t, s.Wait(ctx, "acct-x")) // consumes the single burst token

	cancel()
	err := s.Wait(ctx, "acct-x")
	assert.Error(t, err)
}

func requireNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBatchChunksWithDelayBetween(t *testing.T) {
	s := New(600, 10, 2, 5*time.Millisecond)
	items := []string{"1", "2", "3", "4", "5"}
	var chunks [][]string
	start := time.Now()
	s.Batch(items, func(chunk []string) {
		cp := append([]string(nil), chunk...)
		chunks = append(chunks, cp)
	})
	elapsed := time.Since(start)

	assert.Equal(t, [][]string{{"1", "2"}, {"3", "4"}, {"5"}}, chunks)
	assert.GreaterOrEqual(t, elapsed, 10*time.Millisecond)
}
