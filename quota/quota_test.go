package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLimiterAllowUpToLimit(t *testing.T) {
	l := NewLimiter(NewMemoryCounter(), 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !l.Allow(ctx, "user-1") {
			t.Fatalf("request %d denied under limit", i+1)
		}
	}
	if l.Allow(ctx, "user-1") {
		t.Error("request over limit allowed")
	}
	// Other keys are independent.
	if !l.Allow(ctx, "user-2") {
		t.Error("separate key denied")
	}
}

func TestLimiterWindowReset(t *testing.T) {
	l := NewLimiter(NewMemoryCounter(), 1, 20*time.Millisecond)
	ctx := context.Background()

	if !l.Allow(ctx, "user-1") {
		t.Fatal("first request denied")
	}
	if l.Allow(ctx, "user-1") {
		t.Fatal("second request in window allowed")
	}
	time.Sleep(30 * time.Millisecond)
	if !l.Allow(ctx, "user-1") {
		t.Error("request after window expiry denied")
	}
}

func TestLimiterZeroLimitDisables(t *testing.T) {
	l := NewLimiter(NewMemoryCounter(), 0, time.Minute)
	for i := 0; i < 100; i++ {
		if !l.Allow(context.Background(), "user-1") {
			t.Fatal("disabled limiter denied a request")
		}
	}
}

type failingCounter struct{}

func (failingCounter) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("counter backend down")
}

func TestLimiterFailsOpen(t *testing.T) {
	l := NewLimiter(failingCounter{}, 1, time.Minute)
	for i := 0; i < 5; i++ {
		if !l.Allow(context.Background(), "user-1") {
			t.Fatal("limiter must fail open when the counter backend errors")
		}
	}
}

func TestMemoryCounterConcurrent(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Incr(ctx, "shared", time.Minute)
		}()
	}
	wg.Wait()

	n, err := c.Incr(ctx, "shared", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 51 {
		t.Errorf("count = %d, want 51", n)
	}
}
