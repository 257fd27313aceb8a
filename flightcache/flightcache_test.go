package flightcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetSet(t *testing.T) {
	c := New(time.Minute, time.Minute)

	if _, ok := c.Get("missing"); ok {
		t.Fatal("unexpected hit on empty cache")
	}

	c.Set("k", 42, 0)
	v, ok := c.Get("k")
	if !ok || v.(int) != 42 {
		t.Fatalf("got %v/%v, want 42/true", v, ok)
	}
}

func TestExpiry(t *testing.T) {
	c := New(time.Minute, time.Minute)
	c.Set("k", "v", 20*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatal("entry should have expired")
	}
}

func TestGetOrSetSingleFlight(t *testing.T) {
	c := New(time.Minute, time.Minute)
	var computes atomic.Int64
	release := make(chan struct{})

	compute := func(ctx context.Context) (any, error) {
		computes.Add(1)
		<-release
		return "result", nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]any, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrSet(context.Background(), "expensive", time.Minute, compute)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = v
		}(i)
	}

	// Let all callers pile up on the same key before releasing compute.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := computes.Load(); got != 1 {
		t.Fatalf("compute ran %d times, want 1 (single-flight)", got)
	}
	for i, v := range results {
		if v != "result" {
			t.Fatalf("caller %d got %v", i, v)
		}
	}
}

func TestGetOrSetErrorNotCached(t *testing.T) {
	c := New(time.Minute, time.Minute)
	var calls atomic.Int64

	fail := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, context.DeadlineExceeded
	}
	if _, err := c.GetOrSet(context.Background(), "k", time.Minute, fail); err == nil {
		t.Fatal("expected error")
	}
	if _, err := c.GetOrSet(context.Background(), "k", time.Minute, fail); err == nil {
		t.Fatal("expected error on second call")
	}
	if calls.Load() != 2 {
		t.Fatalf("errors must not be cached, compute called %d times", calls.Load())
	}
}

func TestInvalidatePrefix(t *testing.T) {
	c := New(time.Minute, time.Minute)
	c.Set("rank:30:1", 1, 0)
	c.Set("rank:30:2", 2, 0)
	c.Set("bench:30", 3, 0)

	c.InvalidatePrefix("rank:")

	if _, ok := c.Get("rank:30:1"); ok {
		t.Fatal("rank:30:1 should be gone")
	}
	if _, ok := c.Get("rank:30:2"); ok {
		t.Fatal("rank:30:2 should be gone")
	}
	if _, ok := c.Get("bench:30"); !ok {
		t.Fatal("bench:30 should survive")
	}
}
