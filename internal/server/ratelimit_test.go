package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func fixedClock(rl *rateLimiter, start time.Time) *time.Time {
	now := start
	rl.now = func() time.Time { return now }
	return &now
}

func TestRateLimiterPerHost(t *testing.T) {
	rl := newRateLimiter(rate.Limit(1), 2)
	now := fixedClock(rl, t0)

	for i := range 2 {
		if _, ok := rl.allow("10.0.0.1"); !ok {
			t.Fatalf("request %d within burst refused", i)
		}
	}
	wait, ok := rl.allow("10.0.0.1")
	if ok {
		t.Fatal("request over burst allowed")
	}
	if wait != time.Second {
		t.Errorf("retry after %s, want 1s", wait)
	}
	if _, ok := rl.allow("10.0.0.2"); !ok {
		t.Error("second host shares the first one's bucket")
	}

	// A refused request does not consume the token that refills.
	*now = now.Add(time.Second)
	if _, ok := rl.allow("10.0.0.1"); !ok {
		t.Error("token not refilled after one second")
	}
	if _, ok := rl.allow("10.0.0.1"); ok {
		t.Error("more than one token refilled")
	}
}

func TestRateLimiterZeroBurst(t *testing.T) {
	rl := newRateLimiter(rate.Limit(1), 0)
	if _, ok := rl.allow("h"); ok {
		t.Error("zero burst allowed a request")
	}
}

func TestRateLimiterEvictIdle(t *testing.T) {
	rl := newRateLimiter(rate.Limit(1), 1)
	now := fixedClock(rl, t0)
	rl.allow("old")
	*now = now.Add(time.Hour)
	rl.allow("fresh")

	if n := rl.evictIdle(10 * time.Minute); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if rl.hosts() != 1 {
		t.Fatalf("hosts = %d, want 1", rl.hosts())
	}
	rl.mu.Lock()
	_, kept := rl.buckets["fresh"]
	rl.mu.Unlock()
	if !kept {
		t.Error("fresh host evicted")
	}
}

func TestRateLimiterRunEvictionStops(t *testing.T) {
	rl := newRateLimiter(rate.Limit(1), 1)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	rl.runEviction(ctx, &wg, time.Millisecond, 0)

	rl.allow("10.0.0.1")
	deadline := time.Now().Add(5 * time.Second)
	for rl.hosts() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := rl.hosts(); n != 0 {
		t.Errorf("hosts = %d, want 0 after eviction ran", n)
	}

	cancel()
	wg.Wait()
}
