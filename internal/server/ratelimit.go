package server

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// hostBucket is the token bucket of one client host.
type hostBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// rateLimiter keeps a token bucket per client host for runQuery.
type rateLimiter struct {
	rate  rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*hostBucket
}

func newRateLimiter(r rate.Limit, burst int) *rateLimiter {
	return &rateLimiter{
		rate:    r,
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*hostBucket),
	}
}

// allow takes a token for host. When none is available it returns how long
// until one will be, without consuming anything.
func (rl *rateLimiter) allow(host string) (time.Duration, bool) {
	now := rl.now()

	rl.mu.Lock()
	b, ok := rl.buckets[host]
	if !ok {
		b = &hostBucket{lim: rate.NewLimiter(rl.rate, rl.burst)}
		rl.buckets[host] = b
	}
	b.seen = now
	rl.mu.Unlock()

	res := b.lim.ReserveN(now, 1)
	if !res.OK() {
		return 0, false
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return wait, false
	}
	return 0, true
}

func (rl *rateLimiter) hosts() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// evictIdle drops buckets of hosts not seen within idle. A host that comes
// back starts with a full bucket.
func (rl *rateLimiter) evictIdle(idle time.Duration) int {
	cutoff := rl.now().Add(-idle)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for host, b := range rl.buckets {
		if b.seen.Before(cutoff) {
			delete(rl.buckets, host)
			n++
		}
	}
	return n
}

// runEviction calls evictIdle every interval until ctx is done.
func (rl *rateLimiter) runEviction(ctx context.Context, wg *sync.WaitGroup, interval, idle time.Duration) {
	wg.Go(func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				rl.evictIdle(idle)
			}
		}
	})
}
