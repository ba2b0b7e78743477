package api

import (
	"sync"
	"time"
)

const (
	limiterIdleTTL     = 10 * time.Minute
	limiterSweepEvery  = time.Minute
	limiterMaxKeys     = 10000
	activitySweepEvery = 5 * time.Minute
)

// requestLimiter hands out attempts per key. Each key starts with a full
// bucket of capacity attempts which refills evenly over the refill window.
type requestLimiter struct {
	mu        sync.Mutex
	capacity  float64
	perSecond float64
	keys      map[string]*attempts
	lastSweep time.Time
	now       func() time.Time
}

type attempts struct {
	left float64
	seen time.Time
}

func newLimiter(capacity int, refill time.Duration) *requestLimiter {
	if capacity < 1 {
		capacity = 1
	}
	if refill <= 0 {
		refill = time.Minute
	}
	return &requestLimiter{
		capacity:  float64(capacity),
		perSecond: float64(capacity) / refill.Seconds(),
		keys:      map[string]*attempts{},
		now:       time.Now,
	}
}

func (l *requestLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastSweep) >= limiterSweepEvery {
		l.sweep(now)
		l.lastSweep = now
	}
	a, ok := l.keys[key]
	if !ok {
		if len(l.keys) >= limiterMaxKeys {
			l.evictOldest()
		}
		a = &attempts{left: l.capacity, seen: now}
		l.keys[key] = a
	}
	a.left += now.Sub(a.seen).Seconds() * l.perSecond
	if a.left > l.capacity {
		a.left = l.capacity
	}
	a.seen = now
	if a.left < 1 {
		return false
	}
	a.left--
	return true
}

func (l *requestLimiter) sweep(now time.Time) {
	for key, a := range l.keys {
		if now.Sub(a.seen) > limiterIdleTTL {
			delete(l.keys, key)
		}
	}
}

func (l *requestLimiter) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, a := range l.keys {
		if oldestKey == "" || a.seen.Before(oldest) {
			oldestKey, oldest = key, a.seen
		}
	}
	delete(l.keys, oldestKey)
}

// sessionActivity remembers when each session last had its expiry pushed out
// so busy clients do not write to the sessions table on every request.
type sessionActivity struct {
	mu        sync.Mutex
	last      map[string]time.Time
	lastSweep time.Time
}

func newSessionActivity() *sessionActivity {
	return &sessionActivity{last: map[string]time.Time{}}
}

func (sa *sessionActivity) shouldUpdate(id string, now time.Time, interval time.Duration) bool {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	if now.Sub(sa.lastSweep) >= activitySweepEvery {
		for k, t := range sa.last {
			if now.Sub(t) > activitySweepEvery {
				delete(sa.last, k)
			}
		}
		sa.lastSweep = now
	}
	if prev, ok := sa.last[id]; ok && now.Sub(prev) < interval {
		return false
	}
	sa.last[id] = now
	return true
}
