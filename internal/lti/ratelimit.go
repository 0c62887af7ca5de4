package lti

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// launchLimiter throttles launch attempts per client IP with a small token
// bucket. Breaches are security events: a platform never hammers the launch
// endpoint, a token-guessing client might.
type launchLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	rate     float64 // tokens per second
	burst    float64
	events   Recorder
	now      func() time.Time
	useCount uint64
	purgeN   uint64 // drop fully refilled buckets every N calls
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

func newLaunchLimiter(perMinute int, events Recorder) *launchLimiter {
	if perMinute <= 0 {
		perMinute = 30
	}
	if events == nil {
		events = NopRecorder{}
	}
	return &launchLimiter{
		buckets: make(map[string]*bucket, 64),
		rate:    float64(perMinute) / 60.0,
		burst:   float64(perMinute),
		events:  events,
		now:     func() time.Time { return time.Now().UTC() },
		purgeN:  256,
	}
}

func (l *launchLimiter) allow(ctx context.Context, ip string) bool {
	now := l.now()
	l.mu.Lock()
	l.useCount++
	if l.useCount%l.purgeN == 0 {
		l.purgeIdleLocked(now)
	}
	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{tokens: l.burst, lastFill: now}
		l.buckets[ip] = b
	}
	b.tokens += now.Sub(b.lastFill).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now
	allowed := b.tokens >= 1
	if allowed {
		b.tokens--
	}
	l.mu.Unlock()

	if !allowed {
		l.events.SecurityEvent(ctx, SecurityEvent{
			Type:        EventRateLimited,
			Severity:    SeverityMedium,
			IPAddress:   ip,
			Description: "launch rate limit exceeded",
		})
	}
	return allowed
}

// purgeIdleLocked drops buckets idle long enough to have fully refilled.
// Such a bucket is indistinguishable from a fresh one, so forgetting it
// keeps the map bounded by recently active clients. Caller holds mu.
func (l *launchLimiter) purgeIdleLocked(now time.Time) {
	for ip, b := range l.buckets {
		if now.Sub(b.lastFill).Seconds()*l.rate >= l.burst {
			delete(l.buckets, ip)
		}
	}
}

// middleware rejects over-limit requests with 429.
func (l *launchLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(r.Context(), clientIP(r)) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
