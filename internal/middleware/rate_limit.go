package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"emoji-chat/internal/observability"

	"golang.org/x/time/rate"
)

const (
	// Buckets kept before the oldest half is evicted
	maxLimiters     = 10000
	sweepInterval   = 5 * time.Minute
	idleLimiterTTL  = 15 * time.Minute
	userKeyPrefix   = "user:"
	remoteKeyPrefix = "ip:"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles API calls with one token bucket per caller. Callers
// are identified by user id once authenticated, by remote address otherwise.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	now     func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRateLimiter starts a limiter allowing perSecond requests per caller with
// the given burst. Stop releases its sweeper.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	ctx, cancel := context.WithCancel(context.Background())
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go rl.sweepLoop(ctx, sweepInterval)
	return rl
}

func (rl *RateLimiter) sweepLoop(ctx context.Context, every time.Duration) {
	defer close(rl.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

// sweep forgets idle callers, then evicts the least recently seen half when
// the table is still over capacity
func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > idleLimiterTTL {
			delete(rl.buckets, key)
		}
	}
	if len(rl.buckets) <= maxLimiters {
		return
	}

	keys := make([]string, 0, len(rl.buckets))
	for key := range rl.buckets {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return rl.buckets[keys[i]].lastSeen.Before(rl.buckets[keys[j]].lastSeen)
	})
	for _, key := range keys[:len(keys)-maxLimiters/2] {
		delete(rl.buckets, key)
	}
}

// Stop halts the sweeper and waits for it to exit
func (rl *RateLimiter) Stop() {
	rl.cancel()
	<-rl.done
}

func (rl *RateLimiter) reserve(key string) *rate.Reservation {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.ReserveN(now, 1)
}

// Middleware rejects callers over their budget with 429 and a Retry-After hint
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)
			res := rl.reserve(key)
			if delay := res.DelayFrom(rl.now()); !res.OK() || delay > 0 {
				res.CancelAt(rl.now())
				observability.RequestsThrottled.WithLabelValues(callerKind(key)).Inc()
				observability.FromContext(r.Context()).Debug("request throttled",
					"caller", key,
					"path", r.URL.Path,
				)
				w.Header().Set("Retry-After", retryAfter(delay, res.OK()))
				http.Error(w, `{"error":"Rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// retryAfter renders whole seconds, rounded up and never below one
func retryAfter(delay time.Duration, ok bool) string {
	if !ok || delay == rate.InfDuration {
		return "60"
	}
	secs := int(math.Ceil(delay.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// clientKey identifies the caller: the authenticated user when the auth
// middleware ran first, otherwise the remote IP
func clientKey(r *http.Request) string {
	if userID, ok := GetUserID(r.Context()); ok {
		return userKeyPrefix + userID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return remoteKeyPrefix + host
}

func callerKind(key string) string {
	if strings.HasPrefix(key, userKeyPrefix) {
		return "user"
	}
	return "anonymous"
}
