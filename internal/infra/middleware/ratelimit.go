package middleware

import (
	"context"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	sweepEvery = time.Minute
	idleAfter  = 3 * time.Minute
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPLimiter is a token bucket per client IP.
type IPLimiter struct {
	limit   rate.Limit
	burst   int
	trusted []string

	// OnReject, when set, observes every refused request.
	OnReject func(r *http.Request, ip string)

	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewIPLimiter allows perMinute requests per IP with the given burst. A
// non-positive burst allows a full minute's worth at once. Forwarding headers
// are honoured only when the direct peer is one of trustedProxies.
func NewIPLimiter(perMinute, burst int, trustedProxies ...string) *IPLimiter {
	if burst <= 0 {
		burst = max(perMinute, 1)
	}
	return &IPLimiter{
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    burst,
		trusted:  trustedProxies,
		visitors: make(map[string]*visitor),
	}
}

// Allow consumes a token for the request's client IP.
func (l *IPLimiter) Allow(r *http.Request) bool {
	return l.allowAt(ClientIP(r, l.trusted), time.Now())
}

func (l *IPLimiter) allowAt(ip string, now time.Time) bool {
	l.mu.Lock()
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	l.mu.Unlock()
	return v.limiter.AllowN(now, 1)
}

// Middleware refuses requests over the limit with 429 and a Retry-After hint.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	retry := "60"
	if l.limit > 0 {
		retry = strconv.Itoa(max(1, int(1/float64(l.limit))))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r, l.trusted)
		if !l.allowAt(ip, time.Now()) {
			if l.OnReject != nil {
				l.OnReject(r, ip)
			}
			w.Header().Set("Retry-After", retry)
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run evicts idle visitors until ctx is done.
func (l *IPLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			l.sweep(now)
		case <-ctx.Done():
			return
		}
	}
}

func (l *IPLimiter) sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) > idleAfter {
			delete(l.visitors, ip)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of tracked client IPs.
func (l *IPLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// ClientIP returns the request's client address. X-Forwarded-For and
// X-Real-IP are only read when the TCP peer is a trusted proxy.
func ClientIP(r *http.Request, trustedProxies []string) string {
	direct := r.RemoteAddr
	if host, _, err := net.SplitHostPort(direct); err == nil {
		direct = host
	}
	if !slices.Contains(trustedProxies, direct) {
		return direct
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return direct
}
