package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// visitorTTL bounds the limiter map: idle clients drop out after this long.
const visitorTTL = 5 * time.Minute

// RateLimit bounds per-client request rates. The zero value disables
// limiting.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

func (l RateLimit) enabled() bool {
	return l.RequestsPerMinute > 0
}

type rateLimiter struct {
	cfg      RateLimit
	mu       sync.Mutex
	visitors map[string]*rate.Limiter
}

func newRateLimiter(cfg RateLimit) *rateLimiter {
	return &rateLimiter{cfg: cfg, visitors: make(map[string]*rate.Limiter)}
}

// middleware rejects callers above their budget. Client identity is the
// remote host, which RealIP has already rewritten from proxy headers.
func (l *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.cfg.enabled() {
			next.ServeHTTP(w, r)
			return
		}
		if !l.obtain(clientHost(r)).Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *rateLimiter) obtain(id string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.visitors[id]; ok {
		return limiter
	}
	burst := l.cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(l.cfg.RequestsPerMinute/60.0), burst)
	l.visitors[id] = limiter
	time.AfterFunc(visitorTTL, func() {
		l.mu.Lock()
		delete(l.visitors, id)
		l.mu.Unlock()
	})
	return limiter
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
