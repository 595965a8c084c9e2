package core

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"tiergate/internal/types"
)

// limiterIdleTTL is how long an unused client's bucket is kept.
const limiterIdleTTL = 10 * time.Minute

// clientLimiter hands out one token bucket per client key.
type clientLimiter struct {
	limit   rate.Limit
	burst   int
	buckets *gocache.Cache
}

func newClientLimiter(perSecond float64, burst int) *clientLimiter {
	return &clientLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: gocache.New(limiterIdleTTL, limiterIdleTTL),
	}
}

// reserve takes a token for key. If none is available it returns how long
// until one would be.
func (l *clientLimiter) reserve(key string, now time.Time) (bool, time.Duration) {
	var lim *rate.Limiter
	if v, ok := l.buckets.Get(key); ok {
		lim = v.(*rate.Limiter)
	} else {
		lim = rate.NewLimiter(l.limit, l.burst)
		if err := l.buckets.Add(key, lim, gocache.DefaultExpiration); err != nil {
			// Lost a race with another request for the same key.
			if v, ok := l.buckets.Get(key); ok {
				lim = v.(*rate.Limiter)
			}
		}
	}
	l.buckets.Set(key, lim, gocache.DefaultExpiration)

	if lim.AllowN(now, 1) {
		return true, 0
	}
	r := lim.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return false, delay
}

// RateLimit enforces a per-client token bucket. Authenticated requests are
// keyed by identity, anonymous ones by client IP. Without a configured
// limiter it passes through.
func (s *Server) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := "ip:" + extractClientIP(r)
		if identity, ok := types.GetIdentity(r.Context()); ok {
			key = "id:" + identity.ID
		}

		allowed, wait := s.limiter.reserve(key, time.Now())
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.limiter.burst))
		if allowed {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := max(int(math.Ceil(wait.Seconds())), 1)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		s.Logger.WarnContext(r.Context(), "rate limit exceeded",
			slog.String("client", key),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
		Error(w, r, types.NewAppError(types.ErrCodeRateLimit, "Rate limit exceeded. Please retry later.", nil))
	})
}

// extractClientIP returns the first X-Forwarded-For entry, else the host of
// RemoteAddr.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
