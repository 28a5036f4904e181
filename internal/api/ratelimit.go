package api

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jsherman999/contentrelay/internal/config"
	"golang.org/x/time/rate"
)

type category string

const (
	categoryConnect category = "connect"
	categoryIngest  category = "ingest"
)

const limiterTTL = time.Minute

// limiters hands out one token bucket per remote address and category.
// Idle buckets expire from the cache.
type limiters struct {
	log    *slog.Logger
	limits map[category]config.RateLimit
	caches map[category]*ttlcache.Cache[string, *rate.Limiter]
}

func newLimiters(cfg *config.Config, log *slog.Logger) *limiters {
	l := &limiters{
		log: log.With("component", "rate-limiter"),
		limits: map[category]config.RateLimit{
			categoryConnect: cfg.RateLimit.Connect,
			categoryIngest:  cfg.RateLimit.Ingest,
		},
		caches: make(map[category]*ttlcache.Cache[string, *rate.Limiter]),
	}
	for cat, rl := range l.limits {
		cache := ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](limiterTTL),
			ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
		)
		go cache.Start()
		l.caches[cat] = cache
		l.log.Info("initialized rate limiter", "category", cat, "limit", rl.Limit, "burst", rl.Burst)
	}
	return l
}

func (l *limiters) stop() {
	for _, c := range l.caches {
		c.Stop()
	}
}

func (l *limiters) get(cat category, addr string) *rate.Limiter {
	cache := l.caches[cat]
	if item := cache.Get(addr); item != nil {
		return item.Value()
	}
	rl := l.limits[cat]
	limiter := rate.NewLimiter(rate.Limit(rl.Limit), rl.Burst)
	cache.Set(addr, limiter, limiterTTL)
	return limiter
}

func (l *limiters) middleware(cat category) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter := l.get(cat, remoteAddress(r))
			res := limiter.Reserve()
			if delay := res.Delay(); delay > 0 {
				// Not proceeding, so hand the token back.
				res.Cancel()
				l.log.Warn("rate limit exceeded", "category", cat, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", math.Ceil(delay.Seconds())))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// remoteAddress is the peer host. Forwarding headers only count once
// middleware.RealIP has rewritten RemoteAddr (api.trust_proxy).
func remoteAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
