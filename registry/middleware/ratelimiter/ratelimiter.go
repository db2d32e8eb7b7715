// Package ratelimiter provides http middleware enforcing the configured
// request rate limits, keyed by client address.
package ratelimiter

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/meridianhq/image-registry/configuration"
	dcontext "github.com/meridianhq/image-registry/context"
	"github.com/meridianhq/image-registry/registry/api/errcode"
)

var validPeriods = []string{"second", "minute", "hour"}

var periodDurations = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
}

// maxTrackedClients caps the number of client buckets a limiter holds before
// idle entries are swept.
const maxTrackedClients = 10000

// RateLimiter evaluates every configured limiter against incoming requests
// in precedence order.
type RateLimiter struct {
	limiters []*limiter
}

// limiter holds per-client token buckets for a single configured limit.
type limiter struct {
	configuration.Limiter

	limit rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// New builds a RateLimiter from the application configuration. The
// configured limiters are validated and ordered by precedence, lowest first.
func New(config configuration.RateLimiter) (*RateLimiter, error) {
	limiters, err := parseLimitersConfig(config.Limiters)
	if err != nil {
		return nil, err
	}

	return &RateLimiter{limiters: limiters}, nil
}

// parseLimitersConfig validates the limiter definitions and returns them
// ordered by precedence. Limiters with equal precedence keep their
// configuration order.
func parseLimitersConfig(cfgs []configuration.Limiter) ([]*limiter, error) {
	limiters := make([]*limiter, 0, len(cfgs))
	seen := make(map[string]struct{}, len(cfgs))

	for i := range cfgs {
		cfg := cfgs[i]
		if err := validateLimiter(&cfg); err != nil {
			return nil, fmt.Errorf("limiter %q: %w", cfg.Name, err)
		}

		if _, ok := seen[cfg.Name]; ok {
			return nil, fmt.Errorf("duplicate limiter name %q", cfg.Name)
		}
		seen[cfg.Name] = struct{}{}

		period := periodDurations[cfg.Limit.Period]
		limiters = append(limiters, &limiter{
			Limiter: cfg,
			limit:   rate.Limit(float64(cfg.Limit.Rate) / period.Seconds()),
			burst:   int(cfg.Limit.Burst),
			clients: make(map[string]*client),
		})
	}

	sort.SliceStable(limiters, func(i, j int) bool {
		return limiters[i].Precedence < limiters[j].Precedence
	})

	return limiters, nil
}

// validateLimiter collects every configuration problem of a single limiter
// rather than stopping at the first one.
func validateLimiter(cfg *configuration.Limiter) error {
	var errs *multierror.Error

	if cfg.Name == "" {
		errs = multierror.Append(errs, fmt.Errorf("limiter name cannot be empty"))
	}
	if cfg.Precedence <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("limiter precedence must be a positive integer"))
	}
	if cfg.Limit.Rate <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("rate must be a positive integer"))
	}
	if cfg.Limit.Burst <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("burst must be a positive integer"))
	}
	if _, ok := periodDurations[cfg.Limit.Period]; !ok {
		errs = multierror.Append(errs, fmt.Errorf("period must be one of: %+v", validPeriods))
	}

	return errs.ErrorOrNil()
}

// allow reports whether the given client may proceed under this limiter.
func (l *limiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[key]
	if !ok {
		if len(l.clients) >= maxTrackedClients {
			l.sweep(now)
		}

		c = &client{bucket: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now

	return c.bucket.AllowN(now, 1)
}

// sweep drops client buckets that have been idle long enough to be full
// again. Callers must hold mu.
func (l *limiter) sweep(now time.Time) {
	idle := time.Duration(float64(l.burst)/float64(l.limit)) * time.Second
	for key, c := range l.clients {
		if now.Sub(c.lastSeen) > idle {
			delete(l.clients, key)
		}
	}
}

// Handler enforces the configured limits, rejecting requests over the
// threshold with a 429 response. Limiters marked log_only only report.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := dcontext.RemoteIP(r)
		now := time.Now()

		for _, l := range rl.limiters {
			if l.allow(key, now) {
				continue
			}

			logger := dcontext.GetLoggerWithFields(r.Context(), map[any]any{
				"limiter_name": l.Name,
				"client_ip":    key,
				"log_only":     l.LogOnly,
			})

			if l.LogOnly {
				logger.Warn("rate limit exceeded, allowing request")
				continue
			}

			logger.Warn("rate limit exceeded, rejecting request")

			if err := errcode.ServeJSON(w, errcode.ErrorCodeTooManyRequests); err != nil {
				log.WithError(err).Error("serving too many requests error")
			}
			return
		}

		next.ServeHTTP(w, r)
	})
}
