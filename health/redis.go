package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	dcontext "github.com/meridianhq/image-registry/context"
	"github.com/meridianhq/image-registry/log"
)

const (
	RedisOnline        = "online"
	RedisUnreachable   = "unreachable"
	RedisStatusUnknown = "unknown"
)

// RedisStatus is the JSON document served at /debug/health/redis.
type RedisStatus struct {
	Status       string     `json:"status"`
	LastPingedAt *timestamp `json:"last_pinged_at,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// RedisStatusChecker asynchronously checks and stores the status of the Redis
// cache connection, returning the last known status when asked.
type RedisStatusChecker struct {
	client   redis.UniversalClient
	interval time.Duration
	timeout  time.Duration

	mu       sync.RWMutex
	pingInfo *pingInfo
	logger   dcontext.Logger
}

type pingInfo struct {
	err      error
	pingedAt time.Time
}

func NewRedisStatusChecker(client redis.UniversalClient, interval, timeout time.Duration, logger dcontext.Logger) *RedisStatusChecker {
	return &RedisStatusChecker{
		client:   client,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

func (s *RedisStatusChecker) Start(ctx context.Context) {
	go s.updateStatusInBackground(ctx)
}

func (s *RedisStatusChecker) updateStatusInBackground(ctx context.Context) {
	// First, initialize the status right away
	s.doPing(ctx)

	// Then update the status every interval
	ticker := time.NewTicker(s.interval)
	for {
		select {
		case <-ticker.C:
			s.doPing(ctx)
		case <-ctx.Done():
			ticker.Stop()
			return
		}
	}
}

func (s *RedisStatusChecker) doPing(ctx context.Context) {
	timestamp := time.Now()
	pingCtx, cancel := context.WithTimeout(ctx, s.timeout)
	err := s.client.Ping(pingCtx).Err()
	cancel()

	s.mu.Lock()
	s.pingInfo = &pingInfo{pingedAt: timestamp, err: err}
	s.mu.Unlock()
}

// HealthCheck is a CheckFunc to be used in the standard health check at
// /debug/health.
func (s *RedisStatusChecker) HealthCheck() error {
	s.mu.RLock()
	info := s.pingInfo
	s.mu.RUnlock()

	if info == nil {
		// The checker hasn't had time to ping yet. We have to assume it's
		// healthy for now. Log it just in case but continue.
		s.logger.WithFields(log.Fields{
			"path": "/debug/health",
		}).Info("status unknown for redis, haven't pinged it yet, returning OK")
		return nil
	}

	return info.err
}

// ServeHTTP is a HTTP handler that reports on the status of the Redis
// connection. This will be served at /debug/health/redis.
func (s *RedisStatusChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// If the response writing causes a write error, it's already too late to
	// handle it. Instead, this function helps us nicely log the error.
	maybeLogWriteErr := func(err error) {
		if err != nil {
			s.logger.WithFields(log.Fields{"path": "/debug/health/redis"}).WithError(err).
				Error("error writing response")
		}
	}

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		_, err := fmt.Fprintf(w, "must be a GET request, not %s", r.Method)
		maybeLogWriteErr(err)
		return
	}

	encoded, err := json.Marshal(s.getStatus())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, writeErr := fmt.Fprint(w, err)
		maybeLogWriteErr(writeErr)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, err = fmt.Fprint(w, string(encoded))
	maybeLogWriteErr(err)
}

func (s *RedisStatusChecker) getStatus() *RedisStatus {
	s.mu.RLock()
	info := s.pingInfo
	s.mu.RUnlock()

	status := &RedisStatus{}

	if info == nil {
		status.Status = RedisStatusUnknown
		return status
	}

	status.LastPingedAt = (*timestamp)(&info.pingedAt)
	if info.err == nil {
		status.Status = RedisOnline
	} else {
		status.Status = RedisUnreachable
		status.Error = info.err.Error()
	}

	return status
}

// timestamp is a time.Time that marshals into an ISO8601 timestamp with
// millisecond precision.
type timestamp time.Time

// MarshalJSON outputs the timestamp in ISO8601 format with millisecond precision.
func (t *timestamp) MarshalJSON() ([]byte, error) {
	b := make([]byte, 0)
	b = append(b, '"')
	b = (*time.Time)(t).AppendFormat(b, "2006-01-02T15:04:05.999Z")
	b = append(b, '"')
	return b, nil
}
