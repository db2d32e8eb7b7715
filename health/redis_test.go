package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dcontext "github.com/meridianhq/image-registry/context"
)

var fakeTimestamp = time.Date(2025, 1, 2, 12, 24, 5, 123456789, time.UTC)

func testRedisChecker(t *testing.T) (*RedisStatusChecker, *miniredis.Miniredis) {
	t.Helper()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisStatusChecker(
		client,
		time.Minute,
		time.Second,
		dcontext.GetLogger(dcontext.Background()),
	), srv
}

func TestRedisHealthCheck(t *testing.T) {
	testCases := []struct {
		description string
		pingInfo    *pingInfo
		expectedErr string
	}{{
		description: "ping succeeded",
		pingInfo:    &pingInfo{pingedAt: fakeTimestamp},
	}, {
		description: "ping failed",
		pingInfo:    &pingInfo{pingedAt: fakeTimestamp, err: errors.New("connection refused")},
		expectedErr: "connection refused",
	}, {
		description: "not pinged yet is healthy",
		pingInfo:    nil,
	}}

	for _, tc := range testCases {
		t.Run(tc.description, func(tt *testing.T) {
			checker, _ := testRedisChecker(tt)
			checker.pingInfo = tc.pingInfo

			err := checker.HealthCheck()
			if tc.expectedErr == "" {
				require.NoError(tt, err)
				return
			}
			require.EqualError(tt, err, tc.expectedErr)
		})
	}
}

func TestRedisStatusChecker_doPing(t *testing.T) {
	checker, srv := testRedisChecker(t)

	checker.doPing(context.Background())

	checker.mu.RLock()
	info := checker.pingInfo
	checker.mu.RUnlock()

	require.NotNil(t, info)
	require.NoError(t, info.err)
	assert.False(t, info.pingedAt.IsZero())

	// Take the server down, the next ping must record the failure.
	srv.Close()
	checker.doPing(context.Background())

	checker.mu.RLock()
	info = checker.pingInfo
	checker.mu.RUnlock()

	require.NotNil(t, info)
	require.Error(t, info.err)
}

func TestRedisStatusChecker_ServeHTTP(t *testing.T) {
	testCases := []struct {
		description    string
		pingInfo       *pingInfo
		expectedStatus string
		expectedError  string
	}{{
		description:    "online",
		pingInfo:       &pingInfo{pingedAt: fakeTimestamp},
		expectedStatus: RedisOnline,
	}, {
		description:    "unreachable",
		pingInfo:       &pingInfo{pingedAt: fakeTimestamp, err: errors.New("connection refused")},
		expectedStatus: RedisUnreachable,
		expectedError:  "connection refused",
	}, {
		description:    "unknown before first ping",
		pingInfo:       nil,
		expectedStatus: RedisStatusUnknown,
	}}

	for _, tc := range testCases {
		t.Run(tc.description, func(tt *testing.T) {
			checker, _ := testRedisChecker(tt)
			checker.pingInfo = tc.pingInfo

			req := httptest.NewRequest(http.MethodGet, "/debug/health/redis", nil)
			rec := httptest.NewRecorder()
			checker.ServeHTTP(rec, req)

			require.Equal(tt, http.StatusOK, rec.Code)
			require.Equal(tt, "application/json", rec.Header().Get("Content-Type"))

			var status RedisStatus
			require.NoError(tt, json.Unmarshal(rec.Body.Bytes(), &status))
			assert.Equal(tt, tc.expectedStatus, status.Status)
			assert.Equal(tt, tc.expectedError, status.Error)

			if tc.pingInfo != nil {
				assert.Contains(tt, rec.Body.String(), "2025-01-02T12:24:05.123Z")
			}
		})
	}
}

func TestRedisStatusChecker_ServeHTTP_MethodNotAllowed(t *testing.T) {
	checker, _ := testRedisChecker(t)

	req := httptest.NewRequest(http.MethodPost, "/debug/health/redis", nil)
	rec := httptest.NewRecorder()
	checker.ServeHTTP(rec, req)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
