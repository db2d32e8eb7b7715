package health

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestReturns200IfThereAreNoChecks ensures that the result code of the health
// endpoint is 200 if there are no health checks.
func TestReturns200IfThereAreNoChecks(t *testing.T) {
	recorder := httptest.NewRecorder()

	req, err := http.NewRequest(http.MethodGet, "https://fakeurl.com/debug/health", nil)
	require.NoError(t, err, "failed to create request")

	StatusHandler(recorder, req)

	require.Equal(t, http.StatusOK, recorder.Code)
}

// TestReturns503IfThereAreErrorChecks ensures that the result code of the
// health endpoint is 503 if there are health checks with errors.
func TestReturns503IfThereAreErrorChecks(t *testing.T) {
	recorder := httptest.NewRecorder()

	req, err := http.NewRequest(http.MethodGet, "https://fakeurl.com/debug/health", nil)
	require.NoError(t, err, "failed to create request")

	// Create a manual error
	DefaultRegistry = NewRegistry()
	require.NoError(t, Register("some_check", CheckFunc(func() error {
		return errors.New("probe lost")
	})))

	StatusHandler(recorder, req)

	require.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "probe lost")
}

// TestHealthHandler ensures that our handler implementation correctly shields
// a handler when checks fail and returns 503.
func TestHealthHandler(t *testing.T) {
	// clear out existing checks.
	DefaultRegistry = NewRegistry()

	// protect an http server
	handler := http.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	// wrap it in our health handler
	handler = Handler(handler)

	// use this swap check status
	updater := NewStatusUpdater()
	require.NoError(t, Register("test_check", updater))

	// now, create a test server
	server := httptest.NewServer(handler)
	defer server.Close()

	checkUp := func(t *testing.T, message string) {
		resp, err := http.Get(server.URL)
		require.NoError(t, err, "error getting success status")
		defer resp.Body.Close()

		require.Equalf(t, http.StatusNoContent, resp.StatusCode, "unexpected response code from server when %s", message)
	}

	checkDown := func(t *testing.T, message string) {
		resp, err := http.Get(server.URL)
		require.NoError(t, err, "error getting down status")
		defer resp.Body.Close()

		require.Equalf(t, http.StatusServiceUnavailable, resp.StatusCode, "unexpected response code from server when %s", message)
	}

	// server should be up
	checkUp(t, "initial health check")

	// now, we fail the health check
	updater.Update(errors.New("the server is now out of commission"))
	checkDown(t, "server should be down")

	// bring server back up
	updater.Update(nil)
	checkUp(t, "when server is back up")
}

func TestThresholdStatusUpdater(t *testing.T) {
	u := NewThresholdStatusUpdater(3)

	// healthy until the threshold of consecutive failures is reached
	require.NoError(t, u.Check())

	probeErr := errors.New("probe lost")
	u.Update(probeErr)
	u.Update(probeErr)
	require.NoError(t, u.Check())

	u.Update(probeErr)
	require.EqualError(t, u.Check(), "probe lost")

	// a single success resets the counter
	u.Update(nil)
	require.NoError(t, u.Check())

	u.Update(probeErr)
	require.NoError(t, u.Check())
}

func TestRegisterDuplicate(t *testing.T) {
	registry := NewRegistry()

	require.NoError(t, registry.Register("check", CheckFunc(func() error { return nil })))
	require.Error(t, registry.Register("check", CheckFunc(func() error { return nil })))
}

func TestCheckStatus(t *testing.T) {
	registry := NewRegistry()

	require.NoError(t, registry.RegisterFunc("ok", func() error { return nil }))
	require.NoError(t, registry.RegisterFunc("broken", func() error { return errors.New("out of service") }))

	status := registry.CheckStatus()
	require.Len(t, status, 1)
	assert.Equal(t, "out of service", status["broken"])
}
