package httpserver_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billsync/pkg/httpserver"
	"github.com/dmitrymomot/billsync/pkg/logger"
)

func waitListening(t *testing.T, srv *httpserver.Server) string {
	t.Helper()
	var addr string
	require.Eventually(t, func() bool {
		addr = srv.Addr()
		resp, err := http.Get("http://" + addr)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)
	return addr
}

func TestRunAndShutdown(t *testing.T) {
	t.Parallel()

	srv := httpserver.New(
		httpserver.WithAddr("127.0.0.1:0"),
		httpserver.WithShutdownTimeout(100*time.Millisecond),
		httpserver.WithLogger(logger.Discard()),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))
	}()
	waitListening(t, srv)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		require.Fail(t, "run did not finish")
	}
	require.NoError(t, srv.Shutdown(context.Background()), "repeated shutdown")
}

func TestManualShutdown(t *testing.T) {
	t.Parallel()

	srv := httpserver.New(httpserver.WithAddr("127.0.0.1:0"))
	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background(), nil) }()
	waitListening(t, srv)

	require.NoError(t, srv.Shutdown(context.Background()))
	require.NoError(t, srv.Shutdown(context.Background()))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		require.Fail(t, "run did not finish")
	}
}

func TestStartError(t *testing.T) {
	t.Parallel()

	srv := httpserver.New(httpserver.WithAddr(":invalid"))
	err := srv.Run(context.Background(), nil)
	require.ErrorIs(t, err, httpserver.ErrStart)
}

func TestAlreadyRunning(t *testing.T) {
	t.Parallel()

	srv := httpserver.New(httpserver.WithAddr("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Run(ctx, nil) }()
	waitListening(t, srv)

	err := srv.Run(context.Background(), nil)
	require.ErrorIs(t, err, httpserver.ErrStart)
	require.ErrorIs(t, err, httpserver.ErrAlreadyRunning)
}

func TestNewFromConfig_ZeroValuesKeepDefaults(t *testing.T) {
	t.Parallel()

	srv := httpserver.NewFromConfig(httpserver.Config{})
	assert.Equal(t, ":8080", srv.Addr())
}

func TestHealthHandler(t *testing.T) {
	t.Parallel()

	up := httpserver.Check{Name: "storage", Fn: func(context.Context) error { return nil }}
	down := httpserver.Check{Name: "redis", Fn: func(context.Context) error { return errors.New("connection refused") }}

	tests := []struct {
		name   string
		checks []httpserver.Check
		code   int
		status string
		report map[string]string
	}{
		{name: "liveness", code: http.StatusOK, status: "ok"},
		{name: "ready", checks: []httpserver.Check{up}, code: http.StatusOK, status: "ok", report: map[string]string{"storage": "up"}},
		{
			name:   "dependency down",
			checks: []httpserver.Check{up, down},
			code:   http.StatusServiceUnavailable,
			status: "unavailable",
			report: map[string]string{"storage": "up", "redis": "down"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rr := httptest.NewRecorder()
			httpserver.HealthHandler(logger.Discard(), time.Second, tt.checks...).
				ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tt.code, rr.Code)
			var body struct {
				Status string            `json:"status"`
				Checks map[string]string `json:"checks"`
			}
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.Equal(t, tt.status, body.Status)
			assert.Equal(t, tt.report, body.Checks)
		})
	}
}
