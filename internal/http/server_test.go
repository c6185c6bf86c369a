package http

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/feedrelay/internal/config"
	"github.com/jmylchreest/feedrelay/internal/http/handlers"
	"github.com/jmylchreest/feedrelay/internal/http/middleware"
)

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		Enabled:         true,
		Host:            "127.0.0.1",
		Port:            0,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServer_RoutesAndMiddleware(t *testing.T) {
	s := NewServer(testServerConfig(), quietLogger(), "1.2.3")
	s.Register(handlers.NewSystemHandler(), handlers.NewHealthHandler("1.2.3", nil))
	s.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "feedrelay_up 1\n")
	}))

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, "feedrelay_up 1\n", rec.Body.String())

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "feedrelay API")
	assert.Contains(t, rec.Body.String(), "1.2.3")
}

func TestServer_ListenAndServe(t *testing.T) {
	s := NewServer(testServerConfig(), quietLogger(), "")
	s.Register(handlers.NewHealthHandler("dev", nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 5*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/livez")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServer_StartFailsOnBusyPort(t *testing.T) {
	first := NewServer(testServerConfig(), quietLogger(), "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = first.ListenAndServe(ctx) }()
	require.Eventually(t, func() bool { return first.Addr() != "" }, 2*time.Second, 5*time.Millisecond)

	_, port, err := splitPort(first.Addr())
	require.NoError(t, err)
	cfg := testServerConfig()
	cfg.Port = port

	second := NewServer(cfg, quietLogger(), "")
	assert.Error(t, second.ListenAndServe(context.Background()))
}

func splitPort(addr string) (string, int, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(p)
	return host, port, err
}
