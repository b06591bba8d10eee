package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func decodeHealth(t *testing.T, w *httptest.ResponseRecorder) HealthStatus {
	t.Helper()
	var s HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&s))
	return s
}

func TestHealthHandler_Healthz(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	h.RegisterCheck(NewPingCheck("broken", func(context.Context) error { return errors.New("down") }))

	w := httptest.NewRecorder()
	h.HandleHealthz(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	s := decodeHealth(t, w)
	assert.Equal(t, "healthy", s.Status)
	assert.Empty(t, s.Checks, "liveness does not run dependency checks")
}

func TestHealthHandler_ReadyWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := NewHealthHandler(nil)
	h.RegisterCheck(NewPingCheck("redis", func(ctx context.Context) error { return client.Ping(ctx).Err() }))

	w := httptest.NewRecorder()
	h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	s := decodeHealth(t, w)
	assert.Equal(t, "healthy", s.Status)
	assert.Equal(t, "pass", s.Checks["redis"].Status)

	mr.Close()

	w = httptest.NewRecorder()
	h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	s = decodeHealth(t, w)
	assert.Equal(t, "unhealthy", s.Status)
	assert.Equal(t, "fail", s.Checks["redis"].Status)
	assert.NotEmpty(t, s.Checks["redis"].Message)
}

func TestHealthHandler_HealthReportsDegraded(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	h.RegisterCheck(NewPingCheck("database", func(context.Context) error { return nil }))
	h.RegisterCheck(NewPingCheck("mongo", func(context.Context) error { return errors.New("no primary") }))

	w := httptest.NewRecorder()
	h.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	s := decodeHealth(t, w)
	assert.Equal(t, "degraded", s.Status)
	assert.Equal(t, "pass", s.Checks["database"].Status)
	assert.Equal(t, "no primary", s.Checks["mongo"].Message)
}

func TestHealthHandler_Version(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	w := httptest.NewRecorder()
	h.HandleVersion("1.2.3", "2026-01-01", "abc123")(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, map[string]any{"version": "1.2.3", "build_time": "2026-01-01", "git_commit": "abc123"}, resp.Data)
}
