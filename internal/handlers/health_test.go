package handlers

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

	"github.com/slotkeeper/slotkeeper/internal/ratelimit"
)

func serveReady(t *testing.T, h *HealthHandler) (int, ReadyResponse) {
	t.Helper()

	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec.Code, resp
}

func TestHealthHandler(t *testing.T) {
	handler := NewHealthHandler()

	rec := httptest.NewRecorder()
	handler.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var response HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))

	assert.Equal(t, "healthy", response.Status)
	assert.NotEmpty(t, response.Uptime)
	_, err := time.Parse(time.RFC3339, response.Timestamp)
	assert.NoError(t, err)
}

func TestReadyHandler(t *testing.T) {
	t.Run("ready without checks", func(t *testing.T) {
		code, resp := serveReady(t, NewHealthHandler())

		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "ready", resp.Status)
		assert.Empty(t, resp.Checks)
	})

	t.Run("not ready when flagged", func(t *testing.T) {
		handler := NewHealthHandler()
		handler.SetReady(false)

		code, resp := serveReady(t, handler)

		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "not ready", resp.Status)
	})

	t.Run("passing and failing checks", func(t *testing.T) {
		handler := NewHealthHandler()
		handler.AddCheck("store", func(context.Context) error { return nil })
		handler.AddCheck("cache", func(context.Context) error { return errors.New("connection refused") })

		code, resp := serveReady(t, handler)

		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "ok", resp.Checks["store"].Status)
		assert.Equal(t, "fail", resp.Checks["cache"].Status)
	})

	t.Run("slow check is cut off", func(t *testing.T) {
		handler := NewHealthHandler()
		handler.AddCheck("store", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})

		start := time.Now()
		code, resp := serveReady(t, handler)

		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "fail", resp.Checks["store"].Status)
		assert.Less(t, time.Since(start), checkTimeout+time.Second)
	})
}

func TestReadyHandler_ChecksRunConcurrently(t *testing.T) {
	handler := NewHealthHandler()
	for _, name := range []string{"a", "b", "c"} {
		handler.AddCheck(name, func(context.Context) error {
			time.Sleep(200 * time.Millisecond)
			return nil
		})
	}

	start := time.Now()
	code, resp := serveReady(t, handler)

	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, resp.Checks, 3)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.GreaterOrEqual(t, resp.Checks["a"].LatencyMS, int64(200))
}

func TestHealthHandler_SetReady(t *testing.T) {
	handler := NewHealthHandler()

	assert.True(t, handler.IsReady())

	handler.SetReady(false)
	assert.False(t, handler.IsReady())

	handler.SetReady(true)
	assert.True(t, handler.IsReady())
}

func TestReadyHandler_StorePing(t *testing.T) {
	store := ratelimit.NewMemoryStore()
	limiter, err := ratelimit.New(store, ratelimit.Options{})
	require.NoError(t, err)

	handler := NewHealthHandler()
	handler.AddCheck("store", limiter.Ping)

	code, _ := serveReady(t, handler)
	assert.Equal(t, http.StatusOK, code)

	require.NoError(t, store.Close())

	code, resp := serveReady(t, handler)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "fail", resp.Checks["store"].Status)
}
