package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotkeeper/slotkeeper/internal/models"
	"github.com/slotkeeper/slotkeeper/internal/ratelimit"
)

func newAdminRouter(h *AdminHandler) http.Handler {
	r := chi.NewRouter()
	r.Get("/admin/ratelimits", h.List)
	r.Post("/admin/ratelimits/cleanup", h.Cleanup)
	r.Delete("/admin/ratelimits/{endpoint}/{identifier}", h.Reset)
	return r
}

// seedStore records hits in a store an hour before testNow so api windows
// are expired and form windows are still active.
func seedStore(t *testing.T) ratelimit.Store {
	t.Helper()
	store := ratelimit.NewMemoryStore()
	ctx := context.Background()
	earlier := testNow.Add(-30 * time.Minute)

	for _, hit := range []struct{ id, endpoint string }{
		{"1.1.1.1", ratelimit.EndpointForm},
		{"1.1.1.1", ratelimit.EndpointForm},
		{"2.2.2.2", ratelimit.EndpointForm},
		{"1.1.1.1", ratelimit.EndpointAPI},
	} {
		p := ratelimit.FormPolicy
		if hit.endpoint == ratelimit.EndpointAPI {
			p = ratelimit.APIPolicy
		}
		_, _, err := store.Hit(ctx, hit.id, hit.endpoint, p.Limit, p.Window, earlier)
		require.NoError(t, err)
	}
	return store
}

func getList(t *testing.T, router http.Handler, query string) (*httptest.ResponseRecorder, ListResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/admin/ratelimits"+query, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp ListResponse
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestAdminHandler_List(t *testing.T) {
	router := newAdminRouter(NewAdminHandler(newTestLimiter(t, seedStore(t), true), nil))

	t.Run("all records", func(t *testing.T) {
		rec, resp := getList(t, router, "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 3, resp.Count)
		assert.Len(t, resp.Records, 3)
	})

	t.Run("by endpoint", func(t *testing.T) {
		_, resp := getList(t, router, "?endpoint=form")
		assert.Equal(t, 2, resp.Count)
	})

	t.Run("by identifier", func(t *testing.T) {
		_, resp := getList(t, router, "?endpoint=form&identifier=1.1.1.1")
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, 2, resp.Records[0].Count)
	})

	t.Run("expired only", func(t *testing.T) {
		_, resp := getList(t, router, "?expired=true")
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, ratelimit.EndpointAPI, resp.Records[0].Endpoint)
	})

	t.Run("limit", func(t *testing.T) {
		_, resp := getList(t, router, "?limit=1")
		assert.Equal(t, 1, resp.Count)
	})

	t.Run("invalid parameters", func(t *testing.T) {
		for _, q := range []string{"?expired=maybe", "?limit=0", "?limit=abc", "?limit=5000", "?endpoint=Bad%20Name"} {
			rec, _ := getList(t, router, q)
			assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		}
	})
}

func TestAdminHandler_Reset(t *testing.T) {
	store := seedStore(t)
	router := newAdminRouter(NewAdminHandler(newTestLimiter(t, store, true), nil))

	req := httptest.NewRequest(http.MethodDelete, "/admin/ratelimits/form/1.1.1.1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err := store.Get(context.Background(), "1.1.1.1", ratelimit.EndpointForm)
	assert.Error(t, err)

	req = httptest.NewRequest(http.MethodDelete, "/admin/ratelimits/form/1.1.1.1", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "NOT_FOUND", errResp.Code)
}

func TestAdminHandler_ResetEscapedIdentifier(t *testing.T) {
	tests := []struct {
		name       string
		identifier string
		path       string
	}{
		{"escaped colons", "2001:db8::1", "/admin/ratelimits/api/2001%3Adb8%3A%3A1"},
		{"plain colons", "2001:db8::1", "/admin/ratelimits/api/2001:db8::1"},
		{"zone id", "fe80::1%eth0", "/admin/ratelimits/api/fe80::1%25eth0"},
		{"literal percent escape", "a%41", "/admin/ratelimits/api/a%2541"},
		{"escaped slash", "a/b", "/admin/ratelimits/api/a%2Fb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := ratelimit.NewMemoryStore()
			for _, id := range []string{tt.identifier, "aA"} {
				_, _, err := store.Hit(ctx, id, ratelimit.EndpointAPI, 10, time.Minute, testNow)
				require.NoError(t, err)
			}

			router := newAdminRouter(NewAdminHandler(newTestLimiter(t, store, true), nil))

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, tt.path, nil))
			require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

			_, err := store.Get(ctx, tt.identifier, ratelimit.EndpointAPI)
			assert.ErrorIs(t, err, models.ErrRecordNotFound)

			_, err = store.Get(ctx, "aA", ratelimit.EndpointAPI)
			assert.NoError(t, err, "unrelated record must survive")
		})
	}
}

func TestAdminHandler_ResetInvalidEndpoint(t *testing.T) {
	router := newAdminRouter(NewAdminHandler(newTestLimiter(t, ratelimit.NewMemoryStore(), true), nil))

	req := httptest.NewRequest(http.MethodDelete, "/admin/ratelimits/FORM!/1.1.1.1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminHandler_Cleanup(t *testing.T) {
	router := newAdminRouter(NewAdminHandler(newTestLimiter(t, seedStore(t), true), nil))

	req := httptest.NewRequest(http.MethodPost, "/admin/ratelimits/cleanup", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":1}`, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/ratelimits/cleanup", nil))
	assert.JSONEq(t, `{"deleted":0}`, rec.Body.String())
}

func TestAdminHandler_StoreDown(t *testing.T) {
	store := ratelimit.NewMemoryStore()
	require.NoError(t, store.Close())
	router := newAdminRouter(NewAdminHandler(newTestLimiter(t, store, true), nil))

	rec, _ := getList(t, router, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/ratelimits/cleanup", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
