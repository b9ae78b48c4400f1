package handlers

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/slotkeeper/slotkeeper/internal/models"
	"github.com/slotkeeper/slotkeeper/internal/ratelimit"
	"github.com/slotkeeper/slotkeeper/internal/security"
	"github.com/slotkeeper/slotkeeper/pkg/logger"
)

// Listing bounds for GET /admin/ratelimits.
const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// ListResponse is the body returned by the list endpoint.
type ListResponse struct {
	Records []models.RateLimitRecord `json:"records"`
	Count   int                      `json:"count"`
}

// CleanupResponse is the body returned by the cleanup endpoint.
type CleanupResponse struct {
	Deleted int64 `json:"deleted"`
}

// AdminHandler exposes counter management endpoints.
type AdminHandler struct {
	limiter *ratelimit.Limiter
	log     *logger.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(limiter *ratelimit.Limiter, log *logger.Logger) *AdminHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &AdminHandler{limiter: limiter, log: log}
}

// List handles GET /admin/ratelimits.
func (h *AdminHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	q := models.RateLimitQuery{
		Endpoint:   query.Get("endpoint"),
		Identifier: query.Get("identifier"),
		Limit:      defaultListLimit,
	}

	if q.Endpoint != "" {
		if err := security.ValidateEndpoint(q.Endpoint); err != nil {
			writeError(w, err)
			return
		}
	}

	if v := query.Get("expired"); v != "" {
		expired, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error: "expired must be a boolean",
				Code:  "INVALID_QUERY",
			})
			return
		}
		q.ExpiredOnly = expired
	}

	if v := query.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 || limit > maxListLimit {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error: "limit must be between 1 and " + strconv.Itoa(maxListLimit),
				Code:  "INVALID_QUERY",
			})
			return
		}
		q.Limit = limit
	}

	records, err := h.limiter.List(r.Context(), q)
	if err != nil {
		h.log.Error("failed to list rate limits", "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ListResponse{Records: records, Count: len(records)})
}

// Reset handles DELETE /admin/ratelimits/{endpoint}/{identifier}.
func (h *AdminHandler) Reset(w http.ResponseWriter, r *http.Request) {
	endpoint := chi.URLParam(r, "endpoint")
	if err := security.ValidateEndpoint(endpoint); err != nil {
		writeError(w, err)
		return
	}

	identifier, err := pathParam(r, "identifier")
	if err != nil || identifier == "" {
		writeError(w, models.ErrEmptyIdentifier)
		return
	}

	if err := h.limiter.Reset(r.Context(), identifier, endpoint); err != nil {
		writeError(w, err)
		return
	}

	h.log.Info("rate limit reset", "endpoint", endpoint, "identifier", identifier)
	w.WriteHeader(http.StatusNoContent)
}

// Cleanup handles POST /admin/ratelimits/cleanup.
func (h *AdminHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.limiter.Cleanup(r.Context())
	if err != nil {
		h.log.Error("cleanup failed", "error", err)
		writeError(w, err)
		return
	}

	h.log.Info("expired rate limits deleted", "deleted", deleted)
	writeJSON(w, http.StatusOK, CleanupResponse{Deleted: deleted})
}

// pathParam returns a decoded route parameter. chi matches on RawPath when it
// is set, so only then is the parameter still escaped.
func pathParam(r *http.Request, key string) (string, error) {
	value := chi.URLParam(r, key)
	if r.URL.RawPath == "" {
		return value, nil
	}
	return url.PathUnescape(value)
}
