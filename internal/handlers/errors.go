package handlers

import (
	"errors"
	"net/http"

	"github.com/slotkeeper/slotkeeper/internal/models"
	"github.com/slotkeeper/slotkeeper/internal/ratelimit"
	"github.com/slotkeeper/slotkeeper/internal/security"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// mapErrorToResponse maps limiter errors to HTTP status codes and error responses.
func mapErrorToResponse(err error) (int, ErrorResponse) {
	switch {
	case errors.Is(err, ratelimit.ErrUnknownPolicy):
		return http.StatusNotFound, ErrorResponse{
			Error: err.Error(),
			Code:  "UNKNOWN_POLICY",
		}
	case errors.Is(err, models.ErrRecordNotFound):
		return http.StatusNotFound, ErrorResponse{
			Error: err.Error(),
			Code:  "NOT_FOUND",
		}
	case errors.Is(err, security.ErrEmptyEndpoint),
		errors.Is(err, models.ErrEmptyEndpoint),
		errors.Is(err, security.ErrEndpointTooLong),
		errors.Is(err, security.ErrInvalidEndpoint):
		return http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_ENDPOINT",
		}
	case errors.Is(err, models.ErrEmptyIdentifier):
		return http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_IDENTIFIER",
		}
	case errors.Is(err, ratelimit.ErrStoreClosed):
		return http.StatusServiceUnavailable, ErrorResponse{
			Error: "rate limit store unavailable",
			Code:  "STORE_UNAVAILABLE",
		}
	default:
		return http.StatusInternalServerError, ErrorResponse{
			Error: "internal server error",
			Code:  "INTERNAL_ERROR",
		}
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, resp := mapErrorToResponse(err)
	writeJSON(w, status, resp)
}
