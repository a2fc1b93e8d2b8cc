package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/ovms-bridge/internal/bridges/ovms"
)

// Error represents a structured error response.
type Error struct {
	Status  int            `json:"status"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Kind    string         `json:"kind,omitempty"`
	Debug   map[string]any `json:"debug_info,omitempty"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeInternal     = "internal_error"
	ErrCodeRateLimited  = "rate_limited"
	ErrCodeTimeout      = "timeout"
	ErrCodeUnavailable  = "unavailable"
	ErrCodeBadGateway   = "bad_gateway"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeBridgeError maps an engine failure to an HTTP status.
//
//	rate limited      429
//	command timeout   504
//	not connected     503
//	bad command       400
//	connect failure   502
func writeBridgeError(w http.ResponseWriter, err error) {
	resp := Error{Message: err.Error()}
	var oe *ovms.Error
	if errors.As(err, &oe) {
		resp.Message = oe.Message
		resp.Kind = string(oe.Kind)
		resp.Debug = oe.Debug
	}

	switch {
	case errors.Is(err, ovms.ErrRateLimited):
		resp.Status, resp.Code = http.StatusTooManyRequests, ErrCodeRateLimited
	case errors.Is(err, ovms.ErrCommandTimeout):
		resp.Status, resp.Code = http.StatusGatewayTimeout, ErrCodeTimeout
	case errors.Is(err, ovms.ErrNotConnected), errors.Is(err, ovms.ErrShuttingDown):
		resp.Status, resp.Code = http.StatusServiceUnavailable, ErrCodeUnavailable
	case errors.Is(err, ovms.ErrInvalidCommand):
		resp.Status, resp.Code = http.StatusBadRequest, ErrCodeBadRequest
	case ovms.KindOf(err) == ovms.KindTimeout:
		resp.Status, resp.Code = http.StatusGatewayTimeout, ErrCodeTimeout
	case ovms.KindOf(err) == ovms.KindCannotConnect:
		resp.Status, resp.Code = http.StatusBadGateway, ErrCodeBadGateway
	default:
		resp.Status, resp.Code = http.StatusInternalServerError, ErrCodeInternal
	}
	writeJSON(w, resp.Status, resp)
}
