package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/model"
)

// apiError is the OpenAI error envelope. Every surface renders failures in
// this shape so SDK clients surface the message regardless of dialect.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

const (
	typeInvalidRequest = "invalid_request_error"
	typeAuthentication = "authentication_error"
	typePermission     = "permission_error"
	typeRateLimit      = "rate_limit_error"
	typeAPIError       = "api_error"
)

func errorResponse(msg, typ string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = typ
	return e
}

// errorType picks the error type field clients branch on for a status.
func errorType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return typeAuthentication
	case status == http.StatusForbidden:
		return typePermission
	case status == http.StatusTooManyRequests:
		return typeRateLimit
	case status >= 500:
		return typeAPIError
	default:
		return typeInvalidRequest
	}
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrBadRequest),
		errors.Is(err, gateway.ErrInvalidCacheHeader),
		errors.Is(err, gateway.ErrMalformedBody),
		errors.Is(err, gateway.ErrNoValidMapping),
		errors.Is(err, gateway.ErrToolMappingInvalid),
		errors.Is(err, model.ErrProviderNotSupported),
		errors.Is(err, model.ErrUnsupportedEndpoint):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrNoReadyEndpoints):
		return http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrUpstream), errors.Is(err, gateway.ErrStreamBroken):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders a structured service error as an HTTP response.
// Internal failures are logged and masked; everything else carries the
// error's message so the caller can see what to fix.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("error", err.Error()),
			slog.String("path", r.URL.Path),
			slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
		)
		msg = "internal server error"
	}
	if status == http.StatusTooManyRequests {
		w.Header()["Retry-After"] = []string{retryAfter(err)}
	}
	writeJSON(w, status, errorResponse(msg, errorType(status)))
}

// retryAfter extracts the back-off hint carried by admission errors.
func retryAfter(err error) string {
	var rl *gateway.RateLimitedError
	if errors.As(err, &rl) {
		return strconv.Itoa(rl.RetryAfterSeconds())
	}
	return "1"
}

// logCommittedError records failures that surfaced after the status line was
// already sent. The client sees a truncated body rather than a new status,
// so the log is the only evidence.
func logCommittedError(r *http.Request, err error) {
	slog.LogAttrs(r.Context(), slog.LevelWarn, "error after response commit",
		slog.String("error", err.Error()),
		slog.String("path", r.URL.Path),
		slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
	)
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
