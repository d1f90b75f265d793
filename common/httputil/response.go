package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/telhawk-systems/backbone/common/apperrors"
)

// RetryAfterSeconds is advertised on retryable error responses.
const RetryAfterSeconds = "1"

// WriteJSON writes a JSON response with the given status code and data.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// WriteJSONAPI writes a JSON:API compliant response.
// It sets the correct content type (application/vnd.api+json) and status code.
func WriteJSONAPI(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/vnd.api+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON:API response", "error", err)
	}
}

// WriteJSONAPIError writes a JSON:API compliant error response.
func WriteJSONAPIError(w http.ResponseWriter, status int, code, title, detail string) {
	WriteJSONAPIErrorResponse(w, status, []JSONAPIErrorObject{NewJSONAPIError(status, code, title, detail)})
}

// WriteAppError renders err using its apperrors code. Internal errors never leak
// their cause to the client. Retryable upstream failures carry Retry-After.
func WriteAppError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := apperrors.HTTPStatus(code)

	detail := "an internal error occurred"
	if code != apperrors.CodeInternal {
		detail = err.Error()
		var ae *apperrors.Error
		if asAppError(err, &ae) {
			detail = ae.Message
		}
	}

	if code == apperrors.CodeTransientUpstream || code == apperrors.CodeRateLimited {
		w.Header().Set("Retry-After", RetryAfterSeconds)
	}

	WriteJSONAPIError(w, status, string(code), apperrors.Title(code), detail)
}
