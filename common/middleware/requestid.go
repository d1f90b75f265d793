package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const (
	// CorrelationIDKey is the context key for the correlation id carried across services.
	CorrelationIDKey = contextKey("correlation-id")
	// SubjectKey is the context key for the authenticated subject.
	SubjectKey = contextKey("subject")
)

// HeaderCorrelationID is propagated by the gateway to every service and into event envelopes.
const HeaderCorrelationID = "X-Correlation-ID"

// HeaderRequestID is accepted as a fallback correlation source.
const HeaderRequestID = "X-Request-ID"

// CorrelationID is a middleware that generates or propagates correlation IDs.
// It checks X-Correlation-ID first, then X-Request-ID, and generates a new UUID if
// neither is present. The id is echoed in the response and stored in the request context.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderCorrelationID)
		if id == "" {
			id = r.Header.Get(HeaderRequestID)
		}
		if id == "" {
			id = uuid.New().String()
		}

		r.Header.Set(HeaderCorrelationID, id)
		w.Header().Set(HeaderCorrelationID, id)

		next.ServeHTTP(w, r.WithContext(WithCorrelationID(r.Context(), id)))
	})
}

// WithCorrelationID stores a correlation id in ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

// GetCorrelationID extracts the correlation ID from the context.
// Returns empty string if not found.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

// WithSubject stores the authenticated subject in ctx.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, SubjectKey, subject)
}

// GetSubject returns the authenticated subject or an empty string.
func GetSubject(ctx context.Context) string {
	if s, ok := ctx.Value(SubjectKey).(string); ok {
		return s
	}
	return ""
}
