package middleware

import (
	"context"
	"net/http"
	"time"
)

// HeaderDeadline carries the absolute request deadline (RFC3339Nano) between hops.
const HeaderDeadline = "X-Request-Deadline"

// Deadline bounds every request by the propagated X-Request-Deadline header and,
// when max > 0, by max from arrival. The earlier of the two wins.
func Deadline(max time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			var cancel context.CancelFunc = func() {}

			if max > 0 {
				ctx, cancel = context.WithTimeout(ctx, max)
			}
			defer cancel()

			if d, ok := ParseDeadline(r.Header.Get(HeaderDeadline)); ok {
				var cancelHeader context.CancelFunc
				ctx, cancelHeader = context.WithDeadline(ctx, d)
				defer cancelHeader()
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ParseDeadline parses an X-Request-Deadline value.
func ParseDeadline(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// SetDeadline writes ctx's deadline, if any, onto outbound headers.
func SetDeadline(ctx context.Context, h http.Header) {
	if d, ok := ctx.Deadline(); ok {
		h.Set(HeaderDeadline, d.UTC().Format(time.RFC3339Nano))
	}
}
