// Package authz authenticates bearer tokens and enforces role requirements.
// The gateway and every service use the same checks.
package authz

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/telhawk-systems/backbone/common/apperrors"
	"github.com/telhawk-systems/backbone/common/audit"
	"github.com/telhawk-systems/backbone/common/httputil"
	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/middleware"
	"github.com/telhawk-systems/backbone/common/revocation"
	"github.com/telhawk-systems/backbone/common/tokens"
)

// Roles carried in token claims.
const (
	RoleCustomer = "customer"
	RoleStaff    = "staff"
	RoleAdmin    = "admin"
)

type contextKey struct{}

var claimsKey = contextKey{}

// WithClaims stores verified claims in ctx, along with the subject.
func WithClaims(ctx context.Context, c *tokens.Claims) context.Context {
	ctx = context.WithValue(ctx, claimsKey, c)
	return middleware.WithSubject(ctx, c.Subject)
}

// ClaimsFrom returns the claims stored by RequireAuth.
func ClaimsFrom(ctx context.Context) (*tokens.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*tokens.Claims)
	return c, ok
}

// Authenticator verifies tokens and consults the revocation store.
type Authenticator struct {
	verifier *tokens.Verifier
	revoked  revocation.Store
	logger   *logging.Logger
	audit    *audit.Logger
}

// NewAuthenticator creates an Authenticator. revoked may be nil.
func NewAuthenticator(verifier *tokens.Verifier, revoked revocation.Store, logger *logging.Logger) *Authenticator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Authenticator{verifier: verifier, revoked: revoked, logger: logger, audit: audit.NewLogger("", logger)}
}

// WithAudit replaces the audit logger used for denials.
func (a *Authenticator) WithAudit(l *audit.Logger) *Authenticator {
	a.audit = l
	return a
}

// Authenticate validates an Authorization header value.
func (a *Authenticator) Authenticate(ctx context.Context, header string) (*tokens.Claims, error) {
	parts := strings.SplitN(header, " ", 2)
	if header == "" {
		return nil, apperrors.Authentication("missing authorization header")
	}
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return nil, apperrors.Authentication("invalid authorization header")
	}

	claims, err := a.verifier.Verify(strings.TrimSpace(parts[1]))
	if err != nil {
		switch {
		case errors.Is(err, tokens.ErrExpiredToken):
			return nil, apperrors.Wrap(apperrors.CodeAuthentication, err, "token expired")
		default:
			return nil, apperrors.Wrap(apperrors.CodeAuthentication, err, "invalid token")
		}
	}

	if a.revoked != nil && claims.ID != "" {
		revoked, err := a.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeTransientUpstream, err, "revocation check unavailable")
		}
		if revoked {
			return nil, apperrors.Authentication("token revoked")
		}
	}
	return claims, nil
}

// RequireAuth rejects requests without a valid token with 401 and stores the
// claims in the request context.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			httputil.WriteAppError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequireRole allows the request when the caller holds any of roles. Denials are
// audit-logged.
func (a *Authenticator) RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFrom(r.Context())
			if !ok {
				httputil.WriteAppError(w, apperrors.Authentication("authentication required"))
				return
			}
			if err := a.Authorize(r.Context(), claims, r.Method+" "+r.URL.Path, roles...); err != nil {
				httputil.WriteAppError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Authorize checks role presence and logs a denial.
func (a *Authenticator) Authorize(ctx context.Context, claims *tokens.Claims, resource string, roles ...string) error {
	if claims.HasAnyRole(roles...) {
		return nil
	}
	a.audit.Record(ctx, "authorization denied", audit.Record{
		Actor:    claims.Subject,
		Action:   audit.ActionAuthorize,
		Resource: resource,
		Result:   audit.ResultDenied,
		Reason:   fmt.Sprintf("requires one of %v, has %v", roles, claims.Roles),
	})
	return apperrors.Authorization("insufficient role")
}
