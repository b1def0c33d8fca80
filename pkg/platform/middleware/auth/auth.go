// Package auth guards routes with bearer-token verification and role checks.
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	dErrors "gatekeeper/pkg/domainerrors"
	"gatekeeper/pkg/platform/httputil"
	"gatekeeper/pkg/requestcontext"
)

// TokenVerifier validates a raw bearer token locally (signature, issuer,
// expiry, audience) and extracts the caller's identity.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (*requestcontext.VerifiedIdentity, error)
}

// Introspector asks the upstream whether a token is still active. Local
// verification cannot see server-side revocation; introspection can.
type Introspector interface {
	Introspect(ctx context.Context, token string) (bool, error)
}

// Options configures a Require guard.
type Options struct {
	// Roles is the set of acceptable roles; empty means any verified caller.
	Roles []string
	// Strict forces a live introspection round trip on every request.
	Strict bool
}

// Require rejects requests without a verified identity. With Roles set, the
// caller must hold at least one of them; with Strict set, the token must
// also pass upstream introspection.
func Require(verifier TokenVerifier, introspector Introspector, logger *slog.Logger, opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := requestcontext.RequestID(ctx)

			raw, ok := bearerToken(r)
			if !ok {
				logger.WarnContext(ctx, "unauthorized access, missing bearer token",
					"request_id", requestID,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing or invalid authorization header"))
				return
			}

			identity, err := verifier.Verify(ctx, raw)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access, token rejected",
					"error", err,
					"request_id", requestID,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid or expired token"))
				return
			}

			if opts.Strict {
				active, err := introspector.Introspect(ctx, raw)
				if err != nil {
					logger.ErrorContext(ctx, "token introspection failed",
						"error", err,
						"request_id", requestID,
					)
					httputil.WriteError(w, err)
					return
				}
				if !active {
					logger.WarnContext(ctx, "unauthorized access, token revoked upstream",
						"user_id", identity.UserID,
						"request_id", requestID,
					)
					httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "token is no longer active"))
					return
				}
			}

			if len(opts.Roles) > 0 && !identity.HasAnyRole(opts.Roles...) {
				logger.WarnContext(ctx, "forbidden, insufficient role",
					"user_id", identity.UserID,
					"required_roles", opts.Roles,
					"request_id", requestID,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "insufficient permissions"))
				return
			}

			next.ServeHTTP(w, r.WithContext(requestcontext.WithIdentity(ctx, identity)))
		})
	}
}

// Optional attaches the verified identity when a valid bearer token is
// present and lets the request through anonymously otherwise. A token that
// is present but invalid is still rejected: silently downgrading a bad
// credential to anonymous would mask client bugs.
func Optional(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			raw, ok := bearerToken(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			identity, err := verifier.Verify(ctx, raw)
			if err != nil {
				logger.WarnContext(ctx, "optional auth, token rejected",
					"error", err,
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid or expired token"))
				return
			}

			next.ServeHTTP(w, r.WithContext(requestcontext.WithIdentity(ctx, identity)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}
