// Package requestcontext provides HTTP-independent context accessors for
// request-scoped values.
//
// This package defines context keys and getter/setter functions for values
// that are typically set by middleware but consumed by services. By keeping
// this package free of net/http dependencies, services can import only what
// they need without pulling in HTTP-related code.
//
// Usage in services (read values):
//
//	identity, ok := requestcontext.Identity(ctx)
//	requestID := requestcontext.RequestID(ctx)
//
// Usage in middleware (set values):
//
//	ctx = requestcontext.WithIdentity(ctx, identity)
//	ctx = requestcontext.WithRequestID(ctx, requestID)
package requestcontext

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
)

// VerifiedIdentity is the authenticated caller resolved from a verified
// bearer token. It is constructed per-request and never persisted.
//
// The typed core covers what route handlers need; Claims carries the full
// verified claim map so unmodeled upstream claims pass through untouched.
type VerifiedIdentity struct {
	UserID        uuid.UUID
	Username      string
	Email         string
	EmailVerified bool
	Roles         []string
	Claims        map[string]any
}

// HasAnyRole reports whether the identity holds at least one of the given
// roles.
func (v *VerifiedIdentity) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if slices.Contains(v.Roles, role) {
			return true
		}
	}
	return false
}

// Context key types (unexported for encapsulation).
type (
	identityKey    struct{}
	requestIDKey   struct{}
	requestTimeKey struct{}
)

// Exported context keys for tests that need raw context.WithValue.
var (
	ContextKeyIdentity    = identityKey{}
	ContextKeyRequestID   = requestIDKey{}
	ContextKeyRequestTime = requestTimeKey{}
)

// Identity retrieves the verified identity from the context. ok is false for
// anonymous requests.
func Identity(ctx context.Context) (*VerifiedIdentity, bool) {
	identity, ok := ctx.Value(ContextKeyIdentity).(*VerifiedIdentity)
	return identity, ok && identity != nil
}

// WithIdentity injects a verified identity into the context.
func WithIdentity(ctx context.Context, identity *VerifiedIdentity) context.Context {
	return context.WithValue(ctx, ContextKeyIdentity, identity)
}

// RequestID retrieves the request ID from the context.
func RequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return reqID
	}
	return ""
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// Now retrieves the request-scoped time from context. Falls back to
// time.Now() for non-HTTP contexts (workers, CLI, tests).
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(ContextKeyRequestTime).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime injects a specific time into a context. Useful for service unit
// tests that don't run the full HTTP middleware chain.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyRequestTime, t)
}
