package testutil

import (
	"net/http"

	"github.com/google/uuid"

	"gatekeeper/pkg/requestcontext"
)

// WithIdentity attaches a verified identity to the request context.
// This simulates what the auth middleware does for authenticated requests.
func WithIdentity(req *http.Request, userID uuid.UUID, username string, roles ...string) *http.Request {
	identity := &requestcontext.VerifiedIdentity{
		UserID:   userID,
		Username: username,
		Roles:    roles,
	}
	return req.WithContext(requestcontext.WithIdentity(req.Context(), identity))
}

// WithRequestID attaches a request ID to the request context.
func WithRequestID(req *http.Request, requestID string) *http.Request {
	return req.WithContext(requestcontext.WithRequestID(req.Context(), requestID))
}
