package throttle

import (
	"context"
	"log/slog"
	"net/http"

	dErrors "gatekeeper/pkg/domainerrors"
	"gatekeeper/pkg/platform/audit"
	"gatekeeper/pkg/platform/httputil"
	"gatekeeper/pkg/platform/middleware/metadata"
	"gatekeeper/pkg/requestcontext"
)

// Emitter records audit events. Satisfied by the audit publisher.
type Emitter interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Middleware rejects requests over the per-user budget with 429. It runs
// after authorization: anonymous requests pass through untouched because
// there is no user id to count against. Each rejection is audited.
func Middleware(svc *Service, emitter Emitter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			identity, ok := requestcontext.Identity(ctx)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := svc.Allow(ctx, identity.UserID.String())
			if err != nil {
				logger.ErrorContext(ctx, "throttle check failed",
					"error", err,
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, err)
				return
			}
			if !allowed {
				if err := emitter.Emit(ctx, audit.Event{
					Timestamp: requestcontext.Now(ctx),
					Action:    audit.ActionThrottleLimited,
					UserID:    identity.UserID.String(),
					Username:  identity.Username,
					RequestID: requestcontext.RequestID(ctx),
					IP:        metadata.GetClientIP(ctx),
				}); err != nil {
					logger.ErrorContext(ctx, "audit emit failed", "error", err, "action", audit.ActionThrottleLimited)
				}
				httputil.WriteError(w, dErrors.New(dErrors.CodeTooManyRequests, "request limit reached, try again later"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
