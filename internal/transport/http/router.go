// Package httptransport is the gateway's thin HTTP layer: route wiring,
// request/response shapes, and translation of domain errors into the JSON
// error envelope. Business decisions stay in the domain packages.
package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gatekeeper/internal/throttle"
	"gatekeeper/pkg/platform/httputil"
	"gatekeeper/pkg/platform/middleware/auth"
	"gatekeeper/pkg/platform/middleware/device"
	"gatekeeper/pkg/platform/middleware/metadata"
	"gatekeeper/pkg/platform/middleware/request"
	"gatekeeper/pkg/platform/middleware/requesttime"
)

// AdminRole is the client role required for identity-management routes.
const AdminRole = "admin"

// Deps collects everything the router wires together.
type Deps struct {
	Tokens     TokenService
	Admin      AdminService
	Federation FederationService
	Verifier   auth.TokenVerifier
	Throttle   *throttle.Service
	Audit      Emitter
	Health     func() error
	Logger     *slog.Logger
}

// NewRouter builds the full route surface.
//
// Three protection tiers: public routes (token issuance, federated login,
// health), authenticated routes (self-service), and admin routes which
// additionally require the admin role and live introspection so a revoked
// admin token stops working immediately.
func NewRouter(deps Deps) http.Handler {
	tokens := newTokenHandler(deps.Tokens, deps.Admin, deps.Audit, deps.Logger)
	users := newUserHandler(deps.Admin, deps.Tokens, deps.Audit, deps.Logger)
	roles := newRoleHandler(deps.Admin, deps.Audit, deps.Logger)
	fed := newFederationHandler(deps.Federation, deps.Audit, deps.Logger)

	requireUser := auth.Require(deps.Verifier, deps.Tokens, deps.Logger, auth.Options{})
	requireAdmin := auth.Require(deps.Verifier, deps.Tokens, deps.Logger, auth.Options{
		Roles:  []string{AdminRole},
		Strict: true,
	})
	throttled := throttle.Middleware(deps.Throttle, deps.Audit, deps.Logger)

	r := chi.NewRouter()
	r.Use(request.Middleware)
	r.Use(requesttime.Middleware)
	r.Use(metadata.ClientMetadata)
	r.Use(device.Middleware)

	r.Get("/healthz", healthHandler(deps.Health))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Public: credentials are the authentication.
		r.Post("/token", tokens.issue)
		r.Post("/token/refresh", tokens.refresh)
		r.Post("/logout", tokens.logout)
		r.Get("/auth/{provider}", fed.start)
		r.Get("/auth/{provider}/endpoint", fed.callback)

		// Authenticated self-service.
		r.Group(func(r chi.Router) {
			r.Use(requireUser)
			r.Use(throttled)
			r.Post("/introspect", tokens.introspect)
			r.Get("/users/me", users.me)
			r.Put("/users/me/password", users.changeOwnPassword)
		})

		// Identity management.
		r.Group(func(r chi.Router) {
			r.Use(requireAdmin)
			r.Use(throttled)

			r.Post("/logout/{user_id}", tokens.logoutUser)

			r.Get("/users", users.list)
			r.Post("/users", users.create)
			r.Get("/users/{user_id}", users.get)
			r.Put("/users/{user_id}/password", users.resetPassword)
			r.Get("/users/{user_id}/sessions", users.sessions)
			r.Get("/users/{user_id}/roles", roles.listForUser)
			r.Post("/users/{user_id}/roles/{role_id}", roles.assign)
			r.Delete("/users/{user_id}/roles/{role_id}", roles.remove)

			r.Get("/roles", roles.list)
			r.Post("/roles", roles.create)
			r.Get("/roles/{role_id}", roles.get)
			r.Put("/roles/{role_id}", roles.modify)
			r.Delete("/roles/{role_id}", roles.delete)
		})
	})

	return r
}

func healthHandler(check func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(); err != nil {
				httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
				return
			}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
