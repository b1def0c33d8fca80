package httptransport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"gatekeeper/internal/oidc"
	"gatekeeper/pkg/platform/audit"
	"gatekeeper/pkg/platform/httputil"
	"gatekeeper/pkg/platform/middleware/metadata"
	"gatekeeper/pkg/requestcontext"
)

// TokenService is the slice of the OIDC client the token routes need. It
// also satisfies the auth middleware's Introspector.
type TokenService interface {
	PasswordGrant(ctx context.Context, username, password string) (*oidc.Token, error)
	RefreshGrant(ctx context.Context, refreshToken string) (*oidc.Token, error)
	Introspect(ctx context.Context, token string) (bool, error)
	Logout(ctx context.Context, refreshToken string) error
}

// SessionTerminator is the admin-side logout capability.
type SessionTerminator interface {
	TerminateAllSessions(ctx context.Context, userID string) error
}

// Emitter publishes audit events.
type Emitter interface {
	Emit(ctx context.Context, event audit.Event) error
}

type tokenHandler struct {
	tokens TokenService
	admin  SessionTerminator
	audit  Emitter
	logger *slog.Logger
}

func newTokenHandler(tokens TokenService, admin SessionTerminator, emitter Emitter, logger *slog.Logger) *tokenHandler {
	return &tokenHandler{tokens: tokens, admin: admin, audit: emitter, logger: logger}
}

type passwordGrantRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type introspectRequest struct {
	Token string `json:"token"`
}

type introspectResponse struct {
	Active bool `json:"active"`
}

func (h *tokenHandler) issue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.Decode[passwordGrantRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	token, err := h.tokens.PasswordGrant(ctx, req.Username, req.Password)
	if err != nil {
		h.emit(ctx, audit.Event{
			Action:   audit.ActionAuthFailed,
			Username: req.Username,
			Reason:   "password_grant_rejected",
		})
		httputil.WriteError(w, err)
		return
	}

	h.emit(ctx, audit.Event{Action: audit.ActionTokenIssued, Username: req.Username})
	httputil.WriteJSON(w, http.StatusOK, token)
}

func (h *tokenHandler) refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.Decode[refreshRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	token, err := h.tokens.RefreshGrant(ctx, req.RefreshToken)
	if err != nil {
		h.emit(ctx, audit.Event{Action: audit.ActionAuthFailed, Reason: "refresh_rejected"})
		httputil.WriteError(w, err)
		return
	}

	h.emit(ctx, audit.Event{Action: audit.ActionTokenRefreshed})
	httputil.WriteJSON(w, http.StatusOK, token)
}

func (h *tokenHandler) introspect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.Decode[introspectRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	active, err := h.tokens.Introspect(ctx, req.Token)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, introspectResponse{Active: active})
}

func (h *tokenHandler) logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.Decode[refreshRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	if err := h.tokens.Logout(ctx, req.RefreshToken); err != nil {
		httputil.WriteError(w, err)
		return
	}

	h.emit(ctx, audit.Event{Action: audit.ActionLogout})
	w.WriteHeader(http.StatusNoContent)
}

// logoutUser terminates every upstream session of the target user.
func (h *tokenHandler) logoutUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "user_id")

	if err := h.admin.TerminateAllSessions(ctx, userID); err != nil {
		httputil.WriteError(w, err)
		return
	}

	h.emit(ctx, audit.Event{
		Action:  audit.ActionSessionsTerminated,
		UserID:  userID,
		ActorID: actorID(ctx),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *tokenHandler) emit(ctx context.Context, event audit.Event) {
	event.Timestamp = requestcontext.Now(ctx)
	event.RequestID = requestcontext.RequestID(ctx)
	event.IP = metadata.GetClientIP(ctx)
	if err := h.audit.Emit(ctx, event); err != nil {
		h.logger.ErrorContext(ctx, "audit emit failed", "error", err, "action", event.Action)
	}
}

// actorID names the authenticated caller for audit trails.
func actorID(ctx context.Context) string {
	if identity, ok := requestcontext.Identity(ctx); ok {
		return identity.UserID.String()
	}
	return ""
}
