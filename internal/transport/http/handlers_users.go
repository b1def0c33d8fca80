package httptransport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"gatekeeper/internal/idm"
	"gatekeeper/internal/oidc"
	dErrors "gatekeeper/pkg/domainerrors"
	"gatekeeper/pkg/platform/audit"
	"gatekeeper/pkg/platform/httputil"
	"gatekeeper/pkg/platform/middleware/metadata"
	"gatekeeper/pkg/requestcontext"
)

// AdminService is the slice of the admin gateway the user and role routes
// need. *idm.Client satisfies it.
type AdminService interface {
	ListUsers(ctx context.Context) ([]idm.UserEntry, error)
	GetUser(ctx context.Context, userID string) (*idm.UserEntry, error)
	CreateUser(ctx context.Context, username, email, password string) (*idm.UserEntry, error)
	ResetPassword(ctx context.Context, userID, password string) error
	ListUserSessions(ctx context.Context, userID string) ([]idm.UserSession, error)
	TerminateAllSessions(ctx context.Context, userID string) error

	ListRoles(ctx context.Context) ([]idm.RoleEntry, error)
	GetRole(ctx context.Context, roleID string) (*idm.RoleEntry, error)
	CreateRole(ctx context.Context, name, description string) (*idm.RoleEntry, error)
	ModifyRole(ctx context.Context, role *idm.RoleEntry) error
	DeleteRole(ctx context.Context, roleID string) error
	SetUserRole(ctx context.Context, userID string, role *idm.RoleEntry) error
	RemoveUserRole(ctx context.Context, userID string, role *idm.RoleEntry) error
	ListUserRoles(ctx context.Context, userID string) ([]idm.RoleEntry, error)
}

// PasswordVerifier re-checks a user's current password before a self-service
// change. A password grant against the upstream is the check.
type PasswordVerifier interface {
	PasswordGrant(ctx context.Context, username, password string) (*oidc.Token, error)
}

type userHandler struct {
	admin     AdminService
	passwords PasswordVerifier
	audit     Emitter
	logger    *slog.Logger
}

func newUserHandler(admin AdminService, passwords PasswordVerifier, emitter Emitter, logger *slog.Logger) *userHandler {
	return &userHandler{admin: admin, passwords: passwords, audit: emitter, logger: logger}
}

type createUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type resetPasswordRequest struct {
	Password string `json:"password"`
}

type changeOwnPasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (h *userHandler) list(w http.ResponseWriter, r *http.Request) {
	users, err := h.admin.ListUsers(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, users)
}

func (h *userHandler) get(w http.ResponseWriter, r *http.Request) {
	user, err := h.admin.GetUser(r.Context(), chi.URLParam(r, "user_id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, user)
}

func (h *userHandler) me(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requestcontext.Identity(ctx)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "no verified identity"))
		return
	}

	user, err := h.admin.GetUser(ctx, identity.UserID.String())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, user)
}

func (h *userHandler) create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.Decode[createUserRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	if req.Email == "" && req.Username == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "username or email is required"))
		return
	}

	user, err := h.admin.CreateUser(ctx, req.Username, req.Email, req.Password)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	h.emit(ctx, audit.Event{
		Action:  audit.ActionUserCreated,
		UserID:  user.ID,
		ActorID: actorID(ctx),
	})
	httputil.WriteJSON(w, http.StatusCreated, user)
}

func (h *userHandler) resetPassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	userID := chi.URLParam(r, "user_id")

	req, ok := httputil.Decode[resetPasswordRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	if req.Password == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "password is required"))
		return
	}

	if err := h.admin.ResetPassword(ctx, userID, req.Password); err != nil {
		httputil.WriteError(w, err)
		return
	}

	h.emit(ctx, audit.Event{
		Action:  audit.ActionPasswordReset,
		UserID:  userID,
		ActorID: actorID(ctx),
	})
	w.WriteHeader(http.StatusNoContent)
}

// changeOwnPassword verifies the caller's current password with a throwaway
// password grant before setting the new one.
func (h *userHandler) changeOwnPassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	identity, ok := requestcontext.Identity(ctx)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "no verified identity"))
		return
	}

	req, ok := httputil.Decode[changeOwnPasswordRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	if req.NewPassword == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "new_password is required"))
		return
	}

	if _, err := h.passwords.PasswordGrant(ctx, identity.Username, req.CurrentPassword); err != nil {
		h.emit(ctx, audit.Event{
			Action: audit.ActionAuthFailed,
			UserID: identity.UserID.String(),
			Reason: "current_password_rejected",
		})
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "current password is incorrect"))
		return
	}

	if err := h.admin.ResetPassword(ctx, identity.UserID.String(), req.NewPassword); err != nil {
		httputil.WriteError(w, err)
		return
	}

	h.emit(ctx, audit.Event{
		Action: audit.ActionPasswordReset,
		UserID: identity.UserID.String(),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *userHandler) sessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.admin.ListUserSessions(r.Context(), chi.URLParam(r, "user_id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sessions)
}

func (h *userHandler) emit(ctx context.Context, event audit.Event) {
	event.Timestamp = requestcontext.Now(ctx)
	event.RequestID = requestcontext.RequestID(ctx)
	event.IP = metadata.GetClientIP(ctx)
	if err := h.audit.Emit(ctx, event); err != nil {
		h.logger.ErrorContext(ctx, "audit emit failed", "error", err, "action", event.Action)
	}
}
