package httptransport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	dErrors "gatekeeper/pkg/domainerrors"
	"gatekeeper/pkg/platform/audit"
	"gatekeeper/pkg/platform/httputil"
	"gatekeeper/pkg/platform/middleware/metadata"
	"gatekeeper/pkg/requestcontext"
)

type roleHandler struct {
	admin  AdminService
	audit  Emitter
	logger *slog.Logger
}

func newRoleHandler(admin AdminService, emitter Emitter, logger *slog.Logger) *roleHandler {
	return &roleHandler{admin: admin, audit: emitter, logger: logger}
}

type createRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type modifyRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *roleHandler) list(w http.ResponseWriter, r *http.Request) {
	roles, err := h.admin.ListRoles(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, roles)
}

func (h *roleHandler) get(w http.ResponseWriter, r *http.Request) {
	role, err := h.admin.GetRole(r.Context(), chi.URLParam(r, "role_id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, role)
}

func (h *roleHandler) create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.Decode[createRoleRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	if req.Name == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "name is required"))
		return
	}

	role, err := h.admin.CreateRole(ctx, req.Name, req.Description)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	h.emit(ctx, audit.Event{Action: audit.ActionRoleCreated, Reason: role.Name, ActorID: actorID(ctx)})
	httputil.WriteJSON(w, http.StatusCreated, role)
}

func (h *roleHandler) modify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	roleID := chi.URLParam(r, "role_id")

	req, ok := httputil.Decode[modifyRoleRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	role, err := h.admin.GetRole(ctx, roleID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.Name != "" {
		role.Name = req.Name
	}
	role.Description = req.Description

	if err := h.admin.ModifyRole(ctx, role); err != nil {
		httputil.WriteError(w, err)
		return
	}

	h.emit(ctx, audit.Event{Action: audit.ActionRoleModified, Reason: role.Name, ActorID: actorID(ctx)})
	httputil.WriteJSON(w, http.StatusOK, role)
}

func (h *roleHandler) delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	roleID := chi.URLParam(r, "role_id")

	if err := h.admin.DeleteRole(ctx, roleID); err != nil {
		httputil.WriteError(w, err)
		return
	}

	h.emit(ctx, audit.Event{Action: audit.ActionRoleDeleted, Reason: roleID, ActorID: actorID(ctx)})
	w.WriteHeader(http.StatusNoContent)
}

func (h *roleHandler) listForUser(w http.ResponseWriter, r *http.Request) {
	roles, err := h.admin.ListUserRoles(r.Context(), chi.URLParam(r, "user_id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, roles)
}

// assign resolves the role first: the upstream role-mapping endpoint wants
// the full role representation, not just its id.
func (h *roleHandler) assign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "user_id")

	role, err := h.admin.GetRole(ctx, chi.URLParam(r, "role_id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := h.admin.SetUserRole(ctx, userID, role); err != nil {
		httputil.WriteError(w, err)
		return
	}

	h.emit(ctx, audit.Event{
		Action:  audit.ActionRoleAssigned,
		UserID:  userID,
		Reason:  role.Name,
		ActorID: actorID(ctx),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *roleHandler) remove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "user_id")

	role, err := h.admin.GetRole(ctx, chi.URLParam(r, "role_id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := h.admin.RemoveUserRole(ctx, userID, role); err != nil {
		httputil.WriteError(w, err)
		return
	}

	h.emit(ctx, audit.Event{
		Action:  audit.ActionRoleRemoved,
		UserID:  userID,
		Reason:  role.Name,
		ActorID: actorID(ctx),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *roleHandler) emit(ctx context.Context, event audit.Event) {
	event.Timestamp = requestcontext.Now(ctx)
	event.RequestID = requestcontext.RequestID(ctx)
	event.IP = metadata.GetClientIP(ctx)
	if err := h.audit.Emit(ctx, event); err != nil {
		h.logger.ErrorContext(ctx, "audit emit failed", "error", err, "action", event.Action)
	}
}
