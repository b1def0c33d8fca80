package httptransport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"gatekeeper/internal/oidc"
	dErrors "gatekeeper/pkg/domainerrors"
	"gatekeeper/pkg/platform/audit"
	"gatekeeper/pkg/platform/httputil"
	"gatekeeper/pkg/platform/middleware/device"
	"gatekeeper/pkg/platform/middleware/metadata"
	"gatekeeper/pkg/requestcontext"
)

// FederationService drives third-party logins.
type FederationService interface {
	StartLogin(ctx context.Context, provider string) (string, error)
	CompleteLogin(ctx context.Context, provider, state, code, deviceID string) (*oidc.Token, error)
}

type federationHandler struct {
	broker FederationService
	audit  Emitter
	logger *slog.Logger
}

func newFederationHandler(broker FederationService, emitter Emitter, logger *slog.Logger) *federationHandler {
	return &federationHandler{broker: broker, audit: emitter, logger: logger}
}

// start redirects the browser to the provider's authorization page.
func (h *federationHandler) start(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provider := chi.URLParam(r, "provider")

	redirect, err := h.broker.StartLogin(ctx, provider)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	http.Redirect(w, r, redirect, http.StatusFound)
}

// callback is the provider's redirect target. It exchanges the code for a
// local token and returns it as the standard token response.
func (h *federationHandler) callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provider := chi.URLParam(r, "provider")
	query := r.URL.Query()

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "code and state are required"))
		return
	}
	// Some providers announce the callback flavor; only the code flow is
	// supported here.
	if cbType := query.Get("type"); cbType != "" && cbType != "code_v2" {
		httputil.WriteError(w, dErrors.Newf(dErrors.CodeBadRequest, "unsupported callback type %q", cbType))
		return
	}

	deviceID := query.Get("device_id")
	if deviceID == "" {
		deviceID = device.GetDeviceID(ctx)
	}

	token, err := h.broker.CompleteLogin(ctx, provider, state, code, deviceID)
	if err != nil {
		h.emit(ctx, audit.Event{
			Action:   audit.ActionAuthFailed,
			Provider: provider,
			Reason:   "federated_login_rejected",
		})
		httputil.WriteError(w, err)
		return
	}

	h.emit(ctx, audit.Event{Action: audit.ActionFederatedLogin, Provider: provider})
	h.emit(ctx, audit.Event{Action: audit.ActionImpersonationIssued, Provider: provider})
	httputil.WriteJSON(w, http.StatusOK, token)
}

func (h *federationHandler) emit(ctx context.Context, event audit.Event) {
	event.Timestamp = requestcontext.Now(ctx)
	event.RequestID = requestcontext.RequestID(ctx)
	event.IP = metadata.GetClientIP(ctx)
	if err := h.audit.Emit(ctx, event); err != nil {
		h.logger.ErrorContext(ctx, "audit emit failed", "error", err, "action", event.Action)
	}
}
