// Package federation drives third-party OAuth2 logins with PKCE and maps the
// external identity onto a local account through the admin gateway.
package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"gatekeeper/internal/idm"
	"gatekeeper/internal/oidc"
	"gatekeeper/internal/platform/config"
	dErrors "gatekeeper/pkg/domainerrors"
	"gatekeeper/pkg/platform/audit"
	"gatekeeper/pkg/platform/sentinel"
	"gatekeeper/pkg/requestcontext"
)

var logins = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gatekeeper_federated_logins_total",
	Help: "Completed federated login attempts by provider and outcome.",
}, []string{"provider", "outcome"})

// CodeBroker is the slice of the upstream OIDC client used for logins the
// IdM brokers itself: building the authorization URL and redeeming the code.
type CodeBroker interface {
	Discover(ctx context.Context) (*oidc.DiscoveryDocument, error)
	ClientID() string
	AuthorizationCodeGrant(ctx context.Context, code, redirectURI string) (*oidc.Token, error)
}

// AccountLinker is the slice of the admin gateway the broker needs: looking
// up and provisioning federated accounts and minting impersonation tokens.
type AccountLinker interface {
	FindUserByFederatedIdentity(ctx context.Context, provider, externalUserID string) (*idm.UserEntry, error)
	CreateUser(ctx context.Context, username, email, password string) (*idm.UserEntry, error)
	LinkFederatedIdentity(ctx context.Context, userID, provider, externalUserID, externalUsername string) error
	TokenExchangeImpersonate(ctx context.Context, userID string) (*oidc.Token, error)
}

// Emitter records audit events. Satisfied by the audit publisher.
type Emitter interface {
	Emit(ctx context.Context, event audit.Event) error
}

// noopEmitter backs brokers built without an audit pipeline (tests).
type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, audit.Event) error { return nil }

// Broker runs the authorization-code + PKCE flow against configured
// providers. It never sees or asks for a local password.
type Broker struct {
	providers map[string]config.ProviderConfig
	states    StateStore
	accounts  AccountLinker
	upstream  CodeBroker
	audit     Emitter
	http      *http.Client
	logger    *slog.Logger
}

// Option configures the Broker.
type Option func(*Broker)

// WithHTTPClient overrides the default 5s-timeout HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(b *Broker) { b.http = httpClient }
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) { b.logger = logger }
}

// WithAuditEmitter routes provisioning events into the audit pipeline.
func WithAuditEmitter(emitter Emitter) Option {
	return func(b *Broker) { b.audit = emitter }
}

// New builds a broker over the configured providers. upstream serves
// brokered providers, whose login runs through the IdM's own authorize
// endpoint instead of a direct third-party exchange.
func New(cfg config.FederationConfig, states StateStore, accounts AccountLinker, upstream CodeBroker, opts ...Option) *Broker {
	b := &Broker{
		providers: cfg.Providers,
		states:    states,
		accounts:  accounts,
		upstream:  upstream,
		audit:     noopEmitter{},
		http:      &http.Client{Timeout: 5 * time.Second},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// StartLogin generates state and a PKCE pair, stores the verifier, and
// returns the provider authorization URL the caller should be redirected to.
// Brokered providers skip PKCE and redirect to the IdM instead.
func (b *Broker) StartLogin(ctx context.Context, providerName string) (string, error) {
	provider, ok := b.providers[providerName]
	if !ok {
		return "", dErrors.Newf(dErrors.CodeNotFound, "unknown login provider %q", providerName)
	}

	state, err := newState()
	if err != nil {
		return "", err
	}

	if provider.Brokered {
		return b.startBrokeredLogin(ctx, providerName, provider, state)
	}

	pkce, err := newPKCEPair()
	if err != nil {
		return "", err
	}

	if err := b.states.Save(ctx, providerName, state, pkce.verifier); err != nil {
		return "", err
	}

	query := url.Values{
		"response_type":         {"code"},
		"client_id":             {provider.ClientID},
		"scope":                 {strings.Join(provider.Scopes, " ")},
		"redirect_uri":          {provider.RedirectURI},
		"state":                 {state},
		"code_challenge":        {pkce.challenge},
		"code_challenge_method": {"s256"},
	}
	return provider.AuthorizeURL + "?" + query.Encode(), nil
}

// startBrokeredLogin points the browser at the IdM's own authorize endpoint
// with an idp hint; the IdM runs the third-party leg and hands back a code
// our own client can redeem. No PKCE verifier: the stored state is only a
// consume-once marker.
func (b *Broker) startBrokeredLogin(ctx context.Context, providerName string, provider config.ProviderConfig, state string) (string, error) {
	doc, err := b.upstream.Discover(ctx)
	if err != nil {
		return "", err
	}

	if err := b.states.Save(ctx, providerName, state, ""); err != nil {
		return "", err
	}

	scopes := provider.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid"}
	}
	query := url.Values{
		"response_type": {"code"},
		"client_id":     {b.upstream.ClientID()},
		"scope":         {strings.Join(scopes, " ")},
		"redirect_uri":  {provider.RedirectURI},
		"state":         {state},
		"kc_idp_hint":   {providerName},
	}
	return doc.AuthorizationEndpoint + "?" + query.Encode(), nil
}

// CompleteLogin redeems the callback: it consumes the stored verifier,
// exchanges the code at the provider, resolves (or provisions) the linked
// local account, and mints a local token for it via impersonation exchange.
func (b *Broker) CompleteLogin(ctx context.Context, providerName, state, code, deviceID string) (*oidc.Token, error) {
	provider, ok := b.providers[providerName]
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeNotFound, "unknown login provider %q", providerName)
	}

	verifier, err := b.states.Consume(ctx, providerName, state)
	if errors.Is(err, sentinel.ErrNotFound) {
		logins.WithLabelValues(providerName, "stale_state").Inc()
		return nil, dErrors.New(dErrors.CodeUnauthorized, "login attempt expired or already used")
	}
	if err != nil {
		return nil, err
	}

	if provider.Brokered {
		return b.completeBrokeredLogin(ctx, providerName, provider, code)
	}

	external, err := b.exchangeCode(ctx, provider, code, verifier, deviceID)
	if err != nil {
		logins.WithLabelValues(providerName, "exchange_failed").Inc()
		return nil, err
	}

	externalUserID := external.UserID.String()
	if externalUserID == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "provider response missing user id")
	}

	user, err := b.accounts.FindUserByFederatedIdentity(ctx, providerName, externalUserID)
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		user, err = b.provision(ctx, providerName, externalUserID)
		if err != nil {
			logins.WithLabelValues(providerName, "provision_failed").Inc()
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	token, err := b.accounts.TokenExchangeImpersonate(ctx, user.ID)
	if err != nil {
		logins.WithLabelValues(providerName, "impersonation_failed").Inc()
		return nil, err
	}

	logins.WithLabelValues(providerName, "success").Inc()
	b.logger.InfoContext(ctx, "federated login completed",
		"provider", providerName,
		"user_id", user.ID,
	)
	return token, nil
}

// completeBrokeredLogin redeems the code at the IdM's own token endpoint. The
// IdM already resolved the external identity to a local account during its
// brokered leg, so there is nothing to map or provision here.
func (b *Broker) completeBrokeredLogin(ctx context.Context, providerName string, provider config.ProviderConfig, code string) (*oidc.Token, error) {
	token, err := b.upstream.AuthorizationCodeGrant(ctx, code, provider.RedirectURI)
	if err != nil {
		logins.WithLabelValues(providerName, "exchange_failed").Inc()
		return nil, err
	}

	logins.WithLabelValues(providerName, "success").Inc()
	b.logger.InfoContext(ctx, "federated login completed",
		"provider", providerName,
		"brokered", true,
	)
	return token, nil
}

// provision creates a password-less local account for a first-time federated
// user and records the identity link on it.
func (b *Broker) provision(ctx context.Context, providerName, externalUserID string) (*idm.UserEntry, error) {
	username := fmt.Sprintf("%s_%s", providerName, externalUserID)

	user, err := b.accounts.CreateUser(ctx, username, "", "")
	if err != nil {
		return nil, err
	}
	b.emit(ctx, audit.Event{
		Action:   audit.ActionUserCreated,
		UserID:   user.ID,
		Username: username,
		Provider: providerName,
	})

	if err := b.accounts.LinkFederatedIdentity(ctx, user.ID, providerName, externalUserID, username); err != nil {
		return nil, err
	}
	b.emit(ctx, audit.Event{
		Action:   audit.ActionFederatedLinkCreated,
		UserID:   user.ID,
		Username: username,
		Provider: providerName,
		Reason:   externalUserID,
	})

	b.logger.InfoContext(ctx, "auto-provisioned federated account",
		"provider", providerName,
		"username", username,
	)
	return user, nil
}

// emit stamps and publishes an audit event; a broken audit pipeline never
// fails the login itself.
func (b *Broker) emit(ctx context.Context, event audit.Event) {
	event.Timestamp = requestcontext.Now(ctx)
	event.RequestID = requestcontext.RequestID(ctx)
	if err := b.audit.Emit(ctx, event); err != nil {
		b.logger.ErrorContext(ctx, "audit emit failed", "action", string(event.Action), "error", err)
	}
}

// providerToken is the third-party token endpoint's response. user_id comes
// back as a number from some providers and a string from others.
type providerToken struct {
	AccessToken string      `json:"access_token"`
	IDToken     string      `json:"id_token"`
	UserID      json.Number `json:"user_id"`
	ExpiresIn   int         `json:"expires_in"`
}

type providerError struct {
	Err         string `json:"error"`
	Description string `json:"error_description"`
}

func (e providerError) message() string {
	if e.Description != "" {
		return e.Description
	}
	return e.Err
}

func (b *Broker) exchangeCode(ctx context.Context, provider config.ProviderConfig, code, verifier, deviceID string) (*providerToken, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {provider.ClientID},
		"redirect_uri":  {provider.RedirectURI},
		"code":          {code},
		"code_verifier": {verifier},
	}
	if deviceID != "" {
		form.Set("device_id", deviceID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "build provider token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "login provider unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var provErr providerError
		_ = json.NewDecoder(resp.Body).Decode(&provErr)
		b.logger.WarnContext(ctx, "provider code exchange rejected",
			"status", resp.StatusCode,
			"error", provErr.message(),
		)
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, dErrors.Newf(dErrors.CodeUnavailable, "login provider returned status %d", resp.StatusCode)
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, provErr.message())
	}

	var token providerToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "malformed provider token response")
	}
	return &token, nil
}
