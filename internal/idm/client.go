// Package idm wraps the upstream IdM's administrative REST API. All calls
// authenticate with a self-managed service credential obtained through the
// client-credentials grant and cached across requests.
package idm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"gatekeeper/internal/oidc"
	"gatekeeper/internal/platform/config"
	dErrors "gatekeeper/pkg/domainerrors"
	emailutil "gatekeeper/pkg/email"
	"gatekeeper/pkg/platform/sentinel"
)

// serviceTokenMargin is subtracted from the upstream expiry so a token is
// never used in the last moments of its validity window.
const serviceTokenMargin = 2 * time.Second

// TokenSource issues the gateway's own credentials. *oidc.Client satisfies it.
type TokenSource interface {
	ClientCredentialsGrant(ctx context.Context) (*oidc.Token, error)
	TokenExchangeGrant(ctx context.Context, subjectUserID string) (*oidc.Token, error)
}

// serviceToken is the cached client-credentials token. One shared instance
// per process, never per request.
type serviceToken struct {
	accessToken string
	tokenType   string
	expiresIn   time.Duration
	issuedAt    time.Time
}

func (t *serviceToken) usable(now time.Time) bool {
	return t != nil && now.Sub(t.issuedAt) < t.expiresIn-serviceTokenMargin
}

func (t *serviceToken) header() string {
	return t.tokenType + " " + t.accessToken
}

// Client performs privileged operations against the upstream IdM.
type Client struct {
	tokens    TokenSource
	endpoints endpoints
	clientID  string
	http      *http.Client
	logger    *slog.Logger

	tokenMu    sync.Mutex
	token      *serviceToken
	tokenGroup singleflight.Group

	internalIDMu sync.Mutex
	internalID   string
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient overrides the default 5s-timeout HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.http = httpClient }
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New builds an admin client for the configured upstream realm.
func New(cfg config.UpstreamConfig, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		tokens: tokens,
		endpoints: endpoints{
			base:  strings.TrimSuffix(cfg.URL, "/"),
			realm: cfg.Realm,
		},
		clientID: cfg.ClientID,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			},
			Timeout: 5 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// getServiceToken returns the cached credential while it is inside its
// validity margin, refreshing it otherwise. The refresh runs behind a
// singleflight and is detached from the triggering request's cancellation:
// the token is shared process state, not request state.
func (c *Client) getServiceToken(ctx context.Context) (*serviceToken, error) {
	c.tokenMu.Lock()
	cached := c.token
	c.tokenMu.Unlock()

	if cached.usable(time.Now()) {
		return cached, nil
	}

	v, err, _ := c.tokenGroup.Do("service-token", func() (any, error) {
		c.tokenMu.Lock()
		cached := c.token
		c.tokenMu.Unlock()
		if cached.usable(time.Now()) {
			return cached, nil
		}

		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()

		granted, err := c.tokens.ClientCredentialsGrant(refreshCtx)
		if err != nil {
			return nil, err
		}

		fresh := &serviceToken{
			accessToken: granted.AccessToken,
			tokenType:   granted.TokenType,
			expiresIn:   time.Duration(granted.ExpiresIn) * time.Second,
			issuedAt:    time.Now(),
		}

		c.tokenMu.Lock()
		c.token = fresh
		c.tokenMu.Unlock()

		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*serviceToken), nil
}

// invalidateServiceToken discards the cached credential after a 401.
func (c *Client) invalidateServiceToken() {
	c.tokenMu.Lock()
	c.token = nil
	c.tokenMu.Unlock()
}

// do issues an authenticated admin call. A 401 discards the cached service
// token and retries exactly once with bounded exponential backoff; every
// other failure is final.
func (c *Client) do(ctx context.Context, method, rawURL string, body any, out any) error {
	operation := func() ([]byte, error) {
		raw, err := c.send(ctx, method, rawURL, body)
		if err != nil {
			if dErrors.CodeOf(err) == dErrors.CodeUnauthorized {
				c.invalidateServiceToken()
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return raw, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond

	raw, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(2),
	)
	if err != nil {
		return err
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return dErrors.Wrap(err, dErrors.CodeUnavailable, "malformed identity provider response")
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, rawURL string, body any) ([]byte, error) {
	token, err := c.getServiceToken(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "encode admin request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "build admin request")
	}
	req.Header.Set("Authorization", token.header())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "identity provider unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "read identity provider response")
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return raw, nil
	}

	var upErr upstreamError
	_ = json.Unmarshal(raw, &upErr)

	c.logger.WarnContext(ctx, "admin call rejected",
		"method", method,
		"status", resp.StatusCode,
		"error", upErr.message(),
	)

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return nil, dErrors.New(dErrors.CodeUnauthorized, "service credential rejected")
	case http.StatusNotFound:
		return nil, dErrors.Wrap(sentinel.ErrNotFound, dErrors.CodeNotFound, upErr.message())
	case http.StatusConflict:
		return nil, dErrors.New(dErrors.CodeConflict, upErr.message())
	default:
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, dErrors.Newf(dErrors.CodeUnavailable, "identity provider returned status %d", resp.StatusCode)
		}
		return nil, dErrors.New(dErrors.CodeBadRequest, upErr.message())
	}
}

// clientInternalID resolves and caches the internal id of the gateway's own
// OAuth client. Role endpoints are keyed by this id, not the public client
// identifier.
func (c *Client) clientInternalID(ctx context.Context) (string, error) {
	c.internalIDMu.Lock()
	cached := c.internalID
	c.internalIDMu.Unlock()
	if cached != "" {
		return cached, nil
	}

	var clients []struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodGet, c.endpoints.clients(url.QueryEscape(c.clientID)), nil, &clients); err != nil {
		return "", err
	}
	if len(clients) == 0 {
		return "", dErrors.Newf(dErrors.CodeUnavailable, "client %s not registered upstream", c.clientID)
	}

	c.internalIDMu.Lock()
	c.internalID = clients[0].ID
	c.internalIDMu.Unlock()
	return clients[0].ID, nil
}

// ListUsers returns all users in the realm.
func (c *Client) ListUsers(ctx context.Context) ([]UserEntry, error) {
	var users []UserEntry
	if err := c.do(ctx, http.MethodGet, c.endpoints.users(), nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// GetUser returns a single user by id.
func (c *Client) GetUser(ctx context.Context, userID string) (*UserEntry, error) {
	var user UserEntry
	if err := c.do(ctx, http.MethodGet, c.endpoints.user(userID), nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByEmail finds the user with the exact given email.
func (c *Client) GetUserByEmail(ctx context.Context, email string) (*UserEntry, error) {
	query := url.Values{"email": {email}, "exact": {"true"}}
	return c.findOneUser(ctx, query.Encode())
}

// GetUserByUsername finds the user with the exact given username.
func (c *Client) GetUserByUsername(ctx context.Context, username string) (*UserEntry, error) {
	query := url.Values{"username": {username}, "exact": {"true"}}
	return c.findOneUser(ctx, query.Encode())
}

// FindUserByFederatedIdentity finds the local account linked to the given
// third-party identity, or sentinel.ErrNotFound when no link exists.
func (c *Client) FindUserByFederatedIdentity(ctx context.Context, provider, externalUserID string) (*UserEntry, error) {
	query := url.Values{"idpAlias": {provider}, "idpUserId": {externalUserID}}
	return c.findOneUser(ctx, query.Encode())
}

func (c *Client) findOneUser(ctx context.Context, query string) (*UserEntry, error) {
	var users []UserEntry
	if err := c.do(ctx, http.MethodGet, c.endpoints.usersByQuery(query), nil, &users); err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, sentinel.ErrNotFound
	}
	return &users[0], nil
}

// CreateUser provisions a user and returns the created entry. Password may
// be empty for accounts that only ever log in through a federated provider.
func (c *Client) CreateUser(ctx context.Context, username, email, password string) (*UserEntry, error) {
	if username == "" {
		username = email
	}
	payload := newUserPayload{
		Username:        username,
		Email:           email,
		Enabled:         true,
		Groups:          []string{},
		RequiredActions: []string{},
	}
	if email != "" {
		payload.FirstName, payload.LastName = emailutil.DeriveNameFromEmail(email)
	}
	if password != "" {
		payload.Credentials = []credential{{Type: "password", Value: password, Temporary: false}}
	}

	if err := c.do(ctx, http.MethodPost, c.endpoints.users(), payload, nil); err != nil {
		return nil, err
	}
	return c.GetUserByUsername(ctx, username)
}

// ResetPassword sets a new non-temporary password for the user. Verify the
// old password beforehand when the caller acts on their own account.
func (c *Client) ResetPassword(ctx context.Context, userID, password string) error {
	payload := credential{Type: "password", Value: password, Temporary: false}
	return c.do(ctx, http.MethodPut, c.endpoints.resetPassword(userID), payload, nil)
}

// ListRoles returns the gateway client's roles.
func (c *Client) ListRoles(ctx context.Context) ([]RoleEntry, error) {
	internalID, err := c.clientInternalID(ctx)
	if err != nil {
		return nil, err
	}
	var roles []RoleEntry
	if err := c.do(ctx, http.MethodGet, c.endpoints.clientRoles(internalID), nil, &roles); err != nil {
		return nil, err
	}
	return roles, nil
}

// GetRole returns a role by its id.
func (c *Client) GetRole(ctx context.Context, roleID string) (*RoleEntry, error) {
	var role RoleEntry
	if err := c.do(ctx, http.MethodGet, c.endpoints.roleByID(roleID), nil, &role); err != nil {
		return nil, err
	}
	return &role, nil
}

// CreateRole creates a client role and returns the created entry. The
// upstream returns no body on create, so the entry is re-read by name.
func (c *Client) CreateRole(ctx context.Context, name, description string) (*RoleEntry, error) {
	internalID, err := c.clientInternalID(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{"name": name, "description": description, "clientRole": true}
	if err := c.do(ctx, http.MethodPost, c.endpoints.clientRoles(internalID), payload, nil); err != nil {
		return nil, err
	}

	roles, err := c.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	for i := range roles {
		if roles[i].Name == name {
			return &roles[i], nil
		}
	}
	return nil, dErrors.Newf(dErrors.CodeUnavailable, "created role %s not visible upstream", name)
}

// ModifyRole updates a role in place.
func (c *Client) ModifyRole(ctx context.Context, role *RoleEntry) error {
	return c.do(ctx, http.MethodPut, c.endpoints.roleByID(role.ID), role, nil)
}

// DeleteRole removes a role by id.
func (c *Client) DeleteRole(ctx context.Context, roleID string) error {
	return c.do(ctx, http.MethodDelete, c.endpoints.roleByID(roleID), nil, nil)
}

// SetUserRole assigns a client role to a user.
func (c *Client) SetUserRole(ctx context.Context, userID string, role *RoleEntry) error {
	internalID, err := c.clientInternalID(ctx)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, c.endpoints.userClientRoleMappings(userID, internalID), []*RoleEntry{role}, nil)
}

// RemoveUserRole removes a client role from a user.
func (c *Client) RemoveUserRole(ctx context.Context, userID string, role *RoleEntry) error {
	internalID, err := c.clientInternalID(ctx)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, c.endpoints.userClientRoleMappings(userID, internalID), []*RoleEntry{role}, nil)
}

// ListUserRoles returns the client roles held by a user.
func (c *Client) ListUserRoles(ctx context.Context, userID string) ([]RoleEntry, error) {
	internalID, err := c.clientInternalID(ctx)
	if err != nil {
		return nil, err
	}
	var roles []RoleEntry
	if err := c.do(ctx, http.MethodGet, c.endpoints.userClientRoleMappings(userID, internalID), nil, &roles); err != nil {
		return nil, err
	}
	return roles, nil
}

// ListUserSessions returns the user's active upstream sessions.
func (c *Client) ListUserSessions(ctx context.Context, userID string) ([]UserSession, error) {
	var sessions []UserSession
	if err := c.do(ctx, http.MethodGet, c.endpoints.userSessions(userID), nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// TerminateAllSessions logs the user out of every session upstream.
func (c *Client) TerminateAllSessions(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodPost, c.endpoints.userLogout(userID), nil, nil)
}

// LinkFederatedIdentity records a third-party identity on a local account.
func (c *Client) LinkFederatedIdentity(ctx context.Context, userID, provider, externalUserID, externalUsername string) error {
	payload := FederatedIdentity{
		IdentityProvider: provider,
		UserID:           externalUserID,
		UserName:         externalUsername,
	}
	return c.do(ctx, http.MethodPost, c.endpoints.federatedIdentity(userID, provider), payload, nil)
}

// TokenExchangeImpersonate mints a local token as the given user without
// their credentials. Only the federated-login broker calls this; it must
// never be reachable from an external route.
func (c *Client) TokenExchangeImpersonate(ctx context.Context, userID string) (*oidc.Token, error) {
	token, err := c.tokens.TokenExchangeGrant(ctx, userID)
	if err != nil {
		return nil, err
	}
	return token, nil
}
