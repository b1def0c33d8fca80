// Package oidc speaks the OpenID Connect protocol to the upstream IdM:
// discovery, token grants, introspection, logout, and JWKS retrieval.
package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"gatekeeper/internal/platform/config"
	dErrors "gatekeeper/pkg/domainerrors"
)

// grantTokenExchange is the RFC 8693 token exchange grant type, used for
// naked impersonation during federated login auto-provisioning.
const grantTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"

var upstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "gatekeeper_oidc_request_duration_seconds",
	Help:    "Latency of OIDC endpoint calls to the upstream IdM",
	Buckets: prometheus.DefBuckets,
}, []string{"endpoint"})

// Client performs OIDC interactions against a single upstream realm using
// the gateway's own OAuth client credentials.
type Client struct {
	baseURL      string
	realm        string
	clientID     string
	clientSecret string

	http   *http.Client
	logger *slog.Logger

	discovery      atomic.Pointer[DiscoveryDocument]
	discoveryGroup singleflight.Group

	keys *keyCache
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default 5s-timeout HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.http = httpClient
	}
}

// WithLogger attaches a logger for upstream failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithKeyTTL bounds how long the cached JWK set is trusted.
func WithKeyTTL(ttl time.Duration) Option {
	return func(c *Client) {
		c.keys = newKeyCache(ttl)
	}
}

// New constructs a Client for the configured upstream realm.
func New(cfg config.UpstreamConfig, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimSuffix(cfg.URL, "/"),
		realm:        cfg.Realm,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			},
			Timeout: 5 * time.Second,
		},
		logger: slog.Default(),
		keys:   newKeyCache(10 * time.Minute),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ClientID returns the gateway's public OAuth client identifier.
func (c *Client) ClientID() string { return c.clientID }

// Discover fetches and caches the discovery document. Concurrent callers
// share one fetch; the document is reused for the process lifetime.
func (c *Client) Discover(ctx context.Context) (*DiscoveryDocument, error) {
	if doc := c.discovery.Load(); doc != nil {
		return doc, nil
	}

	v, err, _ := c.discoveryGroup.Do("discovery", func() (any, error) {
		if doc := c.discovery.Load(); doc != nil {
			return doc, nil
		}

		wellKnown := fmt.Sprintf("%s/realms/%s/.well-known/openid-configuration", c.baseURL, c.realm)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "build discovery request")
		}
		req.Header.Set("Accept", "application/json")

		start := time.Now()
		resp, err := c.http.Do(req)
		upstreamRequestDuration.WithLabelValues("discovery").Observe(time.Since(start).Seconds())
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "identity provider unreachable")
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, dErrors.Newf(dErrors.CodeUnavailable, "discovery returned status %d", resp.StatusCode)
		}

		var doc DiscoveryDocument
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "malformed discovery document")
		}
		if doc.Issuer == "" || doc.TokenEndpoint == "" || doc.JWKSURI == "" {
			return nil, dErrors.New(dErrors.CodeUnavailable, "discovery document missing required endpoints")
		}

		c.discovery.Store(&doc)
		return &doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*DiscoveryDocument), nil
}

// Issuer returns the discovered issuer URL.
func (c *Client) Issuer(ctx context.Context) (string, error) {
	doc, err := c.Discover(ctx)
	if err != nil {
		return "", err
	}
	return doc.Issuer, nil
}

// PasswordGrant exchanges end-user credentials for a token.
func (c *Client) PasswordGrant(ctx context.Context, username, password string) (*Token, error) {
	return c.tokenGrant(ctx, url.Values{
		"grant_type": {"password"},
		"scope":      {"openid roles profile"},
		"username":   {username},
		"password":   {password},
	})
}

// ClientCredentialsGrant obtains the gateway's own service credential.
func (c *Client) ClientCredentialsGrant(ctx context.Context) (*Token, error) {
	return c.tokenGrant(ctx, url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {"openid roles profile"},
	})
}

// AuthorizationCodeGrant redeems an authorization code.
func (c *Client) AuthorizationCodeGrant(ctx context.Context, code, redirectURI string) (*Token, error) {
	return c.tokenGrant(ctx, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
	})
}

// RefreshGrant exchanges a refresh token for a fresh token pair.
func (c *Client) RefreshGrant(ctx context.Context, refreshToken string) (*Token, error) {
	return c.tokenGrant(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"scope":         {"openid roles profile"},
		"refresh_token": {refreshToken},
	})
}

// TokenExchangeGrant mints a token as the given subject without their
// credentials (naked impersonation). Restricted to trusted internal callers;
// nothing routes it externally.
func (c *Client) TokenExchangeGrant(ctx context.Context, subjectUserID string) (*Token, error) {
	return c.tokenGrant(ctx, url.Values{
		"grant_type":           {grantTokenExchange},
		"requested_subject":    {subjectUserID},
		"requested_token_type": {"urn:ietf:params:oauth:token-type:access_token"},
	})
}

// Introspect reports whether a token is live according to the upstream.
func (c *Client) Introspect(ctx context.Context, token string) (bool, error) {
	doc, err := c.Discover(ctx)
	if err != nil {
		return false, err
	}

	body, err := c.postForm(ctx, "introspect", doc.IntrospectionEndpoint, url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"token":         {token},
	})
	if err != nil {
		return false, err
	}

	var result struct {
		Active bool `json:"active"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeUnavailable, "malformed introspection response")
	}
	return result.Active, nil
}

// Logout revokes the session behind the given refresh token.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	doc, err := c.Discover(ctx)
	if err != nil {
		return err
	}

	_, err = c.postForm(ctx, "logout", doc.EndSessionEndpoint, url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"refresh_token": {refreshToken},
	})
	return err
}

// Keys returns the upstream JWK set from the time-boxed cache, fetching when
// absent or stale.
func (c *Client) Keys(ctx context.Context) (*jose.JSONWebKeySet, error) {
	return c.keys.get(ctx, c.fetchKeys)
}

// InvalidateKeys drops the cached key set. The verifier calls this when a
// token references a key id the cached set does not contain.
func (c *Client) InvalidateKeys() {
	c.keys.invalidate()
}

func (c *Client) fetchKeys(ctx context.Context) (*jose.JSONWebKeySet, error) {
	doc, err := c.Discover(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, doc.JWKSURI, nil)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "build jwks request")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	upstreamRequestDuration.WithLabelValues("jwks").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "identity provider unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, dErrors.Newf(dErrors.CodeUnavailable, "jwks endpoint returned status %d", resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "malformed jwks document")
	}
	return &set, nil
}

// tokenGrant POSTs a form-encoded grant request to the discovered token
// endpoint with the gateway's client credentials attached. Any non-2xx is a
// credential failure from the caller's point of view and surfaces the OAuth2
// error description.
func (c *Client) tokenGrant(ctx context.Context, form url.Values) (*Token, error) {
	doc, err := c.Discover(ctx)
	if err != nil {
		return nil, err
	}

	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	body, err := c.postForm(ctx, "token", doc.TokenEndpoint, form)
	if err != nil {
		return nil, err
	}

	var token Token
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "malformed token response")
	}
	return &token, nil
}

// postForm sends a form-encoded POST and returns the raw body on 2xx. Error
// bodies are parsed as OAuth2 errors: 401/403 become unauthorized, anything
// else a validation failure carrying the upstream message.
func (c *Client) postForm(ctx context.Context, endpoint, rawURL string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "build upstream request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	upstreamRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "identity provider unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "read upstream response")
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return raw, nil
	}

	var oauthErr oauthError
	_ = json.Unmarshal(raw, &oauthErr)

	c.logger.WarnContext(ctx, "upstream rejected request",
		"endpoint", endpoint,
		"status", resp.StatusCode,
		"error", oauthErr.Error,
	)

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, dErrors.Newf(dErrors.CodeUnavailable, "identity provider returned status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusBadRequest:
		// Keycloak reports invalid_grant for bad credentials with a 400 or
		// 401 depending on the flow; both are credential failures here.
		return nil, dErrors.New(dErrors.CodeUnauthorized, oauthErr.message())
	default:
		return nil, dErrors.New(dErrors.CodeBadRequest, oauthErr.message())
	}
}
