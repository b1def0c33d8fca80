package federation

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper/internal/idm"
	"gatekeeper/internal/oidc"
	"gatekeeper/internal/platform/config"
	dErrors "gatekeeper/pkg/domainerrors"
	"gatekeeper/pkg/platform/audit"
	"gatekeeper/pkg/platform/sentinel"
)

type fakeAccounts struct {
	linked  map[string]*idm.UserEntry // externalUserID -> user
	created []string
	links   []string
}

func (f *fakeAccounts) FindUserByFederatedIdentity(_ context.Context, _, externalUserID string) (*idm.UserEntry, error) {
	if user, ok := f.linked[externalUserID]; ok {
		return user, nil
	}
	return nil, sentinel.ErrNotFound
}

func (f *fakeAccounts) CreateUser(_ context.Context, username, _, _ string) (*idm.UserEntry, error) {
	f.created = append(f.created, username)
	return &idm.UserEntry{ID: "local-" + username, Username: username}, nil
}

func (f *fakeAccounts) LinkFederatedIdentity(_ context.Context, userID, provider, externalUserID, _ string) error {
	f.links = append(f.links, userID+"/"+provider+"/"+externalUserID)
	return nil
}

func (f *fakeAccounts) TokenExchangeImpersonate(_ context.Context, userID string) (*oidc.Token, error) {
	return &oidc.Token{AccessToken: "impersonated-" + userID, TokenType: "Bearer", ExpiresIn: 300}, nil
}

type fakeUpstream struct {
	grants   []string // "code redirectURI" per redeemed code
	grantErr error
}

func (f *fakeUpstream) Discover(context.Context) (*oidc.DiscoveryDocument, error) {
	return &oidc.DiscoveryDocument{
		AuthorizationEndpoint: "https://idm.test/realms/main/protocol/openid-connect/auth",
	}, nil
}

func (f *fakeUpstream) ClientID() string { return "gateway" }

func (f *fakeUpstream) AuthorizationCodeGrant(_ context.Context, code, redirectURI string) (*oidc.Token, error) {
	f.grants = append(f.grants, code+" "+redirectURI)
	if f.grantErr != nil {
		return nil, f.grantErr
	}
	return &oidc.Token{AccessToken: "brokered-" + code, TokenType: "Bearer", ExpiresIn: 300}, nil
}

type recordingEmitter struct {
	events []audit.Event
}

func (r *recordingEmitter) Emit(_ context.Context, event audit.Event) error {
	r.events = append(r.events, event)
	return nil
}

type brokerFixture struct {
	broker   *Broker
	accounts *fakeAccounts
	upstream *fakeUpstream
	emitter  *recordingEmitter
	redis    *miniredis.Miniredis
	tokenReq url.Values
}

func newBrokerFixture(t *testing.T) *brokerFixture {
	t.Helper()

	fix := &brokerFixture{
		accounts: &fakeAccounts{linked: map[string]*idm.UserEntry{}},
		upstream: &fakeUpstream{},
		emitter:  &recordingEmitter{},
	}

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		fix.tokenReq = r.PostForm
		if r.PostForm.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		// Numeric user_id on purpose: some providers send it unquoted.
		_, _ = w.Write([]byte(`{"access_token":"ext-tok","id_token":"ext-id","user_id":42,"expires_in":3600}`))
	}))
	t.Cleanup(provider.Close)

	fix.redis = miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: fix.redis.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.FederationConfig{Providers: map[string]config.ProviderConfig{
		"acme": {
			ClientID:     "ext-client",
			AuthorizeURL: "https://idp.acme.test/authorize",
			TokenURL:     provider.URL,
			RedirectURI:  "https://gateway.test/api/v1/auth/acme/endpoint",
			Scopes:       []string{"email", "profile"},
		},
		"google": {
			RedirectURI: "https://gateway.test/api/v1/auth/google/endpoint",
			Brokered:    true,
		},
	}}

	fix.broker = New(cfg, NewRedisStateStore(rdb), fix.accounts, fix.upstream,
		WithHTTPClient(provider.Client()),
		WithAuditEmitter(fix.emitter),
	)
	return fix
}

// startLogin runs StartLogin and returns the state plus the stored verifier.
func (fix *brokerFixture) startLogin(t *testing.T, providerName string) (state, verifier string) {
	t.Helper()
	redirect, err := fix.broker.StartLogin(context.Background(), providerName)
	require.NoError(t, err)

	parsed, err := url.Parse(redirect)
	require.NoError(t, err)
	state = parsed.Query().Get("state")
	require.NotEmpty(t, state)

	verifier, err = fix.redis.Get(providerName + ":auth:" + state)
	require.NoError(t, err)
	return state, verifier
}

func TestStartLoginBuildsAuthorizeURL(t *testing.T) {
	fix := newBrokerFixture(t)

	redirect, err := fix.broker.StartLogin(context.Background(), "acme")
	require.NoError(t, err)

	parsed, err := url.Parse(redirect)
	require.NoError(t, err)
	assert.Equal(t, "idp.acme.test", parsed.Host)

	query := parsed.Query()
	assert.Equal(t, "code", query.Get("response_type"))
	assert.Equal(t, "ext-client", query.Get("client_id"))
	assert.Equal(t, "email profile", query.Get("scope"))
	assert.Equal(t, "s256", query.Get("code_challenge_method"))
	assert.NotEmpty(t, query.Get("code_challenge"))
	assert.NotEmpty(t, query.Get("state"))

	// The stored verifier must hash to the challenge in the URL.
	verifier, err := fix.redis.Get("acme:auth:" + query.Get("state"))
	require.NoError(t, err)
	digest := sha256.Sum256([]byte(verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(digest[:]), query.Get("code_challenge"))
}

func TestStartLoginBrokeredProvider(t *testing.T) {
	fix := newBrokerFixture(t)

	redirect, err := fix.broker.StartLogin(context.Background(), "google")
	require.NoError(t, err)

	parsed, err := url.Parse(redirect)
	require.NoError(t, err)
	assert.Equal(t, "idm.test", parsed.Host)
	assert.Equal(t, "/realms/main/protocol/openid-connect/auth", parsed.Path)

	query := parsed.Query()
	assert.Equal(t, "code", query.Get("response_type"))
	assert.Equal(t, "gateway", query.Get("client_id"), "brokered logins use the gateway's own client")
	assert.Equal(t, "google", query.Get("kc_idp_hint"))
	assert.Equal(t, "openid", query.Get("scope"))
	assert.Empty(t, query.Get("code_challenge"), "the upstream leg carries no PKCE")

	// State is still stored for single use, just without a verifier.
	verifier, err := fix.redis.Get("google:auth:" + query.Get("state"))
	require.NoError(t, err)
	assert.Empty(t, verifier)
}

func TestStartLoginUnknownProvider(t *testing.T) {
	fix := newBrokerFixture(t)

	_, err := fix.broker.StartLogin(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeNotFound, dErrors.CodeOf(err))
}

func TestStartLoginStateExpires(t *testing.T) {
	fix := newBrokerFixture(t)
	state, _ := fix.startLogin(t, "acme")

	assert.Equal(t, stateTTL, fix.redis.TTL("acme:auth:"+state))
}

func TestCompleteLoginExistingAccount(t *testing.T) {
	fix := newBrokerFixture(t)
	fix.accounts.linked["42"] = &idm.UserEntry{ID: "u-existing", Username: "acme_42"}

	state, verifier := fix.startLogin(t, "acme")

	token, err := fix.broker.CompleteLogin(context.Background(), "acme", state, "good-code", "device-7")
	require.NoError(t, err)
	assert.Equal(t, "impersonated-u-existing", token.AccessToken)

	// Code exchange carried the stored verifier and the device context.
	assert.Equal(t, "authorization_code", fix.tokenReq.Get("grant_type"))
	assert.Equal(t, verifier, fix.tokenReq.Get("code_verifier"))
	assert.Equal(t, "device-7", fix.tokenReq.Get("device_id"))

	assert.Empty(t, fix.accounts.created, "existing accounts are never re-provisioned")
	assert.Empty(t, fix.emitter.events, "no provisioning means nothing to audit")
}

func TestCompleteLoginAutoProvisions(t *testing.T) {
	fix := newBrokerFixture(t)
	state, _ := fix.startLogin(t, "acme")

	token, err := fix.broker.CompleteLogin(context.Background(), "acme", state, "good-code", "")
	require.NoError(t, err)
	assert.Equal(t, "impersonated-local-acme_42", token.AccessToken)

	require.Equal(t, []string{"acme_42"}, fix.accounts.created)
	require.Equal(t, []string{"local-acme_42/acme/42"}, fix.accounts.links)
}

func TestCompleteLoginAuditsProvisioning(t *testing.T) {
	fix := newBrokerFixture(t)
	state, _ := fix.startLogin(t, "acme")

	_, err := fix.broker.CompleteLogin(context.Background(), "acme", state, "good-code", "")
	require.NoError(t, err)

	require.Len(t, fix.emitter.events, 2)

	created := fix.emitter.events[0]
	assert.Equal(t, audit.ActionUserCreated, created.Action)
	assert.Equal(t, "local-acme_42", created.UserID)
	assert.Equal(t, "acme_42", created.Username)
	assert.Equal(t, "acme", created.Provider)

	linked := fix.emitter.events[1]
	assert.Equal(t, audit.ActionFederatedLinkCreated, linked.Action)
	assert.Equal(t, "local-acme_42", linked.UserID)
	assert.Equal(t, "acme", linked.Provider)
	assert.Equal(t, "42", linked.Reason)
}

func TestCompleteLoginBrokeredProvider(t *testing.T) {
	fix := newBrokerFixture(t)
	state, _ := fix.startLogin(t, "google")

	token, err := fix.broker.CompleteLogin(context.Background(), "google", state, "idm-code", "")
	require.NoError(t, err)
	assert.Equal(t, "brokered-idm-code", token.AccessToken)

	// The code is redeemed at the upstream, not a third-party token URL, and
	// no local account mapping runs: the IdM already did it.
	require.Equal(t, []string{"idm-code https://gateway.test/api/v1/auth/google/endpoint"}, fix.upstream.grants)
	assert.Empty(t, fix.accounts.created)

	// Brokered state is still single use.
	_, err = fix.broker.CompleteLogin(context.Background(), "google", state, "idm-code", "")
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeUnauthorized, dErrors.CodeOf(err))
}

func TestCompleteLoginStateConsumedOnce(t *testing.T) {
	fix := newBrokerFixture(t)
	fix.accounts.linked["42"] = &idm.UserEntry{ID: "u-existing"}
	state, _ := fix.startLogin(t, "acme")

	_, err := fix.broker.CompleteLogin(context.Background(), "acme", state, "good-code", "")
	require.NoError(t, err)

	_, err = fix.broker.CompleteLogin(context.Background(), "acme", state, "good-code", "")
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeUnauthorized, dErrors.CodeOf(err))
}

func TestCompleteLoginExpiredState(t *testing.T) {
	fix := newBrokerFixture(t)
	state, _ := fix.startLogin(t, "acme")

	fix.redis.FastForward(stateTTL + time.Second)

	_, err := fix.broker.CompleteLogin(context.Background(), "acme", state, "good-code", "")
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeUnauthorized, dErrors.CodeOf(err))
}

func TestCompleteLoginStateStoreDown(t *testing.T) {
	fix := newBrokerFixture(t)
	state, _ := fix.startLogin(t, "acme")

	fix.redis.Close()

	_, err := fix.broker.CompleteLogin(context.Background(), "acme", state, "good-code", "")
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeUnavailable, dErrors.CodeOf(err))
	assert.True(t, errors.Is(err, sentinel.ErrUnavailable))
}

func TestCompleteLoginRejectedCode(t *testing.T) {
	fix := newBrokerFixture(t)
	state, _ := fix.startLogin(t, "acme")

	_, err := fix.broker.CompleteLogin(context.Background(), "acme", state, "bad-code", "")
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeUnauthorized, dErrors.CodeOf(err))
	assert.Equal(t, "invalid_grant", dErrors.MessageOf(err))
}
