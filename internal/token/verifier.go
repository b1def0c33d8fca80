// Package token verifies bearer tokens issued by the upstream IdM against
// its published signing keys. Verification is local: no upstream round trip
// beyond the cached JWKS and discovery document.
package token

import (
	"context"
	"errors"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	dErrors "gatekeeper/pkg/domainerrors"
	stringsutil "gatekeeper/pkg/platform/strings"
	"gatekeeper/pkg/requestcontext"
)

// Verification failures are definitive per-request outcomes; callers must
// not retry them.
var (
	ErrMalformedToken   = errors.New("malformed token")
	ErrSignatureInvalid = errors.New("token signature invalid")
	ErrIssuerMismatch   = errors.New("token issuer mismatch")
	ErrTokenExpired     = errors.New("token expired")
	ErrAudienceMismatch = errors.New("token audience mismatch")
)

var verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gatekeeper_token_verifications_total",
	Help: "Token verification outcomes",
}, []string{"outcome"})

// KeySource provides the issuer and signing keys of the upstream IdM.
// *oidc.Client satisfies it.
type KeySource interface {
	Issuer(ctx context.Context) (string, error)
	Keys(ctx context.Context) (*jose.JSONWebKeySet, error)
	InvalidateKeys()
}

// Verifier checks signature, issuer, expiry, and (optionally) the authorized
// party of bearer tokens.
type Verifier struct {
	keys     KeySource
	clientID string

	// leeway is the clock-skew tolerance for exp checks. Zero means strict.
	leeway time.Duration
	// checkAudience enables the advisory azp check. Per OAuth2 semantics it
	// may be relaxed per deployment.
	checkAudience bool
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLeeway sets the exp clock-skew tolerance.
func WithLeeway(d time.Duration) Option {
	return func(v *Verifier) { v.leeway = d }
}

// WithoutAudienceCheck disables the advisory azp check.
func WithoutAudienceCheck() Option {
	return func(v *Verifier) { v.checkAudience = false }
}

// NewVerifier builds a Verifier for tokens addressed to the given client id.
func NewVerifier(keys KeySource, clientID string, opts ...Option) *Verifier {
	v := &Verifier{
		keys:          keys,
		clientID:      clientID,
		checkAudience: true,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks the raw bearer token and returns the verified identity. The
// returned claim map carries every claim, including unmodeled custom ones.
func (v *Verifier) Verify(ctx context.Context, raw string) (*requestcontext.VerifiedIdentity, error) {
	claims, err := v.verifyClaims(ctx, raw)
	if err != nil {
		verificationsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	identity, err := identityFromClaims(claims, v.clientID)
	if err != nil {
		verificationsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	verificationsTotal.WithLabelValues("verified").Inc()
	return identity, nil
}

func (v *Verifier) verifyClaims(ctx context.Context, raw string) (jwt.MapClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		// Claim checks are explicit below so each failure mode keeps its own
		// error identity.
		jwt.WithoutClaimsValidation(),
	)

	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return v.signingKey(ctx, t)
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrSignatureInvalid):
			return nil, ErrSignatureInvalid
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrSignatureInvalid
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrMalformedToken
		case errors.Is(err, jwt.ErrTokenUnverifiable):
			// Keyfunc failures: unreachable JWKS endpoint keeps its upstream
			// error, anything else is a signature problem.
			var de *dErrors.Error
			if errors.As(err, &de) {
				return nil, de
			}
			return nil, ErrSignatureInvalid
		default:
			return nil, ErrMalformedToken
		}
	}

	issuer, err := v.keys.Issuer(ctx)
	if err != nil {
		return nil, err
	}
	if iss, _ := claims["iss"].(string); iss != issuer {
		return nil, ErrIssuerMismatch
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, ErrTokenExpired
	}
	if time.Now().Add(-v.leeway).After(exp.Time) {
		return nil, ErrTokenExpired
	}

	if v.checkAudience {
		if azp, _ := claims["azp"].(string); azp != v.clientID {
			return nil, ErrAudienceMismatch
		}
	}

	return claims, nil
}

// signingKey resolves the verification key for the token's kid. An unknown
// kid invalidates the key cache and refetches once, which covers upstream
// key rotation without restarting the gateway.
func (v *Verifier) signingKey(ctx context.Context, t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, ErrSignatureInvalid
	}

	set, err := v.keys.Keys(ctx)
	if err != nil {
		return nil, err
	}

	if keys := set.Key(kid); len(keys) > 0 {
		return keys[0].Key, nil
	}

	v.keys.InvalidateKeys()
	set, err = v.keys.Keys(ctx)
	if err != nil {
		return nil, err
	}
	if keys := set.Key(kid); len(keys) > 0 {
		return keys[0].Key, nil
	}
	return nil, ErrSignatureInvalid
}

// identityFromClaims extracts the typed identity core. Role membership comes
// from resource_access[clientID].roles, the upstream's client-role claim.
func identityFromClaims(claims jwt.MapClaims, clientID string) (*requestcontext.VerifiedIdentity, error) {
	sub, _ := claims["sub"].(string)
	userID, err := uuid.Parse(sub)
	if err != nil {
		return nil, ErrMalformedToken
	}

	username, _ := claims["preferred_username"].(string)
	email, _ := claims["email"].(string)
	emailVerified, _ := claims["email_verified"].(bool)

	return &requestcontext.VerifiedIdentity{
		UserID:        userID,
		Username:      username,
		Email:         email,
		EmailVerified: emailVerified,
		Roles:         extractRoles(claims, clientID),
		Claims:        claims,
	}, nil
}

func extractRoles(claims jwt.MapClaims, clientID string) []string {
	resourceAccess, _ := claims["resource_access"].(map[string]any)
	client, _ := resourceAccess[clientID].(map[string]any)
	rawRoles, _ := client["roles"].([]any)

	roles := make([]string, 0, len(rawRoles))
	for _, r := range rawRoles {
		if role, ok := r.(string); ok {
			roles = append(roles, role)
		}
	}
	// Composite roles can surface the same entry twice.
	return stringsutil.DedupeAndTrim(roles)
}
