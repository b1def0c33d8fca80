package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://idm.test/realms/master"
	testClientID = "gatekeeper"
)

// signer issues test tokens with a real RSA key pair.
type signer struct {
	key *rsa.PrivateKey
	kid string
}

func newSigner(t *testing.T, kid string) *signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &signer{key: key, kid: kid}
}

func (s *signer) jwk() jose.JSONWebKey {
	return jose.JSONWebKey{Key: &s.key.PublicKey, KeyID: s.kid, Algorithm: "RS256", Use: "sig"}
}

func (s *signer) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.kid
	raw, err := token.SignedString(s.key)
	require.NoError(t, err)
	return raw
}

func baseClaims(sub uuid.UUID) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":                testIssuer,
		"sub":                sub.String(),
		"azp":                testClientID,
		"exp":                time.Now().Add(time.Hour).Unix(),
		"preferred_username": "alice",
		"email":              "alice@example.com",
		"email_verified":     true,
		"resource_access": map[string]any{
			testClientID: map[string]any{
				"roles": []any{"admin", "viewer"},
			},
		},
	}
}

// fakeKeySource serves a mutable key set and counts invalidations.
type fakeKeySource struct {
	sets          []*jose.JSONWebKeySet // consumed per Keys call after invalidate
	current       *jose.JSONWebKeySet
	invalidations int
	keysErr       error
}

func newFakeKeySource(keys ...jose.JSONWebKey) *fakeKeySource {
	return &fakeKeySource{current: &jose.JSONWebKeySet{Keys: keys}}
}

func (f *fakeKeySource) Issuer(context.Context) (string, error) { return testIssuer, nil }

func (f *fakeKeySource) Keys(context.Context) (*jose.JSONWebKeySet, error) {
	if f.keysErr != nil {
		return nil, f.keysErr
	}
	return f.current, nil
}

func (f *fakeKeySource) InvalidateKeys() {
	f.invalidations++
	if len(f.sets) > 0 {
		f.current = f.sets[0]
		f.sets = f.sets[1:]
	}
}

func TestVerifyHappyPath(t *testing.T) {
	s := newSigner(t, "kid-1")
	sub := uuid.New()
	verifier := NewVerifier(newFakeKeySource(s.jwk()), testClientID)

	identity, err := verifier.Verify(context.Background(), s.sign(t, baseClaims(sub)))
	require.NoError(t, err)

	assert.Equal(t, sub, identity.UserID)
	assert.Equal(t, "alice", identity.Username)
	assert.Equal(t, "alice@example.com", identity.Email)
	assert.True(t, identity.EmailVerified)
	assert.Equal(t, []string{"admin", "viewer"}, identity.Roles)
	assert.Equal(t, testIssuer, identity.Claims["iss"], "full claim map is preserved")
}

func TestVerifyTamperedSignature(t *testing.T) {
	s := newSigner(t, "kid-1")
	verifier := NewVerifier(newFakeKeySource(s.jwk()), testClientID)

	raw := s.sign(t, baseClaims(uuid.New()))

	// Flip a byte in the signature segment.
	parts := strings.Split(raw, ".")
	require.Len(t, parts, 3)
	sig := []byte(parts[2])
	if sig[10] == 'A' {
		sig[10] = 'B'
	} else {
		sig[10] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)

	_, err := verifier.Verify(context.Background(), tampered)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerifyWrongKey(t *testing.T) {
	s := newSigner(t, "kid-1")
	other := newSigner(t, "kid-1") // same kid, different key
	verifier := NewVerifier(newFakeKeySource(other.jwk()), testClientID)

	_, err := verifier.Verify(context.Background(), s.sign(t, baseClaims(uuid.New())))
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerifyExpired(t *testing.T) {
	s := newSigner(t, "kid-1")
	verifier := NewVerifier(newFakeKeySource(s.jwk()), testClientID)

	claims := baseClaims(uuid.New())
	claims["exp"] = time.Now().Add(-time.Minute).Unix()

	_, err := verifier.Verify(context.Background(), s.sign(t, claims))
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyMissingExp(t *testing.T) {
	s := newSigner(t, "kid-1")
	verifier := NewVerifier(newFakeKeySource(s.jwk()), testClientID)

	claims := baseClaims(uuid.New())
	delete(claims, "exp")

	_, err := verifier.Verify(context.Background(), s.sign(t, claims))
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyExpiryLeeway(t *testing.T) {
	s := newSigner(t, "kid-1")
	claims := baseClaims(uuid.New())
	claims["exp"] = time.Now().Add(-30 * time.Second).Unix()
	raw := s.sign(t, claims)

	strict := NewVerifier(newFakeKeySource(s.jwk()), testClientID)
	_, err := strict.Verify(context.Background(), raw)
	assert.ErrorIs(t, err, ErrTokenExpired)

	tolerant := NewVerifier(newFakeKeySource(s.jwk()), testClientID, WithLeeway(time.Minute))
	_, err = tolerant.Verify(context.Background(), raw)
	assert.NoError(t, err)
}

func TestVerifyIssuerMismatch(t *testing.T) {
	s := newSigner(t, "kid-1")
	verifier := NewVerifier(newFakeKeySource(s.jwk()), testClientID)

	claims := baseClaims(uuid.New())
	claims["iss"] = "https://evil.test/realms/master"

	_, err := verifier.Verify(context.Background(), s.sign(t, claims))
	assert.ErrorIs(t, err, ErrIssuerMismatch)
}

func TestVerifyAudienceCheck(t *testing.T) {
	s := newSigner(t, "kid-1")
	claims := baseClaims(uuid.New())
	claims["azp"] = "some-other-client"
	raw := s.sign(t, claims)

	strict := NewVerifier(newFakeKeySource(s.jwk()), testClientID)
	_, err := strict.Verify(context.Background(), raw)
	assert.ErrorIs(t, err, ErrAudienceMismatch)

	relaxed := NewVerifier(newFakeKeySource(s.jwk()), testClientID, WithoutAudienceCheck())
	_, err = relaxed.Verify(context.Background(), raw)
	assert.NoError(t, err)
}

func TestVerifyMalformed(t *testing.T) {
	s := newSigner(t, "kid-1")
	verifier := NewVerifier(newFakeKeySource(s.jwk()), testClientID)

	for _, raw := range []string{"", "not-a-jwt", "a.b", "a.b.c.d"} {
		_, err := verifier.Verify(context.Background(), raw)
		assert.ErrorIs(t, err, ErrMalformedToken, "input %q", raw)
	}
}

func TestVerifyNonUUIDSubject(t *testing.T) {
	s := newSigner(t, "kid-1")
	verifier := NewVerifier(newFakeKeySource(s.jwk()), testClientID)

	claims := baseClaims(uuid.New())
	claims["sub"] = "service-account-thing"

	_, err := verifier.Verify(context.Background(), s.sign(t, claims))
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestVerifyKeyRotation(t *testing.T) {
	old := newSigner(t, "kid-old")
	rotated := newSigner(t, "kid-new")

	// Cache still holds the old set; the rotated set appears after invalidate.
	source := newFakeKeySource(old.jwk())
	source.sets = []*jose.JSONWebKeySet{{Keys: []jose.JSONWebKey{rotated.jwk()}}}

	verifier := NewVerifier(source, testClientID)

	identity, err := verifier.Verify(context.Background(), rotated.sign(t, baseClaims(uuid.New())))
	require.NoError(t, err)
	assert.NotNil(t, identity)
	assert.Equal(t, 1, source.invalidations, "unknown kid triggers one refetch")
}

func TestVerifyUnknownKidAfterRefetch(t *testing.T) {
	old := newSigner(t, "kid-old")
	stranger := newSigner(t, "kid-stranger")

	source := newFakeKeySource(old.jwk())

	verifier := NewVerifier(source, testClientID)
	_, err := verifier.Verify(context.Background(), stranger.sign(t, baseClaims(uuid.New())))
	assert.ErrorIs(t, err, ErrSignatureInvalid)
	assert.Equal(t, 1, source.invalidations)
}

func TestVerifyMissingKid(t *testing.T) {
	s := newSigner(t, "kid-1")
	verifier := NewVerifier(newFakeKeySource(s.jwk()), testClientID)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, baseClaims(uuid.New()))
	raw, err := token.SignedString(s.key)
	require.NoError(t, err)

	_, err = verifier.Verify(context.Background(), raw)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerifyNoRolesClaim(t *testing.T) {
	s := newSigner(t, "kid-1")
	verifier := NewVerifier(newFakeKeySource(s.jwk()), testClientID)

	claims := baseClaims(uuid.New())
	delete(claims, "resource_access")

	identity, err := verifier.Verify(context.Background(), s.sign(t, claims))
	require.NoError(t, err)
	assert.Empty(t, identity.Roles)
	assert.False(t, identity.HasAnyRole("admin"))
}
