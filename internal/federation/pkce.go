package federation

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	dErrors "gatekeeper/pkg/domainerrors"
)

// verifierLength is within the RFC 7636 bounds of 43 to 128 characters.
const verifierLength = 64

const urlSafeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// pkcePair is one in-flight login's proof-of-possession material. The
// verifier stays server-side; only the challenge travels to the provider.
type pkcePair struct {
	verifier  string
	challenge string
}

func newPKCEPair() (pkcePair, error) {
	verifier, err := randomURLSafe(verifierLength)
	if err != nil {
		return pkcePair{}, err
	}
	digest := sha256.Sum256([]byte(verifier))
	return pkcePair{
		verifier:  verifier,
		challenge: base64.RawURLEncoding.EncodeToString(digest[:]),
	}, nil
}

// newState returns the CSRF token binding a login start to its callback.
func newState() (string, error) {
	return randomURLSafe(32)
}

func randomURLSafe(length int) (string, error) {
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "entropy source failed")
	}
	for i, b := range raw {
		raw[i] = urlSafeAlphabet[int(b)%len(urlSafeAlphabet)]
	}
	return string(raw), nil
}
