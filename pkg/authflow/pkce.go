package authflow

import (
	"crypto/subtle"

	"golang.org/x/oauth2"
)

// PKCE challenge methods per RFC 7636.
const (
	// MethodS256 hashes the verifier: code_challenge = BASE64URL(SHA256(code_verifier)).
	MethodS256 = "S256"

	// MethodPlain uses the verifier as the challenge directly.
	MethodPlain = "plain"
)

// NewCode mints an unguessable opaque value suitable for authorization codes
// and session identifiers: 43 base64url characters (32 random bytes), the
// same construction RFC 7636 uses for verifiers. Panics on crypto/rand read
// failure.
func NewCode() string {
	return oauth2.GenerateVerifier()
}

// VerifyPKCE checks a code_verifier against the challenge recorded at
// authorize time. Comparisons are constant-time. An unknown method never
// verifies.
func VerifyPKCE(challenge, method, verifier string) bool {
	switch method {
	case MethodS256:
		computed := oauth2.S256ChallengeFromVerifier(verifier)
		return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
	case MethodPlain:
		return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
	default:
		return false
	}
}
