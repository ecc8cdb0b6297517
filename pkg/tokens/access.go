package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/fhirstack/authcore/pkg/logger"
	"github.com/fhirstack/authcore/pkg/tokens/keys"
)

// AccessClaims are the claims carried by an access token. The patient and
// encounter claims bind the token to the launch context it was issued
// under.
type AccessClaims struct {
	ClientID  string `json:"client_id"`
	Scope     string `json:"scope"`
	Patient   string `json:"patient,omitempty"`
	Encounter string `json:"encounter,omitempty"`
	jwt.RegisteredClaims
}

// AccessTokenParams carries the inputs for signing an access token.
type AccessTokenParams struct {
	Subject     string
	ClientID    string
	Scope       string
	Audience    string
	PatientID   string
	EncounterID string
}

// IssueAccessToken signs a new access token with the provider's current
// signing key. The kid header lets validators select the matching public
// key across rotations.
func (m *Manager) IssueAccessToken(ctx context.Context, params AccessTokenParams) (string, *AccessClaims, error) {
	if params.Subject == "" {
		return "", nil, fmt.Errorf("subject is required")
	}
	if params.ClientID == "" {
		return "", nil, fmt.Errorf("client id is required")
	}

	signingKey, err := m.provider.SigningKey(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("failed to get signing key: %w", err)
	}

	now := time.Now()
	claims := &AccessClaims{
		ClientID:  params.ClientID,
		Scope:     params.Scope,
		Patient:   params.PatientID,
		Encounter: params.EncounterID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.cfg.Issuer,
			Subject:   params.Subject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.AccessTokenTTL)),
		},
	}
	if params.Audience != "" {
		claims.Audience = jwt.ClaimStrings{params.Audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = signingKey.KeyID

	signed, err := token.SignedString(signingKey.Key)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, claims, nil
}

// ValidateAccessToken verifies a token's signature, issuer and expiry, then
// checks that its JTI has not been revoked.
func (m *Manager) ValidateAccessToken(ctx context.Context, tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(token *jwt.Token) (any, error) {
			return m.publicKeyFor(ctx, token)
		},
		jwt.WithValidMethods([]string{keys.DefaultAlgorithm}),
		jwt.WithIssuer(m.cfg.Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing jti", ErrInvalidToken)
	}

	revoked, err := m.store.IsUsed(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check revocation: %w", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// RevokeAccessToken revokes a signed token by recording its JTI until the
// token's own expiry. Revoking an already-revoked or expired token
// succeeds; revocation is idempotent.
func (m *Manager) RevokeAccessToken(ctx context.Context, tokenString string) error {
	// Expired tokens may still be revoked, so skip claim validation and
	// rely on the signature check alone.
	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(token *jwt.Token) (any, error) {
			return m.publicKeyFor(ctx, token)
		},
		jwt.WithValidMethods([]string{keys.DefaultAlgorithm}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	if claims.ID == "" || claims.ExpiresAt == nil {
		return fmt.Errorf("%w: missing jti or exp", ErrInvalidToken)
	}
	if !time.Now().Before(claims.ExpiresAt.Time) {
		// Already unusable; nothing to record.
		return nil
	}

	if _, err := m.store.MarkUsed(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return fmt.Errorf("failed to record revocation: %w", err)
	}
	logger.Infow("access token revoked", "jti", claims.ID, "client_id", claims.ClientID)
	return nil
}

// publicKeyFor selects the verification key matching the token's kid
// header, falling back to the first published key when no kid is present.
func (m *Manager) publicKeyFor(ctx context.Context, token *jwt.Token) (any, error) {
	publicKeys, err := m.provider.PublicKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get public keys: %w", err)
	}
	if len(publicKeys) == 0 {
		return nil, errors.New("no public keys available")
	}

	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return publicKeys[0].Key, nil
	}
	for _, pk := range publicKeys {
		if pk.KeyID == kid {
			return pk.Key, nil
		}
	}
	return nil, fmt.Errorf("no key matches kid %q", kid)
}
