// Package tokens implements the token lifecycle: ES256-signed access
// tokens with JTI-based revocation, hashed refresh tokens with rotation and
// bulk revocation, client-assertion replay prevention, and single-use
// launch contexts. The code-to-token exchange orchestration lives here too,
// tying the authorization flow and token issuance together the way the HTTP
// token endpoint collaborator would.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fhirstack/authcore/pkg/authflow"
	"github.com/fhirstack/authcore/pkg/logger"
	"github.com/fhirstack/authcore/pkg/scopes"
	"github.com/fhirstack/authcore/pkg/storage"
	"github.com/fhirstack/authcore/pkg/tokens/keys"
)

var (
	// ErrReplayDetected indicates a client-assertion JTI was already used.
	ErrReplayDetected = errors.New("replay detected")

	// ErrInvalidToken indicates a token that fails signature, structure or
	// expiry checks.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenRevoked indicates a structurally valid token that has been
	// revoked.
	ErrTokenRevoked = errors.New("token revoked")
)

const (
	// DefaultAccessTokenTTL is the access token lifetime.
	DefaultAccessTokenTTL = 1 * time.Hour

	// DefaultIssuer is used when no issuer is configured.
	DefaultIssuer = "https://authcore.local"
)

// Config configures token issuance.
type Config struct {
	// Issuer is the iss claim on issued access tokens.
	Issuer string

	// AccessTokenTTL is the access token lifetime.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the refresh token lifetime.
	RefreshTokenTTL time.Duration

	// LaunchContextTTL bounds the launch identifier redemption window.
	LaunchContextTTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Issuer:           DefaultIssuer,
		AccessTokenTTL:   DefaultAccessTokenTTL,
		RefreshTokenTTL:  storage.DefaultRefreshTokenTTL,
		LaunchContextTTL: storage.DefaultLaunchContextTTL,
	}
}

// Manager owns the token lifecycle on top of a storage backend and a
// signing key provider.
type Manager struct {
	store    storage.Store
	provider keys.Provider
	flow     *authflow.Flow
	cfg      *Config
}

// NewManager creates a Manager. The flow must share the manager's store so
// code consumption and token issuance observe the same records.
func NewManager(store storage.Store, provider keys.Provider, flow *authflow.Flow, cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.AccessTokenTTL == 0 {
		cfg.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if cfg.RefreshTokenTTL == 0 {
		cfg.RefreshTokenTTL = storage.DefaultRefreshTokenTTL
	}
	if cfg.LaunchContextTTL == 0 {
		cfg.LaunchContextTTL = storage.DefaultLaunchContextTTL
	}
	return &Manager{store: store, provider: provider, flow: flow, cfg: cfg}
}

// TokenResponse is the result of a successful exchange, shaped for the
// token endpoint collaborator.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Patient      string `json:"patient,omitempty"`
	Encounter    string `json:"encounter,omitempty"`
}

// Exchange redeems an authorization code for tokens: atomic single-use code
// consumption with PKCE verification, launch context resolution, access
// token signing, and a refresh token when offline_access was granted.
func (m *Manager) Exchange(ctx context.Context, code, codeVerifier, clientID string) (*TokenResponse, error) {
	record, err := m.flow.Consume(ctx, code, codeVerifier)
	if err != nil {
		return nil, err
	}
	if record.ClientID != clientID {
		logger.Warnw("authorization code presented by wrong client",
			"expected", record.ClientID, "got", clientID)
		return nil, fmt.Errorf("%w: code was issued to a different client", authflow.ErrInvalidGrant)
	}

	summary, err := scopes.Parse(record.Scope)
	if err != nil {
		// The scope was validated at authorize time; a parse failure here
		// means the stored record is corrupt.
		return nil, fmt.Errorf("stored scope is invalid: %w", err)
	}

	var patientID, encounterID string
	if record.LaunchID != "" {
		launch, err := m.store.ConsumeLaunchContext(ctx, record.LaunchID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
				return nil, fmt.Errorf("%w: launch context is no longer available", authflow.ErrInvalidGrant)
			}
			return nil, fmt.Errorf("failed to consume launch context: %w", err)
		}
		patientID = launch.PatientID
		encounterID = launch.EncounterID
	}

	accessToken, claims, err := m.IssueAccessToken(ctx, AccessTokenParams{
		Subject:     record.UserID,
		ClientID:    record.ClientID,
		Scope:       record.Scope,
		Audience:    record.Audience,
		PatientID:   patientID,
		EncounterID: encounterID,
	})
	if err != nil {
		return nil, err
	}

	resp := &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(claims.ExpiresAt.Time).Seconds()),
		Scope:       record.Scope,
		Patient:     patientID,
		Encounter:   encounterID,
	}

	if summary.OfflineAccess {
		plaintext, _, err := m.IssueRefreshToken(ctx, RefreshTokenParams{
			UserID:      record.UserID,
			ClientID:    record.ClientID,
			Scope:       record.Scope,
			PatientID:   patientID,
			EncounterID: encounterID,
		})
		if err != nil {
			return nil, err
		}
		resp.RefreshToken = plaintext
	}

	logger.Infow("token issued",
		"client_id", record.ClientID,
		"user_id", record.UserID,
		"offline_access", summary.OfflineAccess,
	)
	return resp, nil
}

// Refresh rotates a refresh token and issues a fresh access token carrying
// the original grant's scope and launch context.
func (m *Manager) Refresh(ctx context.Context, refreshPlaintext, clientID string) (*TokenResponse, error) {
	record, newPlaintext, err := m.RotateRefreshToken(ctx, refreshPlaintext)
	if err != nil {
		return nil, err
	}
	if record.ClientID != clientID {
		// Burn the rotated replacement too; the grant is compromised.
		_ = m.store.RevokeRefreshToken(ctx, hashRefreshToken(newPlaintext))
		logger.Warnw("refresh token presented by wrong client",
			"expected", record.ClientID, "got", clientID)
		return nil, fmt.Errorf("%w: refresh token was issued to a different client", authflow.ErrInvalidGrant)
	}

	accessToken, claims, err := m.IssueAccessToken(ctx, AccessTokenParams{
		Subject:     record.UserID,
		ClientID:    record.ClientID,
		Scope:       record.Scope,
		PatientID:   record.PatientID,
		EncounterID: record.EncounterID,
	})
	if err != nil {
		return nil, err
	}

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(time.Until(claims.ExpiresAt.Time).Seconds()),
		Scope:        record.Scope,
		RefreshToken: newPlaintext,
		Patient:      record.PatientID,
		Encounter:    record.EncounterID,
	}, nil
}

// MarkAssertionUsed records a client-assertion JTI. The first caller
// succeeds; any later caller before expiresAt gets ErrReplayDetected with
// no side effects.
func (m *Manager) MarkAssertionUsed(ctx context.Context, jti string, expiresAt time.Time) error {
	ok, err := m.store.MarkUsed(ctx, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to record assertion jti: %w", err)
	}
	if !ok {
		logger.Warnw("client assertion replayed", "jti", jti)
		return ErrReplayDetected
	}
	return nil
}

// StoreLaunchContext persists a launch context, assigning an opaque launch
// identifier when none is set.
func (m *Manager) StoreLaunchContext(ctx context.Context, launch *storage.LaunchContext) (*storage.LaunchContext, error) {
	if launch == nil {
		return nil, fmt.Errorf("launch context cannot be nil")
	}

	copied := *launch
	if copied.ID == "" {
		copied.ID = uuid.NewString()
	}
	now := time.Now()
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = now
	}
	if copied.ExpiresAt.IsZero() {
		copied.ExpiresAt = now.Add(m.cfg.LaunchContextTTL)
	}

	if err := m.store.PutLaunchContext(ctx, &copied); err != nil {
		return nil, fmt.Errorf("failed to store launch context: %w", err)
	}
	return &copied, nil
}

// GetLaunchContext retrieves a launch context without consuming it.
func (m *Manager) GetLaunchContext(ctx context.Context, id string) (*storage.LaunchContext, error) {
	return m.store.GetLaunchContext(ctx, id)
}

// ConsumeLaunchContext atomically retrieves and deletes a launch context.
func (m *Manager) ConsumeLaunchContext(ctx context.Context, id string) (*storage.LaunchContext, error) {
	return m.store.ConsumeLaunchContext(ctx, id)
}

// DeleteLaunchContext explicitly invalidates a launch context.
func (m *Manager) DeleteLaunchContext(ctx context.Context, id string) error {
	return m.store.DeleteLaunchContext(ctx, id)
}

// CleanupExpired removes expired records across every token-related store
// and returns the total removed. Intended for periodic invocation by an
// external scheduler.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	total := 0
	for _, cleanup := range []func(context.Context) (int, error){
		m.store.CleanupExpiredAuthorizeSessions,
		m.store.CleanupExpiredAuthorizationCodes,
		m.store.CleanupExpiredRefreshTokens,
		m.store.CleanupExpiredLaunchContexts,
		m.store.CleanupExpiredReplayRecords,
	} {
		count, err := cleanup(ctx)
		total += count
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
