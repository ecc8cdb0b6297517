package tokens

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/fhirstack/authcore/pkg/authflow"
	"github.com/fhirstack/authcore/pkg/logger"
	"github.com/fhirstack/authcore/pkg/storage"
)

const refreshTokenBytes = 32

// RefreshTokenParams carries the inputs for minting a refresh token.
type RefreshTokenParams struct {
	UserID      string
	ClientID    string
	Scope       string
	PatientID   string
	EncounterID string
}

// newRefreshPlaintext mints an unguessable refresh token.
func newRefreshPlaintext() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// hashRefreshToken derives the storage key for a refresh token. Only the
// hash is ever persisted; the plaintext is shown to the client once.
func hashRefreshToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// IssueRefreshToken mints and persists a refresh token, returning the
// plaintext alongside the stored record.
func (m *Manager) IssueRefreshToken(ctx context.Context, params RefreshTokenParams) (string, *storage.RefreshToken, error) {
	if params.UserID == "" {
		return "", nil, fmt.Errorf("user id is required")
	}
	if params.ClientID == "" {
		return "", nil, fmt.Errorf("client id is required")
	}

	plaintext, err := newRefreshPlaintext()
	if err != nil {
		return "", nil, err
	}

	now := time.Now()
	record := &storage.RefreshToken{
		Hash:        hashRefreshToken(plaintext),
		ClientID:    params.ClientID,
		UserID:      params.UserID,
		Scope:       params.Scope,
		PatientID:   params.PatientID,
		EncounterID: params.EncounterID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.cfg.RefreshTokenTTL),
	}
	if err := m.store.PutRefreshToken(ctx, record); err != nil {
		return "", nil, fmt.Errorf("failed to store refresh token: %w", err)
	}
	return plaintext, record, nil
}

// ValidateRefreshToken looks up a refresh token by its hash and checks that
// it is neither expired nor revoked.
func (m *Manager) ValidateRefreshToken(ctx context.Context, plaintext string) (*storage.RefreshToken, error) {
	record, err := m.store.GetRefreshToken(ctx, hashRefreshToken(plaintext))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
			return nil, fmt.Errorf("%w: refresh token not found or expired", authflow.ErrInvalidGrant)
		}
		return nil, fmt.Errorf("failed to look up refresh token: %w", err)
	}
	if !time.Now().Before(record.ExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token has expired", authflow.ErrInvalidGrant)
	}
	if record.Revoked() {
		return nil, fmt.Errorf("%w: refresh token has been revoked", authflow.ErrInvalidGrant)
	}
	return record, nil
}

// RotateRefreshToken validates a refresh token, revokes it, and issues a
// replacement carrying the same grant attributes. The old plaintext is
// unusable afterwards even if the rotation's caller discards the result.
func (m *Manager) RotateRefreshToken(ctx context.Context, plaintext string) (*storage.RefreshToken, string, error) {
	record, err := m.ValidateRefreshToken(ctx, plaintext)
	if err != nil {
		return nil, "", err
	}

	if err := m.store.RevokeRefreshToken(ctx, record.Hash); err != nil {
		return nil, "", fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	newPlaintext, newRecord, err := m.IssueRefreshToken(ctx, RefreshTokenParams{
		UserID:      record.UserID,
		ClientID:    record.ClientID,
		Scope:       record.Scope,
		PatientID:   record.PatientID,
		EncounterID: record.EncounterID,
	})
	if err != nil {
		return nil, "", err
	}
	return newRecord, newPlaintext, nil
}

// RevokeRefreshToken revokes a single refresh token. Revoking an unknown
// token is not an error.
func (m *Manager) RevokeRefreshToken(ctx context.Context, plaintext string) error {
	err := m.store.RevokeRefreshToken(ctx, hashRefreshToken(plaintext))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// RevokeAllForClient revokes every live refresh token issued to a client
// and returns how many were newly revoked.
func (m *Manager) RevokeAllForClient(ctx context.Context, clientID string) (int, error) {
	count, err := m.store.RevokeRefreshTokensForClient(ctx, clientID)
	if err != nil {
		return count, fmt.Errorf("failed to revoke client refresh tokens: %w", err)
	}
	if count > 0 {
		logger.Infow("revoked client refresh tokens", "client_id", clientID, "count", count)
	}
	return count, nil
}

// RevokeAllForUser revokes every live refresh token issued to a user and
// returns how many were newly revoked.
func (m *Manager) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	count, err := m.store.RevokeRefreshTokensForUser(ctx, userID)
	if err != nil {
		return count, fmt.Errorf("failed to revoke user refresh tokens: %w", err)
	}
	if count > 0 {
		logger.Infow("revoked user refresh tokens", "user_id", userID, "count", count)
	}
	return count, nil
}
