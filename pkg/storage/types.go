// Package storage provides the persistence contract for the authorization
// core: authorize sessions, authorization codes, refresh tokens, launch
// contexts and replay records. Every single-use guarantee in the flow and
// token layers is pushed down to one atomic conditional operation here, so
// implementations must make ConsumeAuthorizationCode, ConsumeLaunchContext
// and MarkUsed race-free per key.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations. Callers match with
// errors.Is and translate into protocol errors (invalid_grant etc.).
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExpired indicates the record exists but its TTL has elapsed.
	ErrExpired = errors.New("expired")

	// ErrAlreadyExists indicates a create collided with an existing record.
	ErrAlreadyExists = errors.New("already exists")

	// ErrConsumed indicates a single-use record was already consumed.
	ErrConsumed = errors.New("already consumed")
)

const (
	// DefaultCleanupInterval is how often the background cleanup runs.
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultAuthorizeSessionTTL bounds the login/consent UI interaction.
	DefaultAuthorizeSessionTTL = 10 * time.Minute

	// DefaultAuthorizationCodeTTL is the code lifetime (RFC 6749 recommends
	// a maximum of 10 minutes; we stay well under it).
	DefaultAuthorizationCodeTTL = 5 * time.Minute

	// DefaultRefreshTokenTTL is the refresh token lifetime.
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour

	// DefaultLaunchContextTTL bounds the window between EHR launch and the
	// app redeeming the launch identifier.
	DefaultLaunchContextTTL = 5 * time.Minute
)

// AuthorizeSession is the pre-code interactive session created by the first
// authorize request. UserID is empty until login succeeds; the flow layer
// enforces that it is set exactly once.
type AuthorizeSession struct {
	ID                  string
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Audience            string
	LaunchID            string
	Nonce               string
	UserID              string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// AuthorizationCode is the single-use code record minted once consent
// completes. ConsumedAt transitions from zero to a timestamp exactly once;
// the record is retained until ExpiresAt so replayed codes are detectable.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	Audience            string
	LaunchID            string
	Nonce               string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	ConsumedAt          time.Time
}

// RefreshToken is the stored form of a refresh token. Only the SHA-256 hash
// of the plaintext is persisted; the plaintext never reaches this layer.
type RefreshToken struct {
	Hash        string
	ClientID    string
	UserID      string
	Scope       string
	PatientID   string
	EncounterID string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	RevokedAt   time.Time
}

// Revoked reports whether the token has been revoked.
func (t *RefreshToken) Revoked() bool {
	return !t.RevokedAt.IsZero()
}

// LaunchContext is the EHR launch payload handed to an app via an opaque,
// single-use launch identifier.
type LaunchContext struct {
	ID          string
	PatientID   string
	EncounterID string
	FHIRUser    string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// AuthorizeSessionStore persists interactive authorize sessions.
type AuthorizeSessionStore interface {
	// PutAuthorizeSession stores or replaces a session.
	PutAuthorizeSession(ctx context.Context, session *AuthorizeSession) error

	// GetAuthorizeSession retrieves a session by ID.
	// Returns ErrNotFound or ErrExpired.
	GetAuthorizeSession(ctx context.Context, id string) (*AuthorizeSession, error)

	// BindAuthorizeSessionUser atomically sets the session's user, but only
	// if none is bound yet, and returns the updated session. Exactly one of
	// any number of concurrent callers succeeds; the rest receive
	// ErrAlreadyExists. Returns ErrNotFound or ErrExpired for missing or
	// expired sessions.
	BindAuthorizeSessionUser(ctx context.Context, id, userID string) (*AuthorizeSession, error)

	// DeleteAuthorizeSession removes a session. Returns ErrNotFound if absent.
	DeleteAuthorizeSession(ctx context.Context, id string) error

	// CleanupExpiredAuthorizeSessions removes expired sessions and returns
	// how many were removed.
	CleanupExpiredAuthorizeSessions(ctx context.Context) (int, error)
}

// AuthorizationCodeStore persists single-use authorization codes.
type AuthorizationCodeStore interface {
	// PutAuthorizationCode stores a freshly minted code.
	// Returns ErrAlreadyExists on code collision.
	PutAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically marks the code consumed and returns
	// the record. Exactly one of any number of concurrent callers succeeds;
	// the rest receive ErrConsumed. Returns ErrNotFound for unknown codes and
	// ErrExpired for expired ones. A committed consumption is never rolled
	// back, even if the caller's context is cancelled afterwards.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// CleanupExpiredAuthorizationCodes removes expired code records and
	// returns how many were removed.
	CleanupExpiredAuthorizationCodes(ctx context.Context) (int, error)
}

// RefreshTokenStore persists refresh token records keyed by hash.
type RefreshTokenStore interface {
	// PutRefreshToken stores a token record.
	// Returns ErrAlreadyExists on hash collision.
	PutRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken retrieves a token record by its hash.
	// Returns ErrNotFound if absent.
	GetRefreshToken(ctx context.Context, hash string) (*RefreshToken, error)

	// RevokeRefreshToken marks a token revoked. Idempotent: revoking an
	// already-revoked token succeeds. Returns ErrNotFound if absent.
	RevokeRefreshToken(ctx context.Context, hash string) error

	// RevokeRefreshTokensForClient revokes all tokens issued to a client and
	// returns how many were newly revoked.
	RevokeRefreshTokensForClient(ctx context.Context, clientID string) (int, error)

	// RevokeRefreshTokensForUser revokes all tokens issued to a user and
	// returns how many were newly revoked.
	RevokeRefreshTokensForUser(ctx context.Context, userID string) (int, error)

	// CleanupExpiredRefreshTokens removes expired token records and returns
	// how many were removed.
	CleanupExpiredRefreshTokens(ctx context.Context) (int, error)
}

// LaunchContextStore persists single-use launch contexts.
type LaunchContextStore interface {
	// PutLaunchContext stores a launch context.
	PutLaunchContext(ctx context.Context, launch *LaunchContext) error

	// GetLaunchContext retrieves a launch context without consuming it.
	// Returns ErrNotFound or ErrExpired.
	GetLaunchContext(ctx context.Context, id string) (*LaunchContext, error)

	// ConsumeLaunchContext atomically retrieves and deletes a launch context.
	// Exactly one of any number of concurrent callers succeeds; the rest
	// receive ErrNotFound.
	ConsumeLaunchContext(ctx context.Context, id string) (*LaunchContext, error)

	// DeleteLaunchContext removes a launch context, e.g. on denied
	// authorization. Returns ErrNotFound if absent.
	DeleteLaunchContext(ctx context.Context, id string) error

	// CleanupExpiredLaunchContexts removes expired launch contexts and
	// returns how many were removed.
	CleanupExpiredLaunchContexts(ctx context.Context) (int, error)
}

// ReplayStore tracks used JTIs for client-assertion replay prevention and
// access token revocation.
type ReplayStore interface {
	// MarkUsed atomically records a JTI. The first caller gets true; any
	// subsequent caller before expiresAt gets false with no side effects.
	MarkUsed(ctx context.Context, jti string, expiresAt time.Time) (bool, error)

	// IsUsed reports whether a JTI has been recorded and is still within its
	// retention window.
	IsUsed(ctx context.Context, jti string) (bool, error)

	// CleanupExpiredReplayRecords removes expired replay records and returns
	// how many were removed.
	CleanupExpiredReplayRecords(ctx context.Context) (int, error)
}

// Store is the aggregate persistence contract consumed by the flow and
// token layers.
type Store interface {
	AuthorizeSessionStore
	AuthorizationCodeStore
	RefreshTokenStore
	LaunchContextStore
	ReplayStore

	// Health checks backend availability.
	Health(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Type defines the type of storage backend.
type Type string

const (
	// TypeMemory uses in-memory storage (default).
	TypeMemory Type = "memory"

	// TypeRedis uses a Redis backend.
	TypeRedis Type = "redis"
)

// Config configures the storage backend.
type Config struct {
	// Type specifies the storage backend type. Defaults to memory.
	Type Type
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type: TypeMemory,
	}
}
