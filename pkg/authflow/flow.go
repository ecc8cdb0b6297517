// Package authflow implements the OAuth2 authorization code flow state
// machine: Created -> Authenticated -> CodeIssued -> Consumed. Single-use
// guarantees are delegated to the storage layer's atomic conditional
// operations; this package owns the transition rules, PKCE binding and
// error mapping.
package authflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fhirstack/authcore/pkg/logger"
	"github.com/fhirstack/authcore/pkg/scopes"
	"github.com/fhirstack/authcore/pkg/storage"
)

var (
	// ErrInvalidGrant indicates an unknown, expired or already-consumed code,
	// or a PKCE verifier mismatch. Maps to the OAuth2 invalid_grant error.
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrInvalidRequest indicates a malformed or out-of-order request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrSessionNotAuthenticated indicates a code was requested before login
	// completed.
	ErrSessionNotAuthenticated = errors.New("session not authenticated")
)

// AuthorizationRequest carries the parameters of the initial authorize
// request.
type AuthorizationRequest struct {
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
}

// validate rejects malformed authorize requests before any state exists.
func (r *AuthorizationRequest) validate() error {
	if r.ResponseType != "code" {
		return fmt.Errorf("%w: unsupported response_type %q", ErrInvalidRequest, r.ResponseType)
	}
	if r.ClientID == "" {
		return fmt.Errorf("%w: client_id is required", ErrInvalidRequest)
	}
	if r.RedirectURI == "" {
		return fmt.Errorf("%w: redirect_uri is required", ErrInvalidRequest)
	}
	if _, err := scopes.Parse(r.Scope); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	switch r.CodeChallengeMethod {
	case "", MethodS256, MethodPlain:
	default:
		return fmt.Errorf("%w: unsupported code_challenge_method %q", ErrInvalidRequest, r.CodeChallengeMethod)
	}
	if r.CodeChallengeMethod != "" && r.CodeChallenge == "" {
		return fmt.Errorf("%w: code_challenge_method without code_challenge", ErrInvalidRequest)
	}
	return nil
}

// Store is the persistence surface the flow needs.
type Store interface {
	storage.AuthorizeSessionStore
	storage.AuthorizationCodeStore
	storage.LaunchContextStore
}

// Config configures flow lifetimes.
type Config struct {
	// SessionTTL bounds the login/consent interaction.
	SessionTTL time.Duration

	// CodeTTL is the authorization code lifetime.
	CodeTTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SessionTTL: storage.DefaultAuthorizeSessionTTL,
		CodeTTL:    storage.DefaultAuthorizationCodeTTL,
	}
}

// Flow drives the authorization code state machine.
type Flow struct {
	store Store
	cfg   *Config
}

// NewFlow creates a Flow backed by the given store.
func NewFlow(store Store, cfg *Config) *Flow {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Flow{store: store, cfg: cfg}
}

// Begin validates the authorize request and creates the interactive session
// in the Created state. The session TTL starts now and is not extended by
// later transitions.
func (f *Flow) Begin(ctx context.Context, req *AuthorizationRequest) (*storage.AuthorizeSession, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request cannot be nil", ErrInvalidRequest)
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	method := req.CodeChallengeMethod
	if req.CodeChallenge != "" && method == "" {
		// RFC 7636 default when a challenge is sent without a method.
		method = MethodPlain
	}

	now := time.Now()
	session := &storage.AuthorizeSession{
		ID:                  uuid.NewString(),
		ResponseType:        req.ResponseType,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		Audience:            req.Audience,
		LaunchID:            req.LaunchID,
		Nonce:               req.Nonce,
		CreatedAt:           now,
		ExpiresAt:           now.Add(f.cfg.SessionTTL),
	}

	if err := f.store.PutAuthorizeSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to store authorize session: %w", err)
	}

	logger.Debugw("authorize session created",
		"session_id", session.ID,
		"client_id", session.ClientID,
	)
	return session, nil
}

// Authenticate records a successful login on the session. The user is set
// exactly once; a second call fails. A failed login is simply not reported
// here, leaving the session in Created without extending its TTL.
func (f *Flow) Authenticate(ctx context.Context, sessionID, userID string) (*storage.AuthorizeSession, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID cannot be empty", ErrInvalidRequest)
	}

	session, err := f.store.BindAuthorizeSessionUser(ctx, sessionID, userID)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: session already authenticated", ErrInvalidRequest)
		}
		return nil, mapSessionErr(err)
	}
	return session, nil
}

// IssueCode completes consent: it mints a fresh single-use code carrying the
// session's client/scope/PKCE/launch data and deletes the interactive
// session, which is never reused.
func (f *Flow) IssueCode(ctx context.Context, sessionID string) (*storage.AuthorizationCode, error) {
	session, err := f.store.GetAuthorizeSession(ctx, sessionID)
	if err != nil {
		return nil, mapSessionErr(err)
	}
	if session.UserID == "" {
		return nil, ErrSessionNotAuthenticated
	}

	now := time.Now()
	code := &storage.AuthorizationCode{
		Code:                NewCode(),
		ClientID:            session.ClientID,
		UserID:              session.UserID,
		RedirectURI:         session.RedirectURI,
		Scope:               session.Scope,
		CodeChallenge:       session.CodeChallenge,
		CodeChallengeMethod: session.CodeChallengeMethod,
		Audience:            session.Audience,
		LaunchID:            session.LaunchID,
		Nonce:               session.Nonce,
		CreatedAt:           now,
		ExpiresAt:           now.Add(f.cfg.CodeTTL),
	}

	if err := f.store.PutAuthorizationCode(ctx, code); err != nil {
		return nil, fmt.Errorf("failed to store authorization code: %w", err)
	}

	if err := f.store.DeleteAuthorizeSession(ctx, sessionID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Warnw("failed to delete authorize session after code issuance",
			"session_id", sessionID, "error", err)
	}

	logger.Debugw("authorization code issued",
		"client_id", code.ClientID,
		"user_id", code.UserID,
	)
	return code, nil
}

// Consume atomically redeems an authorization code and verifies its PKCE
// binding. Exactly one of any number of concurrent callers for the same
// code succeeds; the rest receive ErrInvalidGrant. A PKCE mismatch also
// returns ErrInvalidGrant, and the code stays consumed: a committed
// consumption is never rolled back.
func (f *Flow) Consume(ctx context.Context, code, codeVerifier string) (*storage.AuthorizationCode, error) {
	record, err := f.store.ConsumeAuthorizationCode(ctx, code)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrConsumed):
			logger.Warnw("authorization code replayed")
			return nil, fmt.Errorf("%w: code already used", ErrInvalidGrant)
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrExpired):
			return nil, fmt.Errorf("%w: unknown or expired code", ErrInvalidGrant)
		default:
			return nil, fmt.Errorf("failed to consume authorization code: %w", err)
		}
	}

	if record.CodeChallenge != "" {
		if codeVerifier == "" {
			return nil, fmt.Errorf("%w: code_verifier is required", ErrInvalidGrant)
		}
		if !VerifyPKCE(record.CodeChallenge, record.CodeChallengeMethod, codeVerifier) {
			logger.Warnw("PKCE verification failed", "client_id", record.ClientID)
			return nil, fmt.Errorf("%w: code_verifier does not match challenge", ErrInvalidGrant)
		}
	}

	return record, nil
}

// Abandon explicitly invalidates a session, e.g. when the user denies
// consent. Any launch context bound to the session is invalidated too.
func (f *Flow) Abandon(ctx context.Context, sessionID string) error {
	session, err := f.store.GetAuthorizeSession(ctx, sessionID)
	if err != nil {
		return mapSessionErr(err)
	}

	if err := f.store.DeleteAuthorizeSession(ctx, sessionID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to delete authorize session: %w", err)
	}

	if session.LaunchID != "" {
		if err := f.store.DeleteLaunchContext(ctx, session.LaunchID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to delete launch context: %w", err)
		}
	}

	logger.Infow("authorize session abandoned", "session_id", sessionID)
	return nil
}

// mapSessionErr translates storage lookup failures into flow errors.
func mapSessionErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
		return fmt.Errorf("%w: unknown or expired session", ErrInvalidRequest)
	}
	return err
}
