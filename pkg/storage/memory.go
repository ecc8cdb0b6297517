package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fhirstack/authcore/pkg/logger"
)

// timedEntry wraps a value with its creation time for TTL tracking.
type timedEntry[T any] struct {
	value     T
	createdAt time.Time
	expiresAt time.Time
}

// MemoryStore implements the Store interface with in-memory maps.
// This implementation is thread-safe and suitable for development and
// testing. All single-use guarantees are enforced under a single write
// lock, which serves as the atomic conditional primitive.
type MemoryStore struct {
	mu sync.RWMutex

	// authorizeSessions maps session ID -> interactive session awaiting
	// login/consent.
	authorizeSessions map[string]*timedEntry[*AuthorizeSession]

	// authCodes maps code -> code record. Consumed codes are retained until
	// expiry so a replayed code is distinguishable from an unknown one.
	authCodes map[string]*timedEntry[*AuthorizationCode]

	// refreshTokens maps token hash -> token record. Revoked tokens are
	// retained until expiry so revocation survives lookup.
	refreshTokens map[string]*timedEntry[*RefreshToken]

	// launchContexts maps launch ID -> launch payload. Entries are deleted
	// on consumption.
	launchContexts map[string]*timedEntry[*LaunchContext]

	// replayRecords maps JTI -> retention deadline.
	replayRecords map[string]time.Time

	// cleanupInterval is how often the background cleanup runs
	cleanupInterval time.Duration

	// stopCleanup is used to signal the cleanup goroutine to stop
	stopCleanup chan struct{}

	// cleanupDone is closed when the cleanup goroutine has fully stopped
	cleanupDone chan struct{}
}

// MemoryStoreOption configures a MemoryStore instance.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = interval
	}
}

// NewMemoryStore creates a new MemoryStore instance with initialized maps
// and starts the background cleanup goroutine.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		authorizeSessions: make(map[string]*timedEntry[*AuthorizeSession]),
		authCodes:         make(map[string]*timedEntry[*AuthorizationCode]),
		refreshTokens:     make(map[string]*timedEntry[*RefreshToken]),
		launchContexts:    make(map[string]*timedEntry[*LaunchContext]),
		replayRecords:     make(map[string]time.Time),
		cleanupInterval:   DefaultCleanupInterval,
		stopCleanup:       make(chan struct{}),
		cleanupDone:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Health is a no-op for in-memory storage since it is always available.
func (*MemoryStore) Health(_ context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

// cleanupLoop runs periodic cleanup of expired entries.
func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			ctx := context.Background()
			_, _ = s.CleanupExpiredAuthorizeSessions(ctx)
			_, _ = s.CleanupExpiredAuthorizationCodes(ctx)
			_, _ = s.CleanupExpiredRefreshTokens(ctx)
			_, _ = s.CleanupExpiredLaunchContexts(ctx)
			_, _ = s.CleanupExpiredReplayRecords(ctx)
		}
	}
}

// collectExpired returns the keys of expired entries in m.
// Caller must hold at least a read lock.
func collectExpired[T any](m map[string]*timedEntry[T], now time.Time) []string {
	var expired []string
	for k, v := range m {
		if now.After(v.expiresAt) {
			expired = append(expired, k)
		}
	}
	return expired
}

// -----------------------
// AuthorizeSessionStore
// -----------------------

// PutAuthorizeSession stores or replaces an interactive session.
// A defensive copy is made to prevent aliasing issues.
func (s *MemoryStore) PutAuthorizeSession(_ context.Context, session *AuthorizeSession) error {
	if session == nil {
		return fmt.Errorf("session cannot be nil")
	}
	if session.ID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *session
	s.authorizeSessions[session.ID] = &timedEntry[*AuthorizeSession]{
		value:     &copied,
		createdAt: session.CreatedAt,
		expiresAt: session.ExpiresAt,
	}
	return nil
}

// GetAuthorizeSession retrieves an interactive session by ID.
// Returns a defensive copy.
func (s *MemoryStore) GetAuthorizeSession(_ context.Context, id string) (*AuthorizeSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.authorizeSessions[id]
	if !ok {
		logger.Debugw("authorize session not found", "session_id", id)
		return nil, fmt.Errorf("%w: authorize session", ErrNotFound)
	}
	if time.Now().After(entry.expiresAt) {
		return nil, fmt.Errorf("%w: authorize session", ErrExpired)
	}

	copied := *entry.value
	return &copied, nil
}

// BindAuthorizeSessionUser sets the session's user under the write lock,
// failing if one is already bound. The write lock is what makes the
// check-and-set a single step for concurrent logins.
func (s *MemoryStore) BindAuthorizeSessionUser(_ context.Context, id, userID string) (*AuthorizeSession, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.authorizeSessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: authorize session", ErrNotFound)
	}
	if time.Now().After(entry.expiresAt) {
		return nil, fmt.Errorf("%w: authorize session", ErrExpired)
	}
	if entry.value.UserID != "" {
		return nil, fmt.Errorf("%w: session user", ErrAlreadyExists)
	}

	entry.value.UserID = userID
	copied := *entry.value
	return &copied, nil
}

// DeleteAuthorizeSession removes an interactive session.
func (s *MemoryStore) DeleteAuthorizeSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.authorizeSessions[id]; !ok {
		return fmt.Errorf("%w: authorize session", ErrNotFound)
	}
	delete(s.authorizeSessions, id)
	return nil
}

// CleanupExpiredAuthorizeSessions removes expired sessions.
func (s *MemoryStore) CleanupExpiredAuthorizeSessions(_ context.Context) (int, error) {
	s.mu.RLock()
	expired := collectExpired(s.authorizeSessions, time.Now())
	s.mu.RUnlock()

	if len(expired) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range expired {
		delete(s.authorizeSessions, k)
	}
	return len(expired), nil
}

// -----------------------
// AuthorizationCodeStore
// -----------------------

// PutAuthorizationCode stores a freshly minted code record.
func (s *MemoryStore) PutAuthorizationCode(_ context.Context, code *AuthorizationCode) error {
	if code == nil {
		return fmt.Errorf("code cannot be nil")
	}
	if code.Code == "" {
		return fmt.Errorf("code value cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.authCodes[code.Code]; exists {
		return fmt.Errorf("%w: authorization code", ErrAlreadyExists)
	}

	copied := *code
	s.authCodes[code.Code] = &timedEntry[*AuthorizationCode]{
		value:     &copied,
		createdAt: code.CreatedAt,
		expiresAt: code.ExpiresAt,
	}
	return nil
}

// ConsumeAuthorizationCode atomically marks the code consumed and returns
// the record. The check-and-set happens under a single write lock, so
// exactly one of any number of concurrent callers succeeds.
func (s *MemoryStore) ConsumeAuthorizationCode(_ context.Context, code string) (*AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.authCodes[code]
	if !ok {
		logger.Debugw("authorization code not found")
		return nil, fmt.Errorf("%w: authorization code", ErrNotFound)
	}

	now := time.Now()
	if now.After(entry.expiresAt) {
		return nil, fmt.Errorf("%w: authorization code", ErrExpired)
	}
	if !entry.value.ConsumedAt.IsZero() {
		logger.Warnw("authorization code replay attempt", "client_id", entry.value.ClientID)
		return nil, fmt.Errorf("%w: authorization code", ErrConsumed)
	}

	entry.value.ConsumedAt = now

	copied := *entry.value
	return &copied, nil
}

// CleanupExpiredAuthorizationCodes removes expired code records.
func (s *MemoryStore) CleanupExpiredAuthorizationCodes(_ context.Context) (int, error) {
	s.mu.RLock()
	expired := collectExpired(s.authCodes, time.Now())
	s.mu.RUnlock()

	if len(expired) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range expired {
		delete(s.authCodes, k)
	}
	return len(expired), nil
}

// -----------------------
// RefreshTokenStore
// -----------------------

// PutRefreshToken stores a refresh token record keyed by hash.
func (s *MemoryStore) PutRefreshToken(_ context.Context, token *RefreshToken) error {
	if token == nil {
		return fmt.Errorf("token cannot be nil")
	}
	if token.Hash == "" {
		return fmt.Errorf("token hash cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.refreshTokens[token.Hash]; exists {
		return fmt.Errorf("%w: refresh token", ErrAlreadyExists)
	}

	copied := *token
	s.refreshTokens[token.Hash] = &timedEntry[*RefreshToken]{
		value:     &copied,
		createdAt: token.CreatedAt,
		expiresAt: token.ExpiresAt,
	}
	return nil
}

// GetRefreshToken retrieves a refresh token record by hash.
func (s *MemoryStore) GetRefreshToken(_ context.Context, hash string) (*RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.refreshTokens[hash]
	if !ok {
		logger.Debugw("refresh token not found")
		return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
	}
	if time.Now().After(entry.expiresAt) {
		return nil, fmt.Errorf("%w: refresh token", ErrExpired)
	}

	copied := *entry.value
	return &copied, nil
}

// RevokeRefreshToken marks a token revoked. Re-revoking succeeds.
func (s *MemoryStore) RevokeRefreshToken(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.refreshTokens[hash]
	if !ok {
		return fmt.Errorf("%w: refresh token", ErrNotFound)
	}
	if entry.value.RevokedAt.IsZero() {
		entry.value.RevokedAt = time.Now()
	}
	return nil
}

// RevokeRefreshTokensForClient revokes all tokens issued to a client.
func (s *MemoryStore) RevokeRefreshTokensForClient(_ context.Context, clientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	now := time.Now()
	for _, entry := range s.refreshTokens {
		if entry.value.ClientID == clientID && entry.value.RevokedAt.IsZero() {
			entry.value.RevokedAt = now
			count++
		}
	}
	return count, nil
}

// RevokeRefreshTokensForUser revokes all tokens issued to a user.
func (s *MemoryStore) RevokeRefreshTokensForUser(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	now := time.Now()
	for _, entry := range s.refreshTokens {
		if entry.value.UserID == userID && entry.value.RevokedAt.IsZero() {
			entry.value.RevokedAt = now
			count++
		}
	}
	return count, nil
}

// CleanupExpiredRefreshTokens removes expired token records.
func (s *MemoryStore) CleanupExpiredRefreshTokens(_ context.Context) (int, error) {
	s.mu.RLock()
	expired := collectExpired(s.refreshTokens, time.Now())
	s.mu.RUnlock()

	if len(expired) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range expired {
		delete(s.refreshTokens, k)
	}
	return len(expired), nil
}

// -----------------------
// LaunchContextStore
// -----------------------

// PutLaunchContext stores a launch context.
func (s *MemoryStore) PutLaunchContext(_ context.Context, launch *LaunchContext) error {
	if launch == nil {
		return fmt.Errorf("launch context cannot be nil")
	}
	if launch.ID == "" {
		return fmt.Errorf("launch ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *launch
	s.launchContexts[launch.ID] = &timedEntry[*LaunchContext]{
		value:     &copied,
		createdAt: launch.CreatedAt,
		expiresAt: launch.ExpiresAt,
	}
	return nil
}

// GetLaunchContext retrieves a launch context without consuming it.
func (s *MemoryStore) GetLaunchContext(_ context.Context, id string) (*LaunchContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.launchContexts[id]
	if !ok {
		return nil, fmt.Errorf("%w: launch context", ErrNotFound)
	}
	if time.Now().After(entry.expiresAt) {
		return nil, fmt.Errorf("%w: launch context", ErrExpired)
	}

	copied := *entry.value
	return &copied, nil
}

// ConsumeLaunchContext atomically retrieves and deletes a launch context.
// The get-and-delete happens under a single write lock, so exactly one of
// any number of concurrent callers succeeds.
func (s *MemoryStore) ConsumeLaunchContext(_ context.Context, id string) (*LaunchContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.launchContexts[id]
	if !ok {
		return nil, fmt.Errorf("%w: launch context", ErrNotFound)
	}

	delete(s.launchContexts, id)

	if time.Now().After(entry.expiresAt) {
		return nil, fmt.Errorf("%w: launch context", ErrExpired)
	}

	copied := *entry.value
	return &copied, nil
}

// DeleteLaunchContext removes a launch context.
func (s *MemoryStore) DeleteLaunchContext(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.launchContexts[id]; !ok {
		return fmt.Errorf("%w: launch context", ErrNotFound)
	}
	delete(s.launchContexts, id)
	return nil
}

// CleanupExpiredLaunchContexts removes expired launch contexts.
func (s *MemoryStore) CleanupExpiredLaunchContexts(_ context.Context) (int, error) {
	s.mu.RLock()
	expired := collectExpired(s.launchContexts, time.Now())
	s.mu.RUnlock()

	if len(expired) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range expired {
		delete(s.launchContexts, k)
	}
	return len(expired), nil
}

// -----------------------
// ReplayStore
// -----------------------

// MarkUsed atomically records a JTI. The first caller gets true; any
// subsequent caller before expiresAt gets false.
func (s *MemoryStore) MarkUsed(_ context.Context, jti string, expiresAt time.Time) (bool, error) {
	if jti == "" {
		return false, fmt.Errorf("jti cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if deadline, ok := s.replayRecords[jti]; ok && time.Now().Before(deadline) {
		return false, nil
	}

	s.replayRecords[jti] = expiresAt
	return true, nil
}

// IsUsed reports whether a JTI is recorded and within its retention window.
func (s *MemoryStore) IsUsed(_ context.Context, jti string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	deadline, ok := s.replayRecords[jti]
	return ok && time.Now().Before(deadline), nil
}

// CleanupExpiredReplayRecords removes expired replay records.
func (s *MemoryStore) CleanupExpiredReplayRecords(_ context.Context) (int, error) {
	now := time.Now()

	s.mu.RLock()
	var expired []string
	for k, deadline := range s.replayRecords {
		if now.After(deadline) {
			expired = append(expired, k)
		}
	}
	s.mu.RUnlock()

	if len(expired) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range expired {
		delete(s.replayRecords, k)
	}
	return len(expired), nil
}

// -----------------------
// Metrics/Stats (for testing and monitoring)
// -----------------------

// Stats contains statistics about the store contents.
type Stats struct {
	AuthorizeSessions  int
	AuthorizationCodes int
	RefreshTokens      int
	LaunchContexts     int
	ReplayRecords      int
}

// Stats returns current statistics about store contents.
func (s *MemoryStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		AuthorizeSessions:  len(s.authorizeSessions),
		AuthorizationCodes: len(s.authCodes),
		RefreshTokens:      len(s.refreshTokens),
		LaunchContexts:     len(s.launchContexts),
		ReplayRecords:      len(s.replayRecords),
	}
}

// Compile-time interface compliance check
var _ Store = (*MemoryStore)(nil)
