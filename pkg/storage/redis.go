package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Redis key type segments. Full keys look like "<prefix><type>:<id>".
const (
	keyTypeSession = "session"
	keyTypeCode    = "code"
	keyTypeRefresh = "refresh"
	keyTypeLaunch  = "launch"
	keyTypeJTI     = "jti"
)

// RedisConfig holds Redis connection configuration for runtime use.
type RedisConfig struct {
	// Addr is the Redis server address, host:port.
	Addr string

	// Username and Password for ACL authentication (optional).
	Username string
	Password string

	// DB selects the Redis logical database.
	DB int

	// KeyPrefix namespaces all keys, e.g. "authcore:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore implements the Store interface with a Redis backend. The
// single-use conditional operations are implemented with Lua scripts and
// GETDEL/SETNX so they are atomic server-side; TTL handling is native, so
// the CleanupExpired operations are no-ops here.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore creates Redis-backed storage.
// Returns an error if the connection cannot be established.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// NewRedisStoreWithClient creates a RedisStore with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Health checks Redis connectivity.
func (s *RedisStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) key(keyType, id string) string {
	return fmt.Sprintf("%s%s:%s", s.keyPrefix, keyType, id)
}

func (s *RedisStore) setKey(keyType, id string) string {
	return fmt.Sprintf("%s%s:%s:set", s.keyPrefix, keyType, id)
}

// ttlUntil returns the TTL for a record expiring at exp, or 0 if already
// expired.
func ttlUntil(exp time.Time) time.Duration {
	ttl := time.Until(exp)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// -----------------------
// AuthorizeSessionStore
// -----------------------

// storedAuthorizeSession is the serializable form of AuthorizeSession.
type storedAuthorizeSession struct {
	ID                  string `json:"id"`
	ResponseType        string `json:"response_type"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	State               string `json:"state"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	Audience            string `json:"aud"`
	LaunchID            string `json:"launch_id"`
	Nonce               string `json:"nonce"`
	UserID              string `json:"user_id"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
}

// PutAuthorizeSession stores or replaces an interactive session.
func (s *RedisStore) PutAuthorizeSession(ctx context.Context, session *AuthorizeSession) error {
	if session == nil {
		return fmt.Errorf("session cannot be nil")
	}
	if session.ID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}

	stored := storedAuthorizeSession{
		ID:                  session.ID,
		ResponseType:        session.ResponseType,
		ClientID:            session.ClientID,
		RedirectURI:         session.RedirectURI,
		Scope:               session.Scope,
		State:               session.State,
		CodeChallenge:       session.CodeChallenge,
		CodeChallengeMethod: session.CodeChallengeMethod,
		Audience:            session.Audience,
		LaunchID:            session.LaunchID,
		Nonce:               session.Nonce,
		UserID:              session.UserID,
		CreatedAt:           session.CreatedAt.Unix(),
		ExpiresAt:           session.ExpiresAt.Unix(),
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal authorize session: %w", err)
	}

	ttl := ttlUntil(session.ExpiresAt)
	if ttl == 0 {
		// Already expired, don't store
		return nil
	}

	return s.client.Set(ctx, s.key(keyTypeSession, session.ID), data, ttl).Err()
}

// GetAuthorizeSession retrieves an interactive session by ID. Redis TTL
// expiry surfaces as ErrNotFound rather than ErrExpired.
func (s *RedisStore) GetAuthorizeSession(ctx context.Context, id string) (*AuthorizeSession, error) {
	data, err := s.client.Get(ctx, s.key(keyTypeSession, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: authorize session", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get authorize session: %w", err)
	}

	var stored storedAuthorizeSession
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorize session: %w", err)
	}

	return &AuthorizeSession{
		ID:                  stored.ID,
		ResponseType:        stored.ResponseType,
		ClientID:            stored.ClientID,
		RedirectURI:         stored.RedirectURI,
		Scope:               stored.Scope,
		State:               stored.State,
		CodeChallenge:       stored.CodeChallenge,
		CodeChallengeMethod: stored.CodeChallengeMethod,
		Audience:            stored.Audience,
		LaunchID:            stored.LaunchID,
		Nonce:               stored.Nonce,
		UserID:              stored.UserID,
		CreatedAt:           time.Unix(stored.CreatedAt, 0),
		ExpiresAt:           time.Unix(stored.ExpiresAt, 0),
	}, nil
}

// bindSessionUserScript atomically sets a session's user if none is bound.
// Returns the updated record JSON on success, "BOUND" if a user is already
// set, and nil if the key does not exist.
var bindSessionUserScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return false
end
local session = cjson.decode(data)
if session.user_id ~= '' then
	return 'BOUND'
end
session.user_id = ARGV[1]
local encoded = cjson.encode(session)
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('SET', KEYS[1], encoded, 'PX', ttl)
else
	redis.call('SET', KEYS[1], encoded)
end
return encoded
`)

// BindAuthorizeSessionUser atomically sets the session's user, but only if
// none is bound yet. Exactly one of any number of concurrent callers
// succeeds. Redis TTL expiry surfaces as ErrNotFound rather than
// ErrExpired.
func (s *RedisStore) BindAuthorizeSessionUser(ctx context.Context, id, userID string) (*AuthorizeSession, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID cannot be empty")
	}

	result, err := bindSessionUserScript.Run(ctx, s.client, []string{s.key(keyTypeSession, id)}, userID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: authorize session", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to bind session user: %w", err)
	}

	raw, ok := result.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected bind result type %T", result)
	}
	if raw == "BOUND" {
		return nil, fmt.Errorf("%w: session user", ErrAlreadyExists)
	}

	var stored storedAuthorizeSession
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorize session: %w", err)
	}

	return &AuthorizeSession{
		ID:                  stored.ID,
		ResponseType:        stored.ResponseType,
		ClientID:            stored.ClientID,
		RedirectURI:         stored.RedirectURI,
		Scope:               stored.Scope,
		State:               stored.State,
		CodeChallenge:       stored.CodeChallenge,
		CodeChallengeMethod: stored.CodeChallengeMethod,
		Audience:            stored.Audience,
		LaunchID:            stored.LaunchID,
		Nonce:               stored.Nonce,
		UserID:              stored.UserID,
		CreatedAt:           time.Unix(stored.CreatedAt, 0),
		ExpiresAt:           time.Unix(stored.ExpiresAt, 0),
	}, nil
}

// DeleteAuthorizeSession removes an interactive session.
func (s *RedisStore) DeleteAuthorizeSession(ctx context.Context, id string) error {
	result, err := s.client.Del(ctx, s.key(keyTypeSession, id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete authorize session: %w", err)
	}
	if result == 0 {
		return fmt.Errorf("%w: authorize session", ErrNotFound)
	}
	return nil
}

// CleanupExpiredAuthorizeSessions is a no-op; Redis TTLs expire keys natively.
func (*RedisStore) CleanupExpiredAuthorizeSessions(_ context.Context) (int, error) {
	return 0, nil
}

// -----------------------
// AuthorizationCodeStore
// -----------------------

// storedAuthorizationCode is the serializable form of AuthorizationCode.
// ConsumedAt is always present (0 = not consumed) so the consume script can
// test it without a key-existence check.
type storedAuthorizationCode struct {
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	UserID              string `json:"user_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	Audience            string `json:"audience"`
	LaunchID            string `json:"launch_id"`
	Nonce               string `json:"nonce"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
	ConsumedAt          int64  `json:"consumed_at"`
}

func (c *storedAuthorizationCode) toRecord() *AuthorizationCode {
	record := &AuthorizationCode{
		Code:                c.Code,
		ClientID:            c.ClientID,
		UserID:              c.UserID,
		RedirectURI:         c.RedirectURI,
		Scope:               c.Scope,
		CodeChallenge:       c.CodeChallenge,
		CodeChallengeMethod: c.CodeChallengeMethod,
		Audience:            c.Audience,
		LaunchID:            c.LaunchID,
		Nonce:               c.Nonce,
		CreatedAt:           time.Unix(c.CreatedAt, 0),
		ExpiresAt:           time.Unix(c.ExpiresAt, 0),
	}
	if c.ConsumedAt != 0 {
		record.ConsumedAt = time.Unix(c.ConsumedAt, 0)
	}
	return record
}

// PutAuthorizationCode stores a freshly minted code record. Uses SETNX so a
// code collision is detected atomically.
func (s *RedisStore) PutAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	if code == nil {
		return fmt.Errorf("code cannot be nil")
	}
	if code.Code == "" {
		return fmt.Errorf("code value cannot be empty")
	}

	stored := storedAuthorizationCode{
		Code:                code.Code,
		ClientID:            code.ClientID,
		UserID:              code.UserID,
		RedirectURI:         code.RedirectURI,
		Scope:               code.Scope,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		Audience:            code.Audience,
		LaunchID:            code.LaunchID,
		Nonce:               code.Nonce,
		CreatedAt:           code.CreatedAt.Unix(),
		ExpiresAt:           code.ExpiresAt.Unix(),
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := ttlUntil(code.ExpiresAt)
	if ttl == 0 {
		return nil
	}

	ok, err := s.client.SetNX(ctx, s.key(keyTypeCode, code.Code), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store authorization code: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: authorization code", ErrAlreadyExists)
	}
	return nil
}

// consumeCodeScript atomically marks an authorization code consumed.
// Returns the updated record JSON on success, "CONSUMED" if the code was
// already consumed, and nil if the key does not exist.
var consumeCodeScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return false
end
local code = cjson.decode(data)
if code.consumed_at ~= 0 then
	return 'CONSUMED'
end
code.consumed_at = tonumber(ARGV[1])
local encoded = cjson.encode(code)
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('SET', KEYS[1], encoded, 'PX', ttl)
else
	redis.call('SET', KEYS[1], encoded)
end
return encoded
`)

// ConsumeAuthorizationCode atomically marks the code consumed and returns
// the record. Atomicity comes from the server-side script; exactly one of
// any number of concurrent callers succeeds. Redis TTL expiry surfaces as
// ErrNotFound rather than ErrExpired.
func (s *RedisStore) ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	result, err := consumeCodeScript.Run(ctx, s.client, []string{s.key(keyTypeCode, code)}, time.Now().Unix()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: authorization code", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	raw, ok := result.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected consume result type %T", result)
	}
	if raw == "CONSUMED" {
		return nil, fmt.Errorf("%w: authorization code", ErrConsumed)
	}

	var stored storedAuthorizationCode
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}

	return stored.toRecord(), nil
}

// CleanupExpiredAuthorizationCodes is a no-op; Redis TTLs expire keys natively.
func (*RedisStore) CleanupExpiredAuthorizationCodes(_ context.Context) (int, error) {
	return 0, nil
}

// -----------------------
// RefreshTokenStore
// -----------------------

// storedRefreshToken is the serializable form of RefreshToken.
// RevokedAt is always present (0 = active) for the revoke script.
type storedRefreshToken struct {
	Hash        string `json:"hash"`
	ClientID    string `json:"client_id"`
	UserID      string `json:"user_id"`
	Scope       string `json:"scope"`
	PatientID   string `json:"patient_id"`
	EncounterID string `json:"encounter_id"`
	CreatedAt   int64  `json:"created_at"`
	ExpiresAt   int64  `json:"expires_at"`
	RevokedAt   int64  `json:"revoked_at"`
}

// PutRefreshToken stores a refresh token record and indexes it by client and
// user for bulk revocation.
func (s *RedisStore) PutRefreshToken(ctx context.Context, token *RefreshToken) error {
	if token == nil {
		return fmt.Errorf("token cannot be nil")
	}
	if token.Hash == "" {
		return fmt.Errorf("token hash cannot be empty")
	}

	stored := storedRefreshToken{
		Hash:        token.Hash,
		ClientID:    token.ClientID,
		UserID:      token.UserID,
		Scope:       token.Scope,
		PatientID:   token.PatientID,
		EncounterID: token.EncounterID,
		CreatedAt:   token.CreatedAt.Unix(),
		ExpiresAt:   token.ExpiresAt.Unix(),
	}
	if !token.RevokedAt.IsZero() {
		stored.RevokedAt = token.RevokedAt.Unix()
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	ttl := ttlUntil(token.ExpiresAt)
	if ttl == 0 {
		return nil
	}

	key := s.key(keyTypeRefresh, token.Hash)
	ok, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: refresh token", ErrAlreadyExists)
	}

	// Secondary indexes for bulk revocation. If indexing fails, delete the
	// token to prevent an unrevocable orphan.
	clientSet := s.setKey("client:refresh", token.ClientID)
	if err := s.client.SAdd(ctx, clientSet, token.Hash).Err(); err != nil {
		_ = s.client.Del(ctx, key).Err()
		return err
	}
	userSet := s.setKey("user:refresh", token.UserID)
	if err := s.client.SAdd(ctx, userSet, token.Hash).Err(); err != nil {
		_ = s.client.Del(ctx, key).Err()
		_ = s.client.SRem(ctx, clientSet, token.Hash).Err()
		return err
	}

	// Indexes expire with the longest-lived member; stale hashes are pruned
	// lazily during bulk revocation.
	_ = s.client.Expire(ctx, clientSet, DefaultRefreshTokenTTL).Err()
	_ = s.client.Expire(ctx, userSet, DefaultRefreshTokenTTL).Err()

	return nil
}

// GetRefreshToken retrieves a refresh token record by hash.
func (s *RedisStore) GetRefreshToken(ctx context.Context, hash string) (*RefreshToken, error) {
	data, err := s.client.Get(ctx, s.key(keyTypeRefresh, hash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	var stored storedRefreshToken
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}

	token := &RefreshToken{
		Hash:        stored.Hash,
		ClientID:    stored.ClientID,
		UserID:      stored.UserID,
		Scope:       stored.Scope,
		PatientID:   stored.PatientID,
		EncounterID: stored.EncounterID,
		CreatedAt:   time.Unix(stored.CreatedAt, 0),
		ExpiresAt:   time.Unix(stored.ExpiresAt, 0),
	}
	if stored.RevokedAt != 0 {
		token.RevokedAt = time.Unix(stored.RevokedAt, 0)
	}
	return token, nil
}

// revokeTokenScript atomically sets revoked_at on a refresh token record.
// Returns 0 if the key does not exist, 1 if already revoked, 2 if newly
// revoked.
var revokeTokenScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return 0
end
local token = cjson.decode(data)
if token.revoked_at ~= 0 then
	return 1
end
token.revoked_at = tonumber(ARGV[1])
local encoded = cjson.encode(token)
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('SET', KEYS[1], encoded, 'PX', ttl)
else
	redis.call('SET', KEYS[1], encoded)
end
return 2
`)

// RevokeRefreshToken marks a token revoked. Re-revoking succeeds.
func (s *RedisStore) RevokeRefreshToken(ctx context.Context, hash string) error {
	result, err := revokeTokenScript.Run(ctx, s.client, []string{s.key(keyTypeRefresh, hash)}, time.Now().Unix()).Int()
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if result == 0 {
		return fmt.Errorf("%w: refresh token", ErrNotFound)
	}
	return nil
}

// revokeBySet revokes every token hash in the given index set and returns
// how many were newly revoked. Stale hashes are pruned from the set.
func (s *RedisStore) revokeBySet(ctx context.Context, setKey string) (int, error) {
	hashes, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("failed to read revocation index: %w", err)
	}

	now := time.Now().Unix()
	count := 0
	for _, hash := range hashes {
		result, err := revokeTokenScript.Run(ctx, s.client, []string{s.key(keyTypeRefresh, hash)}, now).Int()
		if err != nil {
			return count, fmt.Errorf("failed to revoke refresh token: %w", err)
		}
		switch result {
		case 0:
			// Token expired out from under the index
			_ = s.client.SRem(ctx, setKey, hash).Err()
		case 2:
			count++
		}
	}
	return count, nil
}

// RevokeRefreshTokensForClient revokes all tokens issued to a client.
func (s *RedisStore) RevokeRefreshTokensForClient(ctx context.Context, clientID string) (int, error) {
	return s.revokeBySet(ctx, s.setKey("client:refresh", clientID))
}

// RevokeRefreshTokensForUser revokes all tokens issued to a user.
func (s *RedisStore) RevokeRefreshTokensForUser(ctx context.Context, userID string) (int, error) {
	return s.revokeBySet(ctx, s.setKey("user:refresh", userID))
}

// CleanupExpiredRefreshTokens is a no-op; Redis TTLs expire keys natively.
func (*RedisStore) CleanupExpiredRefreshTokens(_ context.Context) (int, error) {
	return 0, nil
}

// -----------------------
// LaunchContextStore
// -----------------------

// storedLaunchContext is the serializable form of LaunchContext.
type storedLaunchContext struct {
	ID          string `json:"id"`
	PatientID   string `json:"patient_id"`
	EncounterID string `json:"encounter_id"`
	FHIRUser    string `json:"fhir_user"`
	CreatedAt   int64  `json:"created_at"`
	ExpiresAt   int64  `json:"expires_at"`
}

func (l *storedLaunchContext) toRecord() *LaunchContext {
	return &LaunchContext{
		ID:          l.ID,
		PatientID:   l.PatientID,
		EncounterID: l.EncounterID,
		FHIRUser:    l.FHIRUser,
		CreatedAt:   time.Unix(l.CreatedAt, 0),
		ExpiresAt:   time.Unix(l.ExpiresAt, 0),
	}
}

// PutLaunchContext stores a launch context.
func (s *RedisStore) PutLaunchContext(ctx context.Context, launch *LaunchContext) error {
	if launch == nil {
		return fmt.Errorf("launch context cannot be nil")
	}
	if launch.ID == "" {
		return fmt.Errorf("launch ID cannot be empty")
	}

	stored := storedLaunchContext{
		ID:          launch.ID,
		PatientID:   launch.PatientID,
		EncounterID: launch.EncounterID,
		FHIRUser:    launch.FHIRUser,
		CreatedAt:   launch.CreatedAt.Unix(),
		ExpiresAt:   launch.ExpiresAt.Unix(),
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal launch context: %w", err)
	}

	ttl := ttlUntil(launch.ExpiresAt)
	if ttl == 0 {
		return nil
	}

	return s.client.Set(ctx, s.key(keyTypeLaunch, launch.ID), data, ttl).Err()
}

// GetLaunchContext retrieves a launch context without consuming it.
func (s *RedisStore) GetLaunchContext(ctx context.Context, id string) (*LaunchContext, error) {
	data, err := s.client.Get(ctx, s.key(keyTypeLaunch, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: launch context", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get launch context: %w", err)
	}

	var stored storedLaunchContext
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal launch context: %w", err)
	}
	return stored.toRecord(), nil
}

// ConsumeLaunchContext atomically retrieves and deletes a launch context.
// GETDEL makes the get-and-delete a single server-side operation, so
// exactly one of any number of concurrent callers gets the payload.
func (s *RedisStore) ConsumeLaunchContext(ctx context.Context, id string) (*LaunchContext, error) {
	data, err := s.client.GetDel(ctx, s.key(keyTypeLaunch, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: launch context", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to consume launch context: %w", err)
	}

	var stored storedLaunchContext
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal launch context: %w", err)
	}
	return stored.toRecord(), nil
}

// DeleteLaunchContext removes a launch context.
func (s *RedisStore) DeleteLaunchContext(ctx context.Context, id string) error {
	result, err := s.client.Del(ctx, s.key(keyTypeLaunch, id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete launch context: %w", err)
	}
	if result == 0 {
		return fmt.Errorf("%w: launch context", ErrNotFound)
	}
	return nil
}

// CleanupExpiredLaunchContexts is a no-op; Redis TTLs expire keys natively.
func (*RedisStore) CleanupExpiredLaunchContexts(_ context.Context) (int, error) {
	return 0, nil
}

// -----------------------
// ReplayStore
// -----------------------

// MarkUsed atomically records a JTI using SETNX. The first caller gets
// true; any subsequent caller before expiresAt gets false.
func (s *RedisStore) MarkUsed(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	if jti == "" {
		return false, fmt.Errorf("jti cannot be empty")
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		// Already past the expiry; the assertion fails its own exp check, so
		// there is nothing to retain.
		return true, nil
	}

	ok, err := s.client.SetNX(ctx, s.key(keyTypeJTI, jti), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark jti used: %w", err)
	}
	return ok, nil
}

// IsUsed reports whether a JTI is recorded and within its retention window.
func (s *RedisStore) IsUsed(ctx context.Context, jti string) (bool, error) {
	exists, err := s.client.Exists(ctx, s.key(keyTypeJTI, jti)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check jti: %w", err)
	}
	return exists > 0, nil
}

// CleanupExpiredReplayRecords is a no-op; Redis TTLs expire keys natively.
func (*RedisStore) CleanupExpiredReplayRecords(_ context.Context) (int, error) {
	return 0, nil
}

// Compile-time interface compliance check
var _ Store = (*RedisStore)(nil)
