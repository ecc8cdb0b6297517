package tokens_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/fhirstack/authcore/pkg/authflow"
	"github.com/fhirstack/authcore/pkg/storage"
	"github.com/fhirstack/authcore/pkg/tokens"
	"github.com/fhirstack/authcore/pkg/tokens/keys"
)

func newTestManager(t *testing.T, cfg *tokens.Config) (*tokens.Manager, *storage.MemoryStore, *authflow.Flow) {
	t.Helper()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	flow := authflow.NewFlow(store, nil)
	return tokens.NewManager(store, keys.NewGeneratingProvider(), flow, cfg), store, flow
}

// authorize runs the front half of the code flow and returns the issued
// code together with the PKCE verifier that redeems it.
func authorize(t *testing.T, flow *authflow.Flow, clientID, scope, launchID string) (*storage.AuthorizationCode, string) {
	t.Helper()
	ctx := context.Background()

	verifier := oauth2.GenerateVerifier()
	session, err := flow.Begin(ctx, &authflow.AuthorizationRequest{
		ResponseType:        "code",
		ClientID:            clientID,
		RedirectURI:         "https://app.example.org/callback",
		Scope:               scope,
		State:               "xyzzy",
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
		CodeChallengeMethod: authflow.MethodS256,
		Audience:            "https://fhir.example.org",
		LaunchID:            launchID,
	})
	require.NoError(t, err)

	_, err = flow.Authenticate(ctx, session.ID, "dr-alice")
	require.NoError(t, err)

	code, err := flow.IssueCode(ctx, session.ID)
	require.NoError(t, err)
	return code, verifier
}

func TestAccessTokenRoundTrip(t *testing.T) {
	t.Parallel()
	mgr, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	signed, issued, err := mgr.IssueAccessToken(ctx, tokens.AccessTokenParams{
		Subject:     "dr-alice",
		ClientID:    "app-1",
		Scope:       "patient/Observation.rs",
		Audience:    "https://fhir.example.org",
		PatientID:   "pat-1",
		EncounterID: "enc-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, issued.ID)

	claims, err := mgr.ValidateAccessToken(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, "dr-alice", claims.Subject)
	assert.Equal(t, "app-1", claims.ClientID)
	assert.Equal(t, "patient/Observation.rs", claims.Scope)
	assert.Equal(t, "pat-1", claims.Patient)
	assert.Equal(t, "enc-1", claims.Encounter)
	assert.Equal(t, issued.ID, claims.ID)
}

func TestIssueAccessTokenRequiresSubjectAndClient(t *testing.T) {
	t.Parallel()
	mgr, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, _, err := mgr.IssueAccessToken(ctx, tokens.AccessTokenParams{ClientID: "app-1"})
	assert.Error(t, err)

	_, _, err = mgr.IssueAccessToken(ctx, tokens.AccessTokenParams{Subject: "dr-alice"})
	assert.Error(t, err)
}

func TestValidateAccessTokenRejectsTampering(t *testing.T) {
	t.Parallel()
	mgr, _, _ := newTestManager(t, nil)
	otherMgr, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	signed, _, err := mgr.IssueAccessToken(ctx, tokens.AccessTokenParams{
		Subject: "dr-alice", ClientID: "app-1",
	})
	require.NoError(t, err)

	_, err = mgr.ValidateAccessToken(ctx, signed+"x")
	assert.ErrorIs(t, err, tokens.ErrInvalidToken)

	_, err = mgr.ValidateAccessToken(ctx, "not-a-jwt")
	assert.ErrorIs(t, err, tokens.ErrInvalidToken)

	// Signed under a different key pair.
	_, err = otherMgr.ValidateAccessToken(ctx, signed)
	assert.ErrorIs(t, err, tokens.ErrInvalidToken)
}

func TestValidateAccessTokenRejectsExpired(t *testing.T) {
	t.Parallel()
	mgr, _, _ := newTestManager(t, &tokens.Config{AccessTokenTTL: -time.Minute})
	ctx := context.Background()

	signed, _, err := mgr.IssueAccessToken(ctx, tokens.AccessTokenParams{
		Subject: "dr-alice", ClientID: "app-1",
	})
	require.NoError(t, err)

	_, err = mgr.ValidateAccessToken(ctx, signed)
	assert.ErrorIs(t, err, tokens.ErrInvalidToken)
}

func TestRevokeAccessToken(t *testing.T) {
	t.Parallel()
	mgr, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	signed, _, err := mgr.IssueAccessToken(ctx, tokens.AccessTokenParams{
		Subject: "dr-alice", ClientID: "app-1",
	})
	require.NoError(t, err)

	_, err = mgr.ValidateAccessToken(ctx, signed)
	require.NoError(t, err)

	require.NoError(t, mgr.RevokeAccessToken(ctx, signed))

	_, err = mgr.ValidateAccessToken(ctx, signed)
	assert.ErrorIs(t, err, tokens.ErrTokenRevoked)

	// Revocation is idempotent.
	assert.NoError(t, mgr.RevokeAccessToken(ctx, signed))
}

func TestRevokeAccessTokenRejectsBadSignature(t *testing.T) {
	t.Parallel()
	mgr, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	signed, _, err := mgr.IssueAccessToken(ctx, tokens.AccessTokenParams{
		Subject: "dr-alice", ClientID: "app-1",
	})
	require.NoError(t, err)

	err = mgr.RevokeAccessToken(ctx, signed+"x")
	assert.ErrorIs(t, err, tokens.ErrInvalidToken)
}

func TestRevokeAccessTokenExpiredIsNoop(t *testing.T) {
	t.Parallel()
	mgr, store, _ := newTestManager(t, &tokens.Config{AccessTokenTTL: -time.Minute})
	ctx := context.Background()

	signed, _, err := mgr.IssueAccessToken(ctx, tokens.AccessTokenParams{
		Subject: "dr-alice", ClientID: "app-1",
	})
	require.NoError(t, err)

	require.NoError(t, mgr.RevokeAccessToken(ctx, signed))
	assert.Zero(t, store.Stats().ReplayRecords)
}

func TestRefreshTokenLifecycle(t *testing.T) {
	t.Parallel()
	mgr, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	plaintext, record, err := mgr.IssueRefreshToken(ctx, tokens.RefreshTokenParams{
		UserID:    "dr-alice",
		ClientID:  "app-1",
		Scope:     "patient/Observation.rs offline_access",
		PatientID: "pat-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, plaintext)
	assert.NotContains(t, record.Hash, plaintext)

	got, err := mgr.ValidateRefreshToken(ctx, plaintext)
	require.NoError(t, err)
	assert.Equal(t, "dr-alice", got.UserID)
	assert.Equal(t, "pat-1", got.PatientID)

	require.NoError(t, mgr.RevokeRefreshToken(ctx, plaintext))
	_, err = mgr.ValidateRefreshToken(ctx, plaintext)
	assert.ErrorIs(t, err, authflow.ErrInvalidGrant)

	// Unknown tokens revoke without error.
	assert.NoError(t, mgr.RevokeRefreshToken(ctx, "never-issued"))
	_, err = mgr.ValidateRefreshToken(ctx, "never-issued")
	assert.ErrorIs(t, err, authflow.ErrInvalidGrant)
}

func TestExpiredRefreshTokenIsRejected(t *testing.T) {
	t.Parallel()
	mgr, _, _ := newTestManager(t, &tokens.Config{RefreshTokenTTL: -time.Minute})
	ctx := context.Background()

	plaintext, record, err := mgr.IssueRefreshToken(ctx, tokens.RefreshTokenParams{
		UserID: "dr-alice", ClientID: "app-1", Scope: "offline_access",
	})
	require.NoError(t, err)
	require.True(t, time.Now().After(record.ExpiresAt))

	// An expired token neither validates nor rotates, even before any
	// cleanup pass has removed the record.
	_, err = mgr.ValidateRefreshToken(ctx, plaintext)
	assert.ErrorIs(t, err, authflow.ErrInvalidGrant)

	_, _, err = mgr.RotateRefreshToken(ctx, plaintext)
	assert.ErrorIs(t, err, authflow.ErrInvalidGrant)

	_, err = mgr.Refresh(ctx, plaintext, "app-1")
	assert.ErrorIs(t, err, authflow.ErrInvalidGrant)
}

func TestRotateRefreshToken(t *testing.T) {
	t.Parallel()
	mgr, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	oldPlaintext, _, err := mgr.IssueRefreshToken(ctx, tokens.RefreshTokenParams{
		UserID:      "dr-alice",
		ClientID:    "app-1",
		Scope:       "patient/Observation.rs offline_access",
		PatientID:   "pat-1",
		EncounterID: "enc-1",
	})
	require.NoError(t, err)

	record, newPlaintext, err := mgr.RotateRefreshToken(ctx, oldPlaintext)
	require.NoError(t, err)
	require.NotEqual(t, oldPlaintext, newPlaintext)
	assert.Equal(t, "dr-alice", record.UserID)
	assert.Equal(t, "app-1", record.ClientID)
	assert.Equal(t, "pat-1", record.PatientID)
	assert.Equal(t, "enc-1", record.EncounterID)

	_, err = mgr.ValidateRefreshToken(ctx, oldPlaintext)
	assert.ErrorIs(t, err, authflow.ErrInvalidGrant)

	_, err = mgr.ValidateRefreshToken(ctx, newPlaintext)
	assert.NoError(t, err)
}

func TestRevokeAllForClientAndUser(t *testing.T) {
	t.Parallel()
	mgr, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	issue := func(userID, clientID string) string {
		plaintext, _, err := mgr.IssueRefreshToken(ctx, tokens.RefreshTokenParams{
			UserID: userID, ClientID: clientID, Scope: "offline_access",
		})
		require.NoError(t, err)
		return plaintext
	}

	p1 := issue("dr-alice", "app-1")
	p2 := issue("dr-bob", "app-1")
	p3 := issue("dr-alice", "app-2")

	count, err := mgr.RevokeAllForClient(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = mgr.RevokeAllForUser(ctx, "dr-alice")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	for _, plaintext := range []string{p1, p2, p3} {
		_, err := mgr.ValidateRefreshToken(ctx, plaintext)
		assert.ErrorIs(t, err, authflow.ErrInvalidGrant)
	}
}

func TestMarkAssertionUsed(t *testing.T) {
	t.Parallel()
	mgr, _, _ := newTestManager(t, nil)
	ctx := context.Background()
	exp := time.Now().Add(time.Minute)

	require.NoError(t, mgr.MarkAssertionUsed(ctx, "jti-1", exp))
	assert.ErrorIs(t, mgr.MarkAssertionUsed(ctx, "jti-1", exp), tokens.ErrReplayDetected)
	assert.NoError(t, mgr.MarkAssertionUsed(ctx, "jti-2", exp))
}

func TestLaunchContextLifecycle(t *testing.T) {
	t.Parallel()
	mgr, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	stored, err := mgr.StoreLaunchContext(ctx, &storage.LaunchContext{
		PatientID:   "pat-1",
		EncounterID: "enc-1",
		FHIRUser:    "Practitioner/dr-alice",
	})
	require.NoError(t, err)
	require.NotEmpty(t, stored.ID)
	assert.False(t, stored.ExpiresAt.IsZero())

	got, err := mgr.GetLaunchContext(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, "pat-1", got.PatientID)

	consumed, err := mgr.ConsumeLaunchContext(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, "enc-1", consumed.EncounterID)

	_, err = mgr.GetLaunchContext(ctx, stored.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestExchange(t *testing.T) {
	t.Parallel()
	mgr, _, flow := newTestManager(t, nil)
	ctx := context.Background()

	launch, err := mgr.StoreLaunchContext(ctx, &storage.LaunchContext{
		PatientID:   "pat-1",
		EncounterID: "enc-1",
	})
	require.NoError(t, err)

	code, verifier := authorize(t, flow,
		"app-1", "openid offline_access launch patient/Observation.rs", launch.ID)

	resp, err := mgr.Exchange(ctx, code.Code, verifier, "app-1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, "pat-1", resp.Patient)
	assert.Equal(t, "enc-1", resp.Encounter)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Positive(t, resp.ExpiresIn)

	claims, err := mgr.ValidateAccessToken(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "dr-alice", claims.Subject)
	assert.Equal(t, "app-1", claims.ClientID)
	assert.Equal(t, "pat-1", claims.Patient)
	assert.Contains(t, claims.Audience, "https://fhir.example.org")

	record, err := mgr.ValidateRefreshToken(ctx, resp.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "pat-1", record.PatientID)

	// The code and the launch context are both consumed.
	_, err = mgr.Exchange(ctx, code.Code, verifier, "app-1")
	assert.ErrorIs(t, err, authflow.ErrInvalidGrant)
	_, err = mgr.GetLaunchContext(ctx, launch.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestExchangeWithoutOfflineAccess(t *testing.T) {
	t.Parallel()
	mgr, _, flow := newTestManager(t, nil)
	ctx := context.Background()

	code, verifier := authorize(t, flow, "app-1", "patient/Observation.rs", "")

	resp, err := mgr.Exchange(ctx, code.Code, verifier, "app-1")
	require.NoError(t, err)
	assert.Empty(t, resp.RefreshToken)
	assert.Empty(t, resp.Patient)
}

func TestExchangeWrongClientBurnsCode(t *testing.T) {
	t.Parallel()
	mgr, _, flow := newTestManager(t, nil)
	ctx := context.Background()

	code, verifier := authorize(t, flow, "app-1", "patient/Observation.rs", "")

	_, err := mgr.Exchange(ctx, code.Code, verifier, "app-2")
	require.ErrorIs(t, err, authflow.ErrInvalidGrant)

	// The code was consumed before the client check; the right client
	// cannot redeem it anymore.
	_, err = mgr.Exchange(ctx, code.Code, verifier, "app-1")
	assert.ErrorIs(t, err, authflow.ErrInvalidGrant)
}

func TestExchangeMissingLaunchContext(t *testing.T) {
	t.Parallel()
	mgr, _, flow := newTestManager(t, nil)
	ctx := context.Background()

	code, verifier := authorize(t, flow, "app-1", "launch patient/Observation.rs", "launch-gone")

	_, err := mgr.Exchange(ctx, code.Code, verifier, "app-1")
	assert.ErrorIs(t, err, authflow.ErrInvalidGrant)
}

func TestExchangeConcurrentSingleWinner(t *testing.T) {
	t.Parallel()
	mgr, _, flow := newTestManager(t, nil)
	ctx := context.Background()

	code, verifier := authorize(t, flow, "app-1", "patient/Observation.rs", "")

	const workers = 16
	var wg sync.WaitGroup
	successes := make(chan *tokens.TokenResponse, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if resp, err := mgr.Exchange(ctx, code.Code, verifier, "app-1"); err == nil {
				successes <- resp
			}
		}()
	}
	wg.Wait()
	close(successes)

	var winners []*tokens.TokenResponse
	for resp := range successes {
		winners = append(winners, resp)
	}
	require.Len(t, winners, 1)

	_, err := mgr.ValidateAccessToken(ctx, winners[0].AccessToken)
	assert.NoError(t, err)
}

func TestRefreshRotatesAndIssues(t *testing.T) {
	t.Parallel()
	mgr, _, flow := newTestManager(t, nil)
	ctx := context.Background()

	launch, err := mgr.StoreLaunchContext(ctx, &storage.LaunchContext{PatientID: "pat-1"})
	require.NoError(t, err)

	code, verifier := authorize(t, flow,
		"app-1", "offline_access launch patient/Observation.rs", launch.ID)

	first, err := mgr.Exchange(ctx, code.Code, verifier, "app-1")
	require.NoError(t, err)

	second, err := mgr.Refresh(ctx, first.RefreshToken, "app-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, "pat-1", second.Patient)

	claims, err := mgr.ValidateAccessToken(ctx, second.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "pat-1", claims.Patient)

	// The rotated-out token no longer refreshes.
	_, err = mgr.Refresh(ctx, first.RefreshToken, "app-1")
	assert.ErrorIs(t, err, authflow.ErrInvalidGrant)
}

func TestRefreshWrongClientBurnsReplacement(t *testing.T) {
	t.Parallel()
	mgr, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	plaintext, _, err := mgr.IssueRefreshToken(ctx, tokens.RefreshTokenParams{
		UserID: "dr-alice", ClientID: "app-1", Scope: "offline_access",
	})
	require.NoError(t, err)

	_, err = mgr.Refresh(ctx, plaintext, "app-2")
	require.ErrorIs(t, err, authflow.ErrInvalidGrant)

	// Rotation already revoked the presented token, and the replacement
	// was burned; the legitimate client has to reauthorize.
	_, err = mgr.Refresh(ctx, plaintext, "app-1")
	assert.ErrorIs(t, err, authflow.ErrInvalidGrant)
}

func TestCleanupExpired(t *testing.T) {
	t.Parallel()
	mgr, store, _ := newTestManager(t, nil)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	require.NoError(t, store.PutLaunchContext(ctx, &storage.LaunchContext{
		ID: "stale-launch", ExpiresAt: past,
	}))
	require.NoError(t, store.PutRefreshToken(ctx, &storage.RefreshToken{
		Hash: "stale-hash", ClientID: "app-1", UserID: "dr-alice", ExpiresAt: past,
	}))

	count, err := mgr.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = mgr.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}
