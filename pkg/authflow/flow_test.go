package authflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/fhirstack/authcore/pkg/storage"
)

func newTestFlow(t *testing.T) (*Flow, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore(storage.WithCleanupInterval(time.Hour))
	t.Cleanup(func() {
		_ = store.Close()
	})
	return NewFlow(store, nil), store
}

func testRequest() *AuthorizationRequest {
	verifier := oauth2.GenerateVerifier()
	return &AuthorizationRequest{
		ResponseType:        "code",
		ClientID:            "app-1",
		RedirectURI:         "https://app.example.org/callback",
		Scope:               "openid patient/Observation.rs launch/patient",
		State:               "client-state",
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
		CodeChallengeMethod: MethodS256,
		Nonce:               "n-1",
	}
}

func TestFullFlowWithS256(t *testing.T) {
	t.Parallel()
	flow, _ := newTestFlow(t)
	ctx := context.Background()

	verifier := oauth2.GenerateVerifier()
	req := testRequest()
	req.CodeChallenge = oauth2.S256ChallengeFromVerifier(verifier)

	session, err := flow.Begin(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)
	assert.Empty(t, session.UserID)

	session, err = flow.Authenticate(ctx, session.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", session.UserID)

	code, err := flow.IssueCode(ctx, session.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, code.Code)
	assert.Equal(t, "app-1", code.ClientID)
	assert.Equal(t, "user-1", code.UserID)
	assert.Equal(t, req.Scope, code.Scope)
	assert.Equal(t, "n-1", code.Nonce)

	record, err := flow.Consume(ctx, code.Code, verifier)
	require.NoError(t, err)
	assert.Equal(t, "user-1", record.UserID)
}

func TestSessionDeletedAfterCodeIssued(t *testing.T) {
	t.Parallel()
	flow, store := newTestFlow(t)
	ctx := context.Background()

	session, err := flow.Begin(ctx, testRequest())
	require.NoError(t, err)
	_, err = flow.Authenticate(ctx, session.ID, "user-1")
	require.NoError(t, err)
	_, err = flow.IssueCode(ctx, session.ID)
	require.NoError(t, err)

	_, err = store.GetAuthorizeSession(ctx, session.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = flow.IssueCode(ctx, session.ID)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestBeginValidation(t *testing.T) {
	t.Parallel()
	flow, _ := newTestFlow(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*AuthorizationRequest)
	}{
		{"token response type", func(r *AuthorizationRequest) { r.ResponseType = "token" }},
		{"missing client", func(r *AuthorizationRequest) { r.ClientID = "" }},
		{"missing redirect", func(r *AuthorizationRequest) { r.RedirectURI = "" }},
		{"malformed scope", func(r *AuthorizationRequest) { r.Scope = "patient/Patient.x" }},
		{"unknown challenge method", func(r *AuthorizationRequest) { r.CodeChallengeMethod = "S512" }},
		{"method without challenge", func(r *AuthorizationRequest) {
			r.CodeChallenge = ""
			r.CodeChallengeMethod = MethodS256
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := testRequest()
			tt.mutate(req)
			_, err := flow.Begin(ctx, req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestChallengeWithoutMethodDefaultsToPlain(t *testing.T) {
	t.Parallel()
	flow, _ := newTestFlow(t)
	ctx := context.Background()

	req := testRequest()
	req.CodeChallenge = "plain-secret"
	req.CodeChallengeMethod = ""

	session, err := flow.Begin(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, MethodPlain, session.CodeChallengeMethod)

	_, err = flow.Authenticate(ctx, session.ID, "user-1")
	require.NoError(t, err)
	code, err := flow.IssueCode(ctx, session.ID)
	require.NoError(t, err)

	_, err = flow.Consume(ctx, code.Code, "plain-secret")
	require.NoError(t, err)
}

func TestAuthenticateExactlyOnce(t *testing.T) {
	t.Parallel()
	flow, _ := newTestFlow(t)
	ctx := context.Background()

	session, err := flow.Begin(ctx, testRequest())
	require.NoError(t, err)

	_, err = flow.Authenticate(ctx, session.ID, "user-1")
	require.NoError(t, err)

	_, err = flow.Authenticate(ctx, session.ID, "user-2")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = flow.Authenticate(ctx, session.ID, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = flow.Authenticate(ctx, "no-such-session", "user-1")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestConcurrentAuthenticateSingleWinner(t *testing.T) {
	t.Parallel()
	flow, store := newTestFlow(t)
	ctx := context.Background()

	session, err := flow.Begin(ctx, testRequest())
	require.NoError(t, err)

	const logins = 32
	var wg sync.WaitGroup
	winners := make(chan string, logins)
	for i := 0; i < logins; i++ {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			if got, err := flow.Authenticate(ctx, session.ID, userID); err == nil {
				winners <- got.UserID
			}
		}(fmt.Sprintf("user-%d", i))
	}
	wg.Wait()
	close(winners)

	var bound []string
	for u := range winners {
		bound = append(bound, u)
	}
	require.Len(t, bound, 1)

	// The losers did not overwrite the winner's binding.
	got, err := store.GetAuthorizeSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, bound[0], got.UserID)
}

func TestIssueCodeRequiresAuthentication(t *testing.T) {
	t.Parallel()
	flow, _ := newTestFlow(t)
	ctx := context.Background()

	session, err := flow.Begin(ctx, testRequest())
	require.NoError(t, err)

	_, err = flow.IssueCode(ctx, session.ID)
	assert.ErrorIs(t, err, ErrSessionNotAuthenticated)
}

func issueTestCode(t *testing.T, flow *Flow, req *AuthorizationRequest) *storage.AuthorizationCode {
	t.Helper()
	ctx := context.Background()

	session, err := flow.Begin(ctx, req)
	require.NoError(t, err)
	_, err = flow.Authenticate(ctx, session.ID, "user-1")
	require.NoError(t, err)
	code, err := flow.IssueCode(ctx, session.ID)
	require.NoError(t, err)
	return code
}

func TestConsumeTwiceFails(t *testing.T) {
	t.Parallel()
	flow, _ := newTestFlow(t)
	ctx := context.Background()

	verifier := oauth2.GenerateVerifier()
	req := testRequest()
	req.CodeChallenge = oauth2.S256ChallengeFromVerifier(verifier)
	code := issueTestCode(t, flow, req)

	_, err := flow.Consume(ctx, code.Code, verifier)
	require.NoError(t, err)

	_, err = flow.Consume(ctx, code.Code, verifier)
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestConsumeConcurrentExactlyOnce(t *testing.T) {
	t.Parallel()
	flow, _ := newTestFlow(t)
	ctx := context.Background()

	verifier := oauth2.GenerateVerifier()
	req := testRequest()
	req.CodeChallenge = oauth2.S256ChallengeFromVerifier(verifier)
	code := issueTestCode(t, flow, req)

	const callers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := flow.Consume(ctx, code.Code, verifier); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
}

func TestConsumePKCEMismatch(t *testing.T) {
	t.Parallel()
	flow, _ := newTestFlow(t)
	ctx := context.Background()

	verifier := oauth2.GenerateVerifier()
	req := testRequest()
	req.CodeChallenge = oauth2.S256ChallengeFromVerifier(verifier)
	code := issueTestCode(t, flow, req)

	_, err := flow.Consume(ctx, code.Code, oauth2.GenerateVerifier())
	assert.ErrorIs(t, err, ErrInvalidGrant)

	// The mismatch burned the code; a retry with the right verifier is too
	// late.
	_, err = flow.Consume(ctx, code.Code, verifier)
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestConsumeMissingVerifier(t *testing.T) {
	t.Parallel()
	flow, _ := newTestFlow(t)
	ctx := context.Background()

	code := issueTestCode(t, flow, testRequest())

	_, err := flow.Consume(ctx, code.Code, "")
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestConsumeWithoutPKCE(t *testing.T) {
	t.Parallel()
	flow, _ := newTestFlow(t)
	ctx := context.Background()

	req := testRequest()
	req.CodeChallenge = ""
	req.CodeChallengeMethod = ""
	code := issueTestCode(t, flow, req)

	_, err := flow.Consume(ctx, code.Code, "")
	require.NoError(t, err)
}

func TestConsumeUnknownCode(t *testing.T) {
	t.Parallel()
	flow, _ := newTestFlow(t)

	_, err := flow.Consume(context.Background(), "no-such-code", "verifier")
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestAbandonInvalidatesSessionAndLaunch(t *testing.T) {
	t.Parallel()
	flow, store := newTestFlow(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, store.PutLaunchContext(ctx, &storage.LaunchContext{
		ID:        "launch-1",
		PatientID: "pat-1",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
	}))

	req := testRequest()
	req.LaunchID = "launch-1"
	session, err := flow.Begin(ctx, req)
	require.NoError(t, err)

	require.NoError(t, flow.Abandon(ctx, session.ID))

	_, err = store.GetAuthorizeSession(ctx, session.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetLaunchContext(ctx, "launch-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, flow.Abandon(ctx, session.ID), ErrInvalidRequest)
}

func TestVerifyPKCE(t *testing.T) {
	t.Parallel()

	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)

	assert.True(t, VerifyPKCE(challenge, MethodS256, verifier))
	assert.False(t, VerifyPKCE(challenge, MethodS256, verifier+"x"))
	assert.True(t, VerifyPKCE("secret", MethodPlain, "secret"))
	assert.False(t, VerifyPKCE("secret", MethodPlain, "other"))
	assert.False(t, VerifyPKCE(challenge, "S512", verifier))
	assert.False(t, VerifyPKCE(challenge, "", verifier))
}
