package cel

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhirstack/authcore/pkg/authz"
	"github.com/fhirstack/authcore/pkg/authz/policies"
	"github.com/fhirstack/authcore/pkg/policy"
	"github.com/fhirstack/authcore/pkg/scopes"
)

func testPolicyContext(t *testing.T) *authz.PolicyContext {
	t.Helper()

	summary, err := scopes.Parse("user/Patient.r")
	require.NoError(t, err)

	return &authz.PolicyContext{
		User:   authz.UserIdentity{ID: "user-1", Roles: []string{"practitioner"}},
		Client: authz.ClientIdentity{ID: "client-1"},
		Scopes: summary,
		Request: authz.RequestContext{
			Operation:    scopes.OperationRead,
			ResourceType: "Patient",
			ResourceID:   "42",
		},
		Environment: authz.EnvironmentContext{RequestTime: time.Now()},
	}
}

func newSource(t *testing.T, scripts ...string) *Source {
	t.Helper()
	engine, err := policy.NewEngine(policy.DefaultConfig())
	require.NoError(t, err)
	return NewSource(engine, scripts)
}

func TestSourceFirstDenyWins(t *testing.T) {
	t.Parallel()

	s := newSource(t,
		`allow()`,
		`deny("organization rule")`,
		`allow()`,
	)

	d, err := s.Evaluate(context.Background(), testPolicyContext(t))
	require.NoError(t, err)
	assert.Equal(t, authz.EffectDeny, d.Effect)
	assert.Equal(t, "organization rule", d.Reason)
}

func TestSourceAllowWithoutDeny(t *testing.T) {
	t.Parallel()

	s := newSource(t, `abstain()`, `is_practitioner(user) ? allow() : abstain()`)

	d, err := s.Evaluate(context.Background(), testPolicyContext(t))
	require.NoError(t, err)
	assert.Equal(t, authz.EffectAllow, d.Effect)
}

func TestSourceAllAbstain(t *testing.T) {
	t.Parallel()

	s := newSource(t, `abstain()`, `has_role(user, "billing") ? allow() : abstain()`)

	d, err := s.Evaluate(context.Background(), testPolicyContext(t))
	require.NoError(t, err)
	assert.Equal(t, authz.EffectAbstain, d.Effect)
}

func TestSourceNoScriptsAbstains(t *testing.T) {
	t.Parallel()

	d, err := newSource(t).Evaluate(context.Background(), testPolicyContext(t))
	require.NoError(t, err)
	assert.Equal(t, authz.EffectAbstain, d.Effect)
}

func TestThrowingScriptDenies(t *testing.T) {
	t.Parallel()

	// A script that fails at runtime must deny, not crash or allow, even
	// when another script would allow.
	s := newSource(t,
		`resource.missing.deeper == "x" ? allow() : abstain()`,
		`allow()`,
	)

	d, err := s.Evaluate(context.Background(), testPolicyContext(t))
	require.NoError(t, err)
	assert.Equal(t, authz.EffectDeny, d.Effect)
	// The deny reason must not leak script internals.
	assert.NotContains(t, d.Reason, "missing")
}

func TestThrowingScriptDeniesThroughCombinator(t *testing.T) {
	t.Parallel()

	s := newSource(t, `1 / 0 == 1 ? allow() : abstain()`)
	c := authz.NewCombinator(s)

	d := c.Decide(context.Background(), testPolicyContext(t))
	assert.Equal(t, authz.EffectDeny, d.Effect)
}

func TestFactoryCreateSource(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{
		"version": "v1",
		"type": "celv1",
		"cel": {
			"scripts": ["has_role(user, \"practitioner\") ? allow() : abstain()"],
			"eval_timeout_millis": 50,
			"cache_size": 16
		}
	}`)

	factory := &Factory{}
	require.NoError(t, factory.ValidateConfig(raw))

	src, err := factory.CreateSource(raw)
	require.NoError(t, err)

	d, err := src.Evaluate(context.Background(), testPolicyContext(t))
	require.NoError(t, err)
	assert.Equal(t, authz.EffectAllow, d.Effect)
}

func TestFactoryValidateConfig(t *testing.T) {
	t.Parallel()

	factory := &Factory{}

	assert.Error(t, factory.ValidateConfig(json.RawMessage(`{"version":"v1","type":"celv1"}`)))
	assert.Error(t, factory.ValidateConfig(json.RawMessage(`{"version":"v1","type":"celv1","cel":{"scripts":[]}}`)))
	assert.Error(t, factory.ValidateConfig(json.RawMessage(`not json`)))
}

func TestRegisteredWithRegistry(t *testing.T) {
	t.Parallel()

	assert.True(t, policies.IsRegistered(ConfigType))
}
