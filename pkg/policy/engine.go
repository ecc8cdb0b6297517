// Package policy evaluates sandboxed authorization scripts against a
// per-request policy context.
//
// Scripts are CEL expressions. The sandbox exposes the request snapshot as
// read-only variables (user, client, request, resource, environment) plus
// decision builtins: allow(), deny(reason), abstain(), has_role(user, role),
// has_any_role(user, roles), is_practitioner(user), is_patient(user).
//
// The script's terminal expression determines the decision: a decision
// builtin yields that decision; a bare boolean yields Allow when true and
// Abstain when false (scripts express denial with deny()). Anything else is
// a script error, and script errors never fail open: callers convert them
// to Deny.
package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/fhirstack/authcore/pkg/authz"
)

// ErrScript indicates a compile failure, a runtime failure, or a timeout
// inside a policy script.
var ErrScript = errors.New("policy script error")

const (
	// DefaultEvalTimeout bounds a single script evaluation.
	DefaultEvalTimeout = 100 * time.Millisecond

	// DefaultCacheSize bounds the compiled-script cache.
	DefaultCacheSize = 256

	// interruptCheckFrequency is how many interpreter steps run between
	// context-cancellation checks during evaluation.
	interruptCheckFrequency = 100
)

// Config configures an Engine.
type Config struct {
	// EvalTimeout bounds each evaluation. Defaults to DefaultEvalTimeout.
	EvalTimeout time.Duration

	// CacheSize bounds the compiled-script cache. Defaults to
	// DefaultCacheSize.
	CacheSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		EvalTimeout: DefaultEvalTimeout,
		CacheSize:   DefaultCacheSize,
	}
}

// Engine compiles and evaluates policy scripts. It is safe for concurrent
// use: compiled programs are shared via the cache but carry no execution
// state, so concurrent evaluations never interfere.
type Engine struct {
	env     *cel.Env
	cache   *programCache
	timeout time.Duration
}

// NewEngine creates an Engine with the sandbox environment and a bounded
// compiled-script cache.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.EvalTimeout <= 0 {
		cfg.EvalTimeout = DefaultEvalTimeout
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}

	env, err := newSandboxEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create script environment: %w", err)
	}

	cache, err := newProgramCache(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create script cache: %w", err)
	}

	return &Engine{
		env:     env,
		cache:   cache,
		timeout: cfg.EvalTimeout,
	}, nil
}

// newSandboxEnv builds the CEL environment exposed to policy scripts.
func newSandboxEnv() (*cel.Env, error) {
	mapStrDyn := cel.MapType(cel.StringType, cel.DynType)

	return cel.NewEnv(
		cel.Variable("user", mapStrDyn),
		cel.Variable("client", mapStrDyn),
		cel.Variable("request", mapStrDyn),
		cel.Variable("resource", mapStrDyn),
		cel.Variable("environment", mapStrDyn),

		cel.Function("allow",
			cel.Overload("allow_decision", nil, cel.DynType,
				cel.FunctionBinding(func(_ ...ref.Val) ref.Val {
					return decisionVal(authz.EffectAllow, "")
				}))),
		cel.Function("deny",
			cel.Overload("deny_reason", []*cel.Type{cel.StringType}, cel.DynType,
				cel.UnaryBinding(func(reason ref.Val) ref.Val {
					r, ok := reason.Value().(string)
					if !ok {
						return types.NewErr("deny() requires a string reason")
					}
					return decisionVal(authz.EffectDeny, r)
				}))),
		cel.Function("abstain",
			cel.Overload("abstain_decision", nil, cel.DynType,
				cel.FunctionBinding(func(_ ...ref.Val) ref.Val {
					return decisionVal(authz.EffectAbstain, "")
				}))),

		cel.Function("has_role",
			cel.Overload("has_role_user_string", []*cel.Type{mapStrDyn, cel.StringType}, cel.BoolType,
				cel.BinaryBinding(func(user, role ref.Val) ref.Val {
					r, ok := role.Value().(string)
					if !ok {
						return types.NewErr("has_role() requires a string role")
					}
					return types.Bool(userHasRole(user, r))
				}))),
		cel.Function("has_any_role",
			cel.Overload("has_any_role_user_list", []*cel.Type{mapStrDyn, cel.ListType(cel.StringType)}, cel.BoolType,
				cel.BinaryBinding(func(user, roles ref.Val) ref.Val {
					lister, ok := roles.(traits.Lister)
					if !ok {
						return types.NewErr("has_any_role() requires a list of roles")
					}
					sz, ok := lister.Size().Value().(int64)
					if !ok {
						return types.NewErr("has_any_role() requires a list of roles")
					}
					for i := int64(0); i < sz; i++ {
						if r, ok := lister.Get(types.Int(i)).Value().(string); ok && userHasRole(user, r) {
							return types.True
						}
					}
					return types.False
				}))),
		cel.Function("is_practitioner",
			cel.Overload("is_practitioner_user", []*cel.Type{mapStrDyn}, cel.BoolType,
				cel.UnaryBinding(func(user ref.Val) ref.Val {
					return types.Bool(userHasRole(user, "practitioner"))
				}))),
		cel.Function("is_patient",
			cel.Overload("is_patient_user", []*cel.Type{mapStrDyn}, cel.BoolType,
				cel.UnaryBinding(func(user ref.Val) ref.Val {
					return types.Bool(userHasRole(user, "patient"))
				}))),
	)
}

// decisionVal wraps a decision in the sentinel map the evaluator
// recognizes as a terminal decision value.
func decisionVal(effect authz.Effect, reason string) ref.Val {
	m := map[string]string{"effect": string(effect)}
	if reason != "" {
		m["reason"] = reason
	}
	return types.NewStringStringMap(types.DefaultTypeAdapter, m)
}

// userHasRole checks the "roles" list of a user variable.
func userHasRole(user ref.Val, role string) bool {
	m, ok := user.Value().(map[string]any)
	if !ok {
		return false
	}
	roles, ok := m["roles"].([]any)
	if !ok {
		return false
	}
	for _, r := range roles {
		if s, ok := r.(string); ok && s == role {
			return true
		}
	}
	return false
}

// Evaluate runs the script against the given policy context and returns
// its decision. Compile errors, runtime errors, timeouts, and unsupported
// result types all yield ErrScript; callers must treat that as Deny.
func (e *Engine) Evaluate(ctx context.Context, script string, pc *authz.PolicyContext) (authz.Decision, error) {
	prg, err := e.program(script)
	if err != nil {
		return authz.Decision{}, err
	}

	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, _, err := prg.ContextEval(evalCtx, pc.Vars())
	if err != nil {
		return authz.Decision{}, fmt.Errorf("%w: evaluation failed: %w", ErrScript, err)
	}

	return interpretResult(out)
}

// program returns the compiled program for the script, compiling and
// caching on miss. Concurrent misses for the same script compile once.
func (e *Engine) program(script string) (cel.Program, error) {
	if prg, ok := e.cache.get(script); ok {
		return prg, nil
	}
	return e.cache.compileAndStore(script, e.compile)
}

// compile parses, checks, and plans a script for evaluation with
// interruption support.
func (e *Engine) compile(script string) (cel.Program, error) {
	ast, iss := e.env.Compile(script)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: compile failed: %w", ErrScript, iss.Err())
	}

	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(interruptCheckFrequency),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: program planning failed: %w", ErrScript, err)
	}
	return prg, nil
}

// interpretResult maps a CEL result to a decision. Decision builtins
// return the sentinel map; a bare boolean is Allow/Abstain.
func interpretResult(out ref.Val) (authz.Decision, error) {
	switch v := out.Value().(type) {
	case bool:
		if v {
			return authz.Allow(), nil
		}
		return authz.Abstain(), nil
	case map[string]string:
		switch authz.Effect(v["effect"]) {
		case authz.EffectAllow:
			return authz.Allow(), nil
		case authz.EffectDeny:
			return authz.Deny(v["reason"]), nil
		case authz.EffectAbstain:
			return authz.Abstain(), nil
		}
	}
	return authz.Decision{}, fmt.Errorf("%w: script returned unsupported result type %T", ErrScript, out.Value())
}
