// Package cel provides the script-based policy source backed by the
// policy engine. Each configured script votes independently; the first
// Deny among them wins, any Allow without a Deny allows, and scripts that
// all abstain leave the source abstaining. A script error denies; a
// broken or malicious script must never fail open.
package cel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fhirstack/authcore/pkg/authz"
	"github.com/fhirstack/authcore/pkg/authz/policies"
	"github.com/fhirstack/authcore/pkg/logger"
	"github.com/fhirstack/authcore/pkg/policy"
)

// ConfigType is the configuration type identifier for CEL policy scripts.
const ConfigType = "celv1"

func init() {
	policies.Register(ConfigType, &Factory{})
}

// Config is the full configuration file structure for the CEL backend:
// the common version/type header plus the "cel" options field.
type Config struct {
	Version string         `json:"version"`
	Type    string         `json:"type"`
	Options *ConfigOptions `json:"cel"`
}

// ConfigOptions holds the CEL-specific options.
type ConfigOptions struct {
	// Scripts are the policy scripts, evaluated in order.
	Scripts []string `json:"scripts" yaml:"scripts"`

	// EvalTimeoutMillis bounds each script evaluation. Zero uses the
	// engine default.
	EvalTimeoutMillis int `json:"eval_timeout_millis,omitempty" yaml:"eval_timeout_millis,omitempty"`

	// CacheSize bounds the compiled-script cache. Zero uses the engine
	// default.
	CacheSize int `json:"cache_size,omitempty" yaml:"cache_size,omitempty"`
}

// Factory implements the policies.SourceFactory interface for CEL scripts.
type Factory struct{}

// ValidateConfig validates the CEL-specific configuration.
func (*Factory) ValidateConfig(rawConfig json.RawMessage) error {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return fmt.Errorf("failed to parse configuration: %w", err)
	}

	if config.Options == nil {
		return fmt.Errorf("cel configuration is required (missing 'cel' field)")
	}
	if len(config.Options.Scripts) == 0 {
		return fmt.Errorf("at least one script is required for CEL policies")
	}
	return nil
}

// CreateSource creates a CEL policy source from the configuration.
func (*Factory) CreateSource(rawConfig json.RawMessage) (authz.Source, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if config.Options == nil {
		return nil, fmt.Errorf("cel configuration is required (missing 'cel' field)")
	}

	engineCfg := policy.DefaultConfig()
	if config.Options.EvalTimeoutMillis > 0 {
		engineCfg.EvalTimeout = time.Duration(config.Options.EvalTimeoutMillis) * time.Millisecond
	}
	if config.Options.CacheSize > 0 {
		engineCfg.CacheSize = config.Options.CacheSize
	}

	engine, err := policy.NewEngine(engineCfg)
	if err != nil {
		return nil, err
	}

	return NewSource(engine, config.Options.Scripts), nil
}

// Source evaluates a fixed list of policy scripts through a shared engine.
type Source struct {
	engine  *policy.Engine
	scripts []string
}

// NewSource creates a script source over the given engine and scripts.
func NewSource(engine *policy.Engine, scripts []string) *Source {
	return &Source{engine: engine, scripts: scripts}
}

// Name implements authz.Source.
func (*Source) Name() string {
	return "cel-scripts"
}

// Evaluate implements authz.Source. Scripts run in order; the first Deny
// short-circuits.
func (s *Source) Evaluate(ctx context.Context, pc *authz.PolicyContext) (authz.Decision, error) {
	allowed := false

	for i, script := range s.scripts {
		d, err := s.engine.Evaluate(ctx, script, pc)
		if err != nil {
			if errors.Is(err, policy.ErrScript) {
				// Logged here with the script index, denied without
				// exposing the script text or the error detail.
				logger.Warnw("policy script failed",
					"script_index", i,
					"request_id", pc.Environment.RequestID,
					"error", err)
				return authz.Deny("policy script failed"), nil
			}
			return authz.Decision{}, err
		}

		switch d.Effect {
		case authz.EffectDeny:
			return d, nil
		case authz.EffectAllow:
			allowed = true
		}
	}

	if allowed {
		return authz.Allow(), nil
	}
	return authz.Abstain(), nil
}
