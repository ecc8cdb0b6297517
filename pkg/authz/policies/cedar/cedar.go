// Package cedar provides a policy source backed by Cedar policies.
//
// Requests map onto Cedar as principal User::<id>, action
// Action::<operation>, and resource <ResourceType>::<id>. A matching
// permit yields Allow; a matching forbid yields Deny; no matching policy
// yields Abstain, leaving the verdict to the other sources and the
// fail-closed combinator default.
package cedar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	cedarpolicy "github.com/cedar-policy/cedar-go"

	"github.com/fhirstack/authcore/pkg/authz"
	"github.com/fhirstack/authcore/pkg/authz/policies"
)

// ConfigType is the configuration type identifier for Cedar policies.
const ConfigType = "cedarv1"

func init() {
	policies.Register(ConfigType, &Factory{})
}

// ErrNoPolicies indicates a configuration without any Cedar policy.
var ErrNoPolicies = errors.New("no policies loaded")

// Config is the full configuration file structure for the Cedar backend:
// the common version/type header plus the "cedar" options field.
type Config struct {
	Version string         `json:"version"`
	Type    string         `json:"type"`
	Options *ConfigOptions `json:"cedar"`
}

// ConfigOptions holds the Cedar-specific options.
type ConfigOptions struct {
	// Policies is a list of Cedar policy strings.
	Policies []string `json:"policies" yaml:"policies"`

	// EntitiesJSON is the JSON string representing Cedar entities.
	EntitiesJSON string `json:"entities_json,omitempty" yaml:"entities_json,omitempty"`
}

// Factory implements the policies.SourceFactory interface for Cedar.
type Factory struct{}

// ValidateConfig validates the Cedar-specific configuration.
func (*Factory) ValidateConfig(rawConfig json.RawMessage) error {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return fmt.Errorf("failed to parse configuration: %w", err)
	}

	if config.Options == nil {
		return fmt.Errorf("cedar configuration is required (missing 'cedar' field)")
	}
	if len(config.Options.Policies) == 0 {
		return fmt.Errorf("at least one policy is required for Cedar authorization")
	}
	return nil
}

// CreateSource creates a Cedar policy source from the configuration.
func (*Factory) CreateSource(rawConfig json.RawMessage) (authz.Source, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if config.Options == nil {
		return nil, fmt.Errorf("cedar configuration is required (missing 'cedar' field)")
	}

	return NewSource(*config.Options)
}

// Source evaluates requests against a Cedar policy set.
type Source struct {
	policySet *cedarpolicy.PolicySet
	entities  cedarpolicy.EntityMap
}

// NewSource creates a Cedar source from the given options.
func NewSource(options ConfigOptions) (*Source, error) {
	if len(options.Policies) == 0 {
		return nil, ErrNoPolicies
	}

	policySet := cedarpolicy.NewPolicySet()
	for i, policyStr := range options.Policies {
		var p cedarpolicy.Policy
		if err := p.UnmarshalCedar([]byte(policyStr)); err != nil {
			return nil, fmt.Errorf("failed to parse policy %d: %w", i, err)
		}
		policySet.Add(cedarpolicy.PolicyID(fmt.Sprintf("policy%d", i)), &p)
	}

	entities := cedarpolicy.EntityMap{}
	if options.EntitiesJSON != "" {
		if err := json.Unmarshal([]byte(options.EntitiesJSON), &entities); err != nil {
			return nil, fmt.Errorf("failed to parse entities JSON: %w", err)
		}
	}

	return &Source{policySet: policySet, entities: entities}, nil
}

// Name implements authz.Source.
func (*Source) Name() string {
	return "cedar"
}

// Evaluate implements authz.Source.
func (s *Source) Evaluate(_ context.Context, pc *authz.PolicyContext) (authz.Decision, error) {
	req := cedarpolicy.Request{
		Principal: cedarpolicy.NewEntityUID("User", cedarpolicy.String(pc.User.ID)),
		Action:    cedarpolicy.NewEntityUID("Action", cedarpolicy.String(string(pc.Request.Operation))),
		Resource:  cedarpolicy.NewEntityUID(cedarpolicy.EntityType(pc.Request.ResourceType), cedarpolicy.String(pc.Request.ResourceID)),
		Context:   requestRecord(pc),
	}

	decision, diagnostic := cedarpolicy.Authorize(s.policySet, s.entities, req)
	if len(diagnostic.Errors) > 0 {
		return authz.Decision{}, fmt.Errorf("cedar evaluation error: %v", diagnostic.Errors)
	}

	if decision == cedarpolicy.Allow {
		return authz.Allow(), nil
	}

	// Cedar denies both when a forbid fires and when nothing matches.
	// Only a fired forbid (reported in the diagnostic reasons) is a real
	// Deny vote; the default deny is an abstention here, since the
	// combinator already fails closed.
	if len(diagnostic.Reasons) > 0 {
		return authz.Deny("denied by organization policy"), nil
	}
	return authz.Abstain(), nil
}

// requestRecord builds the Cedar request context from the policy context.
func requestRecord(pc *authz.PolicyContext) cedarpolicy.Record {
	m := cedarpolicy.RecordMap{
		"operation":       cedarpolicy.String(string(pc.Request.Operation)),
		"resource_type":   cedarpolicy.String(pc.Request.ResourceType),
		"client_id":       cedarpolicy.String(pc.Client.ID),
		"client_trusted":  cedarpolicy.Boolean(pc.Client.Trusted),
		"patient_context": cedarpolicy.String(pc.Environment.PatientContext),
	}

	roles := make([]cedarpolicy.Value, 0, len(pc.User.Roles))
	for _, r := range pc.User.Roles {
		roles = append(roles, cedarpolicy.String(r))
	}
	m["roles"] = cedarpolicy.NewSet(roles...)

	return cedarpolicy.NewRecord(m)
}
