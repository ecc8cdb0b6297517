package authz

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/fhirstack/authcore/pkg/scopes"
)

// UserIdentity describes the authenticated end user behind a request.
// Identity claims are validated upstream (token validation, federation);
// this package only consumes them.
type UserIdentity struct {
	// ID is the platform-internal user ID.
	ID string

	// Roles are the user's role codes (e.g. "practitioner", "admin").
	Roles []string

	// ExternalID links the user to an upstream identity provider subject,
	// if federated.
	ExternalID string
}

// HasRole reports whether the user carries the given role.
func (u *UserIdentity) HasRole(role string) bool {
	return slices.Contains(u.Roles, role)
}

// ClientIdentity describes the OAuth client behind a request.
type ClientIdentity struct {
	// ID is the registered client ID.
	ID string

	// Trusted marks first-party clients that skip the consent screen.
	Trusted bool

	// Type is the client profile: "public", "confidential", or "backend".
	Type string
}

// RequestContext describes the data operation being authorized.
type RequestContext struct {
	// Operation is the FHIR interaction (create, read, update, delete, search).
	Operation scopes.Operation

	// ResourceType is the FHIR resource type being operated on.
	ResourceType string

	// ResourceID is the target resource ID, empty for type-level
	// operations such as create and search.
	ResourceID string

	// Body is the request body for write operations, if any.
	Body json.RawMessage

	// Method and Path describe the underlying HTTP request for policy
	// scripts that want them.
	Method string
	Path   string
}

// EnvironmentContext is ambient request information.
type EnvironmentContext struct {
	// RequestTime is when the request was received.
	RequestTime time.Time

	// SourceIP is the caller's address.
	SourceIP string

	// RequestID correlates log lines for one request.
	RequestID string

	// PatientContext is the patient ID bound by the SMART launch
	// ("Patient/123" is stored as "123"), empty when no patient launch.
	PatientContext string

	// EncounterContext is the encounter ID bound by the SMART launch.
	EncounterContext string
}

// PolicyContext is the read-only per-request snapshot every policy source
// evaluates against. It is constructed once per inbound request by the
// request-handling code path and never mutated afterwards.
type PolicyContext struct {
	User        UserIdentity
	Client      ClientIdentity
	Scopes      *scopes.Summary
	Request     RequestContext
	Environment EnvironmentContext

	// Resource is the target resource JSON, when the caller has it loaded
	// (read/update/delete paths). Used for compartment and content checks.
	Resource json.RawMessage
}

// Vars flattens the context into the variable map exposed to policy
// scripts. The maps are freshly built on each call so scripts can never
// mutate shared state.
func (pc *PolicyContext) Vars() map[string]any {
	roles := make([]any, len(pc.User.Roles))
	for i, r := range pc.User.Roles {
		roles[i] = r
	}

	var resource map[string]any
	if len(pc.Resource) > 0 {
		// Best effort; scripts see a null resource if the JSON is bad.
		_ = json.Unmarshal(pc.Resource, &resource)
	}

	rawScope := ""
	if pc.Scopes != nil {
		rawScope = pc.Scopes.Raw
	}

	return map[string]any{
		"user": map[string]any{
			"id":          pc.User.ID,
			"roles":       roles,
			"external_id": pc.User.ExternalID,
		},
		"client": map[string]any{
			"id":      pc.Client.ID,
			"trusted": pc.Client.Trusted,
			"type":    pc.Client.Type,
		},
		"request": map[string]any{
			"operation":     string(pc.Request.Operation),
			"resource_type": pc.Request.ResourceType,
			"resource_id":   pc.Request.ResourceID,
			"method":        pc.Request.Method,
			"path":          pc.Request.Path,
			"scope":         rawScope,
		},
		"resource": resource,
		"environment": map[string]any{
			"request_time":      pc.Environment.RequestTime.Format(time.RFC3339),
			"source_ip":         pc.Environment.SourceIP,
			"request_id":        pc.Environment.RequestID,
			"patient_context":   pc.Environment.PatientContext,
			"encounter_context": pc.Environment.EncounterContext,
		},
	}
}
