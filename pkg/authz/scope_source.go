package authz

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fhirstack/authcore/pkg/compartment"
	"github.com/fhirstack/authcore/pkg/scopes"
)

// ScopeSource votes based on the SMART scope grants carried by the token.
// A grant must cover the requested (operation, resource type) pair; grants
// in the patient context are additionally restricted to the launch
// patient's compartment.
type ScopeSource struct{}

// NewScopeSource returns the scope-based policy source.
func NewScopeSource() *ScopeSource {
	return &ScopeSource{}
}

// Name implements Source.
func (*ScopeSource) Name() string {
	return "scopes"
}

// Evaluate implements Source.
func (*ScopeSource) Evaluate(_ context.Context, pc *PolicyContext) (Decision, error) {
	if pc.Scopes == nil || !pc.Scopes.HasResourceGrants() {
		// Nothing to say about a request that carries no resource grants;
		// other sources (or the fail-closed default) decide.
		return Abstain(), nil
	}

	grant := pc.Scopes.GrantFor(pc.Request.Operation, pc.Request.ResourceType)
	if grant == nil {
		return Deny(fmt.Sprintf("no scope grants %s on %s", pc.Request.Operation, pc.Request.ResourceType)), nil
	}

	if grant.Context == scopes.ContextPatient {
		return patientCompartmentVote(pc), nil
	}

	return Allow(), nil
}

// patientCompartmentVote enforces the patient-compartment restriction
// encoded by a patient-context grant.
func patientCompartmentVote(pc *PolicyContext) Decision {
	patientID := pc.Environment.PatientContext
	if patientID == "" {
		return Deny("patient-scoped grant without a patient launch context")
	}

	candidate := candidateResource(pc)
	if candidate == nil {
		// No resource content to check at this layer (e.g. a search).
		// The compartment restriction is applied by the search engine as a
		// result filter; the scope itself covers the operation.
		return Allow()
	}

	if !compartment.InCompartment(compartment.PatientCompartment, patientID, candidate) {
		return Deny("resource is outside the launch patient's compartment")
	}
	return Allow()
}

// candidateResource picks the resource JSON to compartment-check: the
// loaded target resource for read-style operations, else the request body
// for writes.
func candidateResource(pc *PolicyContext) json.RawMessage {
	if len(pc.Resource) > 0 {
		return pc.Resource
	}
	if len(pc.Request.Body) > 0 {
		return pc.Request.Body
	}
	return nil
}
