// Package authz combines scope-based, compartment-based, and script-based
// policy sources into a single access decision per request.
package authz

// Effect is the outcome voted by a policy source.
type Effect string

const (
	// EffectAllow votes to permit the request.
	EffectAllow Effect = "allow"

	// EffectDeny votes to reject the request. Any Deny forces the final
	// decision to Deny.
	EffectDeny Effect = "deny"

	// EffectAbstain is an explicit "no opinion" vote, distinct from
	// silence or error. Abstention is never treated as permission.
	EffectAbstain Effect = "abstain"
)

// Decision is a single policy source's vote, or the combined final verdict.
type Decision struct {
	// Effect is the tri-state outcome.
	Effect Effect

	// Reason is a human-readable explanation, set for Deny decisions. It
	// must not echo script internals or other sensitive detail.
	Reason string

	// Source names the policy source that produced the decision. Empty on
	// source votes; the combinator fills it in on the final verdict.
	Source string
}

// Allow returns an Allow decision.
func Allow() Decision {
	return Decision{Effect: EffectAllow}
}

// Deny returns a Deny decision with the given reason.
func Deny(reason string) Decision {
	return Decision{Effect: EffectDeny, Reason: reason}
}

// Abstain returns an Abstain decision.
func Abstain() Decision {
	return Decision{Effect: EffectAbstain}
}

// Allowed reports whether the decision permits the request.
func (d Decision) Allowed() bool {
	return d.Effect == EffectAllow
}
