package authz

import (
	"context"

	"github.com/fhirstack/authcore/pkg/logger"
)

// DenyReasonNoPolicy is the reason reported when every source abstains.
const DenyReasonNoPolicy = "no policy granted access"

// Combinator produces one decision per request by consulting its policy
// sources in a fixed order. The combining rule is fail-closed:
//
//   - any Deny vote makes the final decision Deny (first Deny wins and
//     short-circuits further evaluation);
//   - otherwise any Allow vote makes it Allow;
//   - all-Abstain is Deny; abstention is never permission.
//
// A source error is converted to Deny. The order of sources affects only
// which Deny reason is reported, never the outcome.
type Combinator struct {
	sources []Source
}

// NewCombinator creates a Combinator over the given sources, consulted in
// argument order. The scope source is conventionally first so scope
// violations short-circuit before any script runs.
func NewCombinator(sources ...Source) *Combinator {
	return &Combinator{sources: sources}
}

// Decide evaluates every source against the policy context and combines
// their votes into the final decision.
func (c *Combinator) Decide(ctx context.Context, pc *PolicyContext) Decision {
	allowed := false

	for _, src := range c.sources {
		d, err := src.Evaluate(ctx, pc)
		if err != nil {
			// Fail closed. The internal error is logged, not surfaced in
			// the deny reason.
			logger.Errorw("policy source failed, denying request",
				"source", src.Name(),
				"request_id", pc.Environment.RequestID,
				"error", err)
			return Decision{Effect: EffectDeny, Reason: "policy evaluation failed", Source: src.Name()}
		}

		switch d.Effect {
		case EffectDeny:
			d.Source = src.Name()
			logger.Debugw("policy source denied request",
				"source", src.Name(),
				"request_id", pc.Environment.RequestID,
				"reason", d.Reason)
			return d
		case EffectAllow:
			allowed = true
		case EffectAbstain:
			// No opinion; keep going.
		}
	}

	if allowed {
		return Decision{Effect: EffectAllow}
	}
	return Decision{Effect: EffectDeny, Reason: DenyReasonNoPolicy}
}
