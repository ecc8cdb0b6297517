package authz

import "context"

// Source is a single policy source consulted by the Combinator. A source
// votes Allow, Deny, or Abstain for a request. An error vote is treated as
// Deny by the combinator; sources must never fail open.
type Source interface {
	// Name identifies the source in decisions and logs.
	Name() string

	// Evaluate votes on the request described by the policy context.
	Evaluate(ctx context.Context, pc *PolicyContext) (Decision, error)
}
