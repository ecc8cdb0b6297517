// Package scopes parses SMART-on-FHIR scope strings into structured grants.
//
// A SMART scope string is a space-delimited list of tokens. Tokens of the
// form <context>/<resourceType>.<permissions> grant access to FHIR
// resources (e.g. "patient/Observation.rs"); the remaining well-known
// tokens (openid, offline_access, launch, launch/patient, ...) are flags
// that modify the authorization flow rather than granting resource access.
package scopes

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidScope indicates a malformed scope string. The whole string is
// rejected; partially trusting a scope string is a security hazard.
var ErrInvalidScope = errors.New("invalid scope")

// Context identifies whose records a grant applies to.
type Context string

const (
	// ContextPatient restricts the grant to the patient compartment of the
	// launch context ("patient/...").
	ContextPatient Context = "patient"
	// ContextUser grants access to everything the authenticated user can
	// see ("user/...").
	ContextUser Context = "user"
	// ContextSystem is used by backend services with no end user
	// ("system/...").
	ContextSystem Context = "system"
)

// Operation is a FHIR data operation covered by a grant permission.
type Operation string

// Operations a grant permission letter maps onto.
const (
	OperationCreate Operation = "create"
	OperationRead   Operation = "read"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationSearch Operation = "search"
)

// WildcardResourceType matches any FHIR resource type in a grant.
const WildcardResourceType = "*"

// permissionOrder is the canonical output order for permission letters.
const permissionOrder = "cruds"

var letterToOperation = map[byte]Operation{
	'c': OperationCreate,
	'r': OperationRead,
	'u': OperationUpdate,
	'd': OperationDelete,
	's': OperationSearch,
}

// Grant is a single parsed resource scope. Immutable once parsed.
type Grant struct {
	// Context is who the grant is scoped to (patient, user, system).
	Context Context

	// ResourceType is a FHIR resource type or "*" for any type.
	ResourceType string

	// permissions holds the granted operations.
	permissions map[Operation]bool
}

// Allows reports whether the grant permits the given operation.
func (g *Grant) Allows(op Operation) bool {
	return g.permissions[op]
}

// Covers reports whether the grant covers the given operation on the given
// resource type. A wildcard resource type covers all types.
func (g *Grant) Covers(op Operation, resourceType string) bool {
	if g.ResourceType != WildcardResourceType && g.ResourceType != resourceType {
		return false
	}
	return g.Allows(op)
}

// String renders the grant in canonical form, with permission letters in
// "cruds" order regardless of input order.
func (g *Grant) String() string {
	var sb strings.Builder
	sb.WriteString(string(g.Context))
	sb.WriteByte('/')
	sb.WriteString(g.ResourceType)
	sb.WriteByte('.')
	for i := 0; i < len(permissionOrder); i++ {
		if g.permissions[letterToOperation[permissionOrder[i]]] {
			sb.WriteByte(permissionOrder[i])
		}
	}
	return sb.String()
}

// Summary is the parsed form of a full scope string: the resource grants
// plus the flag tokens that do not grant resource access themselves.
type Summary struct {
	// Raw is the scope string as received.
	Raw string

	// Grants are the parsed resource grants, in input order.
	Grants []Grant

	// OpenID is set by the "openid" token.
	OpenID bool

	// FHIRUser is set by the "fhirUser" token.
	FHIRUser bool

	// Profile is set by the deprecated "profile" token (alias of fhirUser).
	Profile bool

	// OfflineAccess is set by "offline_access" and entitles the client to a
	// refresh token that outlives the user session.
	OfflineAccess bool

	// OnlineAccess is set by "online_access".
	OnlineAccess bool

	// Launch is set by the "launch" token (EHR launch).
	Launch bool

	// LaunchPatient is set by "launch/patient" (standalone patient launch).
	LaunchPatient bool

	// LaunchEncounter is set by "launch/encounter".
	LaunchEncounter bool
}

// flag tokens recognized alongside resource grants.
var flagTokens = map[string]func(*Summary){
	"openid":           func(s *Summary) { s.OpenID = true },
	"fhirUser":         func(s *Summary) { s.FHIRUser = true },
	"profile":          func(s *Summary) { s.Profile = true },
	"offline_access":   func(s *Summary) { s.OfflineAccess = true },
	"online_access":    func(s *Summary) { s.OnlineAccess = true },
	"launch":           func(s *Summary) { s.Launch = true },
	"launch/patient":   func(s *Summary) { s.LaunchPatient = true },
	"launch/encounter": func(s *Summary) { s.LaunchEncounter = true },
}

// Parse parses a space-delimited SMART scope string. Any malformed token
// rejects the entire string with ErrInvalidScope.
func Parse(raw string) (*Summary, error) {
	summary := &Summary{Raw: raw}

	for _, token := range strings.Fields(raw) {
		if set, ok := flagTokens[token]; ok {
			set(summary)
			continue
		}

		grant, err := parseGrant(token)
		if err != nil {
			return nil, err
		}
		summary.Grants = append(summary.Grants, *grant)
	}

	return summary, nil
}

// parseGrant parses a single <context>/<resourceType>.<perms> token.
func parseGrant(token string) (*Grant, error) {
	slash := strings.IndexByte(token, '/')
	if slash < 0 {
		return nil, fmt.Errorf("%w: unrecognized token %q", ErrInvalidScope, token)
	}

	ctx := Context(token[:slash])
	switch ctx {
	case ContextPatient, ContextUser, ContextSystem:
	default:
		return nil, fmt.Errorf("%w: unknown context in %q", ErrInvalidScope, token)
	}

	rest := token[slash+1:]
	dot := strings.LastIndexByte(rest, '.')
	if dot <= 0 || dot == len(rest)-1 {
		return nil, fmt.Errorf("%w: missing permissions in %q", ErrInvalidScope, token)
	}

	resourceType := rest[:dot]
	if resourceType != WildcardResourceType && !validResourceType(resourceType) {
		return nil, fmt.Errorf("%w: invalid resource type in %q", ErrInvalidScope, token)
	}

	perms := rest[dot+1:]
	grant := &Grant{
		Context:      ctx,
		ResourceType: resourceType,
		permissions:  make(map[Operation]bool, len(perms)),
	}
	for i := 0; i < len(perms); i++ {
		op, ok := letterToOperation[perms[i]]
		if !ok {
			return nil, fmt.Errorf("%w: unknown permission %q in %q", ErrInvalidScope, string(perms[i]), token)
		}
		if grant.permissions[op] {
			return nil, fmt.Errorf("%w: duplicate permission %q in %q", ErrInvalidScope, string(perms[i]), token)
		}
		grant.permissions[op] = true
	}

	return grant, nil
}

// validResourceType checks the resource type is a plausible FHIR type name:
// an upper-case letter followed by ASCII letters or digits. The parser does
// not validate against the full FHIR type registry; unknown-but-well-formed
// types simply never match a request.
func validResourceType(s string) bool {
	if s == "" || s[0] < 'A' || s[0] > 'Z' {
		return false
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
			continue
		}
		return false
	}
	return true
}

// GrantFor returns the first grant covering the given operation on the
// given resource type, or nil if no grant covers it.
func (s *Summary) GrantFor(op Operation, resourceType string) *Grant {
	for i := range s.Grants {
		if s.Grants[i].Covers(op, resourceType) {
			return &s.Grants[i]
		}
	}
	return nil
}

// HasResourceGrants reports whether the summary contains any resource
// grants at all (as opposed to only flag tokens).
func (s *Summary) HasResourceGrants() bool {
	return len(s.Grants) > 0
}

// String renders the summary in canonical form: resource grants first in
// input order, then flag tokens in a fixed order. Parsing the result yields
// an equivalent summary.
func (s *Summary) String() string {
	parts := make([]string, 0, len(s.Grants)+8)
	for i := range s.Grants {
		parts = append(parts, s.Grants[i].String())
	}
	// Fixed flag order keeps output deterministic.
	for _, f := range []struct {
		set   bool
		token string
	}{
		{s.OpenID, "openid"},
		{s.FHIRUser, "fhirUser"},
		{s.Profile, "profile"},
		{s.OfflineAccess, "offline_access"},
		{s.OnlineAccess, "online_access"},
		{s.Launch, "launch"},
		{s.LaunchPatient, "launch/patient"},
		{s.LaunchEncounter, "launch/encounter"},
	} {
		if f.set {
			parts = append(parts, f.token)
		}
	}
	return strings.Join(parts, " ")
}
